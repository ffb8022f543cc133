package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowengine/internal/config"
	"github.com/pitabwire/flowengine/internal/definition"
	"github.com/pitabwire/flowengine/internal/directory"
	"github.com/pitabwire/flowengine/internal/handler"
)

func validateCmd(configPath *string) *cobra.Command {
	var skipHandlers bool

	cmd := &cobra.Command{
		Use:   "validate [directory...]",
		Short: "Load and validate workflow definitions",
		Long: `Loads every definition file under the given directories (or the
configured definitions.directories) and reports every validation error.
Automatic tasks must name a built-in handler unless --skip-handlers is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}

			defs, err := definition.NewLoader().LoadAll(dirs)
			if err != nil {
				return err
			}

			var handlers definition.HandlerSet
			if !skipHandlers {
				dir, _ := directory.NewStatic(nil)
				reg := handler.NewRegistry(handler.DefaultBreakerConfig())
				handler.RegisterBuiltins(reg, dir)
				handlers = reg
			}

			out := cmd.OutOrStdout()
			verrs := definition.NewValidator().Validate(defs, handlers)
			for _, ve := range verrs {
				fmt.Fprintln(out, ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d validation errors in %d definitions", len(verrs), len(defs))
			}
			fmt.Fprintf(out, "%d definitions valid\n", len(defs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipHandlers, "skip-handlers", false, "do not require automatic task handlers to be registered")
	return cmd
}
