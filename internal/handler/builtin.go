package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/project-flogo/core/data/coerce"

	"github.com/pitabwire/flowengine/model"
)

// Names of the built-in handlers.
const (
	ContextSet          = "context.set"
	DirectoryEmailAvail = "directory.email_available"
)

// RegisterBuiltins registers the handlers every deployment carries.
func RegisterBuiltins(r *Registry, dir model.Directory) {
	r.Register(ContextSet, Func(contextSet))
	r.Register(DirectoryEmailAvail, emailAvailable{dir: dir})
}

// contextSet returns config.values verbatim plus, for every entry of
// config.copy, the value found at the given dotted path of the input.
//
//	handler_config:
//	  values: {approved: true}
//	  copy:   {applicant: request.applicant.name}
func contextSet(_ context.Context, input, config map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	if raw, ok := config["values"]; ok && raw != nil {
		values, err := coerce.ToObject(raw)
		if err != nil {
			return nil, fmt.Errorf("context.set: values: %w", err)
		}
		for k, v := range values {
			out[k] = v
		}
	}
	if raw, ok := config["copy"]; ok && raw != nil {
		paths, err := coerce.ToObject(raw)
		if err != nil {
			return nil, fmt.Errorf("context.set: copy: %w", err)
		}
		for k, p := range paths {
			path, err := coerce.ToString(p)
			if err != nil {
				return nil, fmt.Errorf("context.set: copy.%s: %w", k, err)
			}
			out[k], _ = model.Lookup(input, path)
		}
	}
	return out, nil
}

// emailAvailable fails when the address in the input is already known to
// the directory. It serves as a pre-creation guard.
//
//	handler_config:
//	  field: applicant.email   # default "email"
type emailAvailable struct {
	dir model.Directory
}

func (h emailAvailable) Execute(ctx context.Context, input, config map[string]any) (map[string]any, error) {
	field := "email"
	if f, ok := config["field"]; ok {
		s, err := coerce.ToString(f)
		if err != nil {
			return nil, fmt.Errorf("directory.email_available: field: %w", err)
		}
		field = s
	}
	email, err := coerce.ToString(fieldValue(input, field))
	if err != nil || strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("directory.email_available: no email at %q", field)
	}

	if _, err := h.dir.FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("email %s is already registered", email)
	} else if !model.IsCode(err, model.ErrNotFound) {
		return nil, fmt.Errorf("directory.email_available: %w", err)
	}
	return map[string]any{"email": email, "available": true}, nil
}

func fieldValue(input map[string]any, path string) any {
	v, _ := model.Lookup(input, path)
	return v
}
