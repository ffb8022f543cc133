// Package template renders "{{ path }}" placeholders in definition strings.
package template

import (
	"regexp"
	"strings"

	"github.com/project-flogo/core/data/coerce"

	"github.com/pitabwire/flowengine/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

// Render substitutes every placeholder in tmpl with the value at its dotted
// path in data. Text outside placeholders is left untouched. If any
// placeholder cannot be resolved, or the braces are unbalanced, the raw
// template is returned unchanged.
func Render(tmpl string, data map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	if strings.Count(tmpl, "{{") != strings.Count(tmpl, "}}") {
		return tmpl
	}

	failed := false
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := model.Lookup(data, path)
		if !ok || v == nil {
			failed = true
			return m
		}
		s, err := coerce.ToString(v)
		if err != nil {
			failed = true
			return m
		}
		return s
	})
	if failed || hasUnmatched(tmpl) {
		return tmpl
	}
	return out
}

// RenderAll renders each element of in, returning a new slice.
func RenderAll(in []string, data map[string]any) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Render(s, data)
	}
	return out
}

// hasUnmatched reports whether tmpl contains a "{{" that the placeholder
// pattern did not recognise, such as "{{ 1bad }}".
func hasUnmatched(tmpl string) bool {
	return len(placeholder.FindAllStringIndex(tmpl, -1)) != strings.Count(tmpl, "{{")
}
