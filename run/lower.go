package run

import (
	"fmt"

	"github.com/tangram-dev/tangram/value"
)

// LowerTarget turns a non-JS target into the concrete process it
// describes: env values and args render down to templates.
func LowerTarget(t *value.Target) (*value.Process, error) {
	if t.Host == value.SystemJS {
		return nil, fmt.Errorf("js targets do not lower to processes")
	}
	if t.Executable == nil {
		return nil, fmt.Errorf("target has no executable")
	}
	env := make(map[string]*value.Template, len(t.Env))
	for name, v := range t.Env {
		tmpl, err := valueToTemplate(v)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", name, err)
		}
		env[name] = tmpl
	}
	args := make([]*value.Template, len(t.Args))
	for i, v := range t.Args {
		tmpl, err := valueToTemplate(v)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args[i] = tmpl
	}
	process := &value.Process{
		Host:       t.Host,
		Executable: t.Executable,
		Env:        env,
		Args:       args,
		Checksum:   t.Checksum,
		Unsafe:     t.Unsafe,
	}
	return process, nil
}

// valueToTemplate renders a target-level value down to a template:
// strings become string components, templates pass through, artifact
// references become artifact components, and numbers and bools render
// to their string forms.
func valueToTemplate(v value.Value) (*value.Template, error) {
	switch v := v.(type) {
	case value.String:
		return value.TemplateFromString(string(v)), nil
	case value.Bool:
		if v {
			return value.TemplateFromString("true"), nil
		}
		return value.TemplateFromString("false"), nil
	case value.Number:
		return value.TemplateFromString(fmt.Sprintf("%v", float64(v))), nil
	case *value.Template:
		return v, nil
	case value.Placeholder:
		return value.NewTemplate(value.PlaceholderComponent{Name: v.Name}), nil
	case value.ObjectRef:
		k, ok := v.Handle.KindHint()
		if !ok || !value.IsArtifact(k) {
			return nil, fmt.Errorf("value of kind %s cannot appear in a process template", k)
		}
		return value.NewTemplate(value.ArtifactComponent{Artifact: v.Handle}), nil
	default:
		return nil, fmt.Errorf("value of kind %s cannot appear in a process template", v.Kind())
	}
}
