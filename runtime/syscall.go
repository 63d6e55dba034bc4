package runtime

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/dop251/goja"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// syscall is the single global bridge from JS into the host. The first
// argument names the operation; handlers are synchronous or return a
// promise backed by a host goroutine.
func (ev *evaluator) syscall(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	switch name {
	case "print":
		message := call.Argument(1).String()
		fmt.Fprintln(ev.progress, message)
		return goja.Undefined()

	case "version":
		return ev.vm.ToValue(ev.rt.version)

	case "opened_files":
		return ev.vm.ToValue([]interface{}{})

	case "serialize":
		v, err := fromJS(ev.vm, call.Argument(1))
		if err != nil {
			panic(ev.errorToJS(err))
		}
		text, err := serializeTOML(v)
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return ev.vm.ToValue(text)

	case "deserialize":
		v, err := deserializeTOML(call.Argument(1).String())
		if err != nil {
			panic(ev.errorToJS(err))
		}
		out, err := toJS(ev.vm, v)
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return out

	case "resolve":
		specifier := call.Argument(1).String()
		resolved, err := ev.rt.loader.Resolve(ev.ctx, specifier, ev.currentModule())
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return ev.vm.ToValue(resolved.URL())

	case "load":
		url := call.Argument(1).String()
		return ev.async(func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error) {
			m, err := ParseModuleURL(url)
			if err != nil {
				return nil, err
			}
			cached, err := ev.rt.loader.Load(ctx, m)
			if err != nil {
				return nil, err
			}
			return func(vm *goja.Runtime) goja.Value { return vm.ToValue(cached.text) }, nil
		})

	case "include":
		return ev.include(call.Argument(1).String())

	case "get_object":
		hex := call.Argument(1).String()
		return ev.async(func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error) {
			i, err := id.Parse(hex)
			if err != nil {
				return nil, err
			}
			v, err := value.HandleWithID(i).Load(ctx, ev.rt.store)
			if err != nil {
				return nil, err
			}
			return func(vm *goja.Runtime) goja.Value {
				out, err := objectToJS(vm, v)
				if err != nil {
					panic(ev.errorToJS(err))
				}
				return out
			}, nil
		})

	case "put_object":
		v, err := objectFromJS(ev.vm, call.Argument(1))
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return ev.async(func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error) {
			h := value.NewHandle(v)
			i, err := h.ID(ctx, ev.rt.store)
			if err != nil {
				return nil, err
			}
			return func(vm *goja.Runtime) goja.Value { return vm.ToValue(i.String()) }, nil
		})

	case "build":
		v, err := fromJS(ev.vm, call.Argument(1))
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return ev.build(v)
	}
	panic(ev.vm.ToValue(fmt.Sprintf("unknown syscall %q", name)))
}

// build re-enters the scheduler: the argument is a target (by reference
// or by value), the child run is recorded on this run's progress, and
// the promise settles with the child's output.
func (ev *evaluator) build(v value.Value) goja.Value {
	return ev.async(func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error) {
		if ev.rt.builder == nil {
			return nil, value.NewError("no builder is configured")
		}
		var task id.ID
		switch v := v.(type) {
		case value.ObjectRef:
			var err error
			if task, err = v.Handle.ID(ctx, ev.rt.store); err != nil {
				return nil, err
			}
		default:
			return nil, value.NewError("build requires a target reference")
		}
		if task.Kind() != id.Target && task.Kind() != id.Process {
			return nil, value.NewError(fmt.Sprintf("object %s is not a task", task))
		}
		run, err := ev.rt.builder.GetOrCreateBuild(ctx, task)
		if err != nil {
			return nil, err
		}
		ev.progress.Child(run)
		result, ok, err := ev.rt.builder.TryGetBuildOutput(ctx, run)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &value.NotFoundError{ID: run}
		}
		if !result.Ok() {
			return nil, result.Error
		}
		output := result.Value
		return func(vm *goja.Runtime) goja.Value {
			out, err := toJS(vm, output)
			if err != nil {
				panic(ev.errorToJS(err))
			}
			return out
		}, nil
	})
}

// include resolves a tg.include path against the current module and
// returns the included artifact.
func (ev *evaluator) include(relPath string) goja.Value {
	m := ev.currentModule()
	includeSubpath := path.Join(path.Dir(m.Subpath), relPath)
	return ev.async(func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error) {
		switch m.Kind {
		case ModulePackageID:
			pkg, err := ev.rt.loader.loadPackage(ctx, m.PackageID)
			if err != nil {
				return nil, err
			}
			v, err := ev.rt.loader.artifactAt(ctx, pkg.Artifact, includeSubpath)
			if err != nil {
				return nil, err
			}
			h := value.NewHandle(v)
			i, err := h.ID(ctx, ev.rt.store)
			if err != nil {
				return nil, err
			}
			return func(vm *goja.Runtime) goja.Value { return objectRefToJS(vm, i) }, nil
		case ModulePackagePath:
			h, err := ev.rt.engine.Checkin(ctx, filepath.Join(m.PackagePath, filepath.FromSlash(includeSubpath)))
			if err != nil {
				return nil, err
			}
			i, err := h.ID(ctx, ev.rt.store)
			if err != nil {
				return nil, err
			}
			return func(vm *goja.Runtime) goja.Value { return objectRefToJS(vm, i) }, nil
		}
		return nil, value.NewError("include is not available in this module")
	})
}

// serializeTOML renders a value as TOML. The top level must be a map.
func serializeTOML(v value.Value) (string, error) {
	plain, err := toPlain(v)
	if err != nil {
		return "", err
	}
	m, ok := plain.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("serialize requires a map at the top level")
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func deserializeTOML(text string) (value.Value, error) {
	var m map[string]interface{}
	if err := toml.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("invalid toml: %w", err)
	}
	return fromPlain(m)
}

func toPlain(v value.Value) (interface{}, error) {
	switch v := v.(type) {
	case value.Null:
		return nil, nil
	case value.Bool:
		return bool(v), nil
	case value.Number:
		return float64(v), nil
	case value.String:
		return string(v), nil
	case value.Array:
		out := make([]interface{}, len(v))
		for i, e := range v {
			plain, err := toPlain(e)
			if err != nil {
				return nil, err
			}
			out[i] = plain
		}
		return out, nil
	case value.Map:
		out := map[string]interface{}{}
		for k, e := range v {
			plain, err := toPlain(e)
			if err != nil {
				return nil, err
			}
			out[k] = plain
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of kind %s does not serialize to toml", v.Kind())
}

func fromPlain(v interface{}) (value.Value, error) {
	switch v := v.(type) {
	case nil:
		return value.Null{}, nil
	case bool:
		return value.Bool(v), nil
	case int64:
		return value.Number(v), nil
	case float64:
		return value.Number(v), nil
	case string:
		return value.String(v), nil
	case []interface{}:
		out := make(value.Array, len(v))
		for i, e := range v {
			converted, err := fromPlain(e)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case map[string]interface{}:
		out := value.Map{}
		for k, e := range v {
			converted, err := fromPlain(e)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	}
	return nil, fmt.Errorf("toml value %T has no tangram form", v)
}
