package runtime

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// objectToJS renders a loaded object for the get_object syscall. Child
// objects appear as hex IDs.
func objectToJS(vm *goja.Runtime, v value.Value) (goja.Value, error) {
	handleHex := func(h *value.Handle) (string, error) {
		i, ok := h.CachedID()
		if !ok {
			return "", fmt.Errorf("child handle has no id")
		}
		return i.String(), nil
	}
	switch v := v.(type) {
	case *value.Leaf:
		obj := vm.NewObject()
		obj.Set("kind", "leaf")
		obj.Set("bytes", vm.NewArrayBuffer(v.Bytes))
		return obj, nil
	case *value.Branch:
		obj := vm.NewObject()
		obj.Set("kind", "branch")
		children := make([]interface{}, len(v.Children))
		for i, c := range v.Children {
			hex, err := handleHex(c.Blob)
			if err != nil {
				return nil, err
			}
			entry := vm.NewObject()
			entry.Set("blob", hex)
			entry.Set("size", int64(c.Size))
			children[i] = entry
		}
		obj.Set("children", vm.ToValue(children))
		return obj, nil
	case *value.Directory:
		obj := vm.NewObject()
		obj.Set("kind", "directory")
		entries := vm.NewObject()
		for name, entry := range v.Entries {
			hex, err := handleHex(entry)
			if err != nil {
				return nil, err
			}
			entries.Set(name, hex)
		}
		obj.Set("entries", entries)
		return obj, nil
	case *value.File:
		obj := vm.NewObject()
		obj.Set("kind", "file")
		hex, err := handleHex(v.Contents)
		if err != nil {
			return nil, err
		}
		obj.Set("contents", hex)
		obj.Set("executable", v.Executable)
		references := make([]interface{}, len(v.References))
		for i, r := range v.References {
			if references[i], err = handleHex(r); err != nil {
				return nil, err
			}
		}
		obj.Set("references", vm.ToValue(references))
		return obj, nil
	case *value.Symlink:
		obj := vm.NewObject()
		obj.Set("kind", "symlink")
		target, err := templateToJS(vm, v.Target)
		if err != nil {
			return nil, err
		}
		obj.Set("target", target)
		return obj, nil
	case *value.Template:
		return templateToJS(vm, v)
	case *value.Package:
		obj := vm.NewObject()
		obj.Set("kind", "package")
		hex, err := handleHex(v.Artifact)
		if err != nil {
			return nil, err
		}
		obj.Set("artifact", hex)
		dependencies := vm.NewObject()
		for _, dep := range v.SortedDependencies() {
			depHex, err := handleHex(v.Dependencies[dep])
			if err != nil {
				return nil, err
			}
			dependencies.Set(dep.String(), depHex)
		}
		obj.Set("dependencies", dependencies)
		return obj, nil
	case *value.Target:
		obj := vm.NewObject()
		obj.Set("kind", "target")
		obj.Set("host", string(v.Host))
		if v.Executable != nil {
			executable, err := templateToJS(vm, v.Executable)
			if err != nil {
				return nil, err
			}
			obj.Set("executable", executable)
		}
		if v.Package != nil {
			hex, err := handleHex(v.Package)
			if err != nil {
				return nil, err
			}
			obj.Set("package", hex)
		}
		obj.Set("name", v.Name)
		env, err := toJS(vm, v.Env)
		if err != nil {
			return nil, err
		}
		obj.Set("env", env)
		args, err := toJS(vm, v.Args)
		if err != nil {
			return nil, err
		}
		obj.Set("args", args)
		if v.Checksum != nil {
			obj.Set("checksum", v.Checksum.String())
		}
		obj.Set("unsafe", v.Unsafe)
		return obj, nil
	case *value.Run:
		obj := vm.NewObject()
		obj.Set("kind", "run")
		hex, err := handleHex(v.Task)
		if err != nil {
			return nil, err
		}
		obj.Set("task", hex)
		children := make([]interface{}, len(v.Children))
		for i, c := range v.Children {
			if children[i], err = handleHex(c); err != nil {
				return nil, err
			}
		}
		obj.Set("children", vm.ToValue(children))
		if v.Log != nil {
			logHex, err := handleHex(v.Log)
			if err != nil {
				return nil, err
			}
			obj.Set("log", logHex)
		}
		if v.Output.Ok() {
			output, err := toJS(vm, v.Output.Value)
			if err != nil {
				return nil, err
			}
			obj.Set("output", output)
		} else {
			obj.Set("error", v.Output.Error.Message)
		}
		return obj, nil
	default:
		return toJS(vm, v)
	}
}

// objectFromJS parses the put_object syscall's argument into a value.
// Child IDs must name already-stored objects.
func objectFromJS(vm *goja.Runtime, v goja.Value) (value.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return fromJS(vm, v)
	}
	kindValue := obj.Get("kind")
	if kindValue == nil || goja.IsUndefined(kindValue) {
		return fromJS(vm, v)
	}
	parseHandle := func(v goja.Value) (*value.Handle, error) {
		i, err := id.Parse(v.String())
		if err != nil {
			return nil, err
		}
		return value.HandleWithID(i), nil
	}
	switch kindValue.String() {
	case "leaf":
		buf, ok := obj.Get("bytes").Export().(goja.ArrayBuffer)
		if !ok {
			return nil, fmt.Errorf("leaf bytes must be an ArrayBuffer")
		}
		return &value.Leaf{Bytes: append([]byte(nil), buf.Bytes()...)}, nil
	case "directory":
		entriesObj, ok := obj.Get("entries").(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("directory entries must be an object")
		}
		entries := map[string]*value.Handle{}
		for _, name := range entriesObj.Keys() {
			h, err := parseHandle(entriesObj.Get(name))
			if err != nil {
				return nil, err
			}
			entries[name] = h
		}
		return value.NewDirectory(entries), nil
	case "file":
		contents, err := parseHandle(obj.Get("contents"))
		if err != nil {
			return nil, err
		}
		var references []*value.Handle
		if refs, ok := obj.Get("references").(*goja.Object); ok {
			length := int(refs.Get("length").ToInteger())
			for i := 0; i < length; i++ {
				r, err := parseHandle(refs.Get(fmt.Sprintf("%d", i)))
				if err != nil {
					return nil, err
				}
				references = append(references, r)
			}
		}
		executable := obj.Get("executable") != nil && obj.Get("executable").ToBoolean()
		return value.NewFile(contents, executable, references), nil
	case "symlink":
		targetObj, ok := obj.Get("target").(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("symlink target must be a template")
		}
		target, err := templateFromJS(targetObj)
		if err != nil {
			return nil, err
		}
		return value.NewSymlink(target), nil
	case "target":
		return targetFromJS(vm, obj)
	}
	return nil, fmt.Errorf("unknown object kind %q", kindValue.String())
}

// targetFromJS builds a target value from the put_object form, which is
// how JS code constructs child targets before building them.
func targetFromJS(vm *goja.Runtime, obj *goja.Object) (value.Value, error) {
	host, err := value.ParseSystem(obj.Get("host").String())
	if err != nil {
		return nil, err
	}
	target := &value.Target{Host: host, Env: value.Map{}}
	if executable := obj.Get("executable"); executable != nil && !goja.IsUndefined(executable) {
		executableObj, ok := executable.(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("target executable must be a template")
		}
		if target.Executable, err = templateFromJS(executableObj); err != nil {
			return nil, err
		}
	}
	if pkg := obj.Get("package"); pkg != nil && !goja.IsUndefined(pkg) {
		packageID, err := id.Parse(pkg.String())
		if err != nil {
			return nil, err
		}
		target.Package = value.HandleWithID(packageID)
	}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		target.Name = name.String()
	}
	if env := obj.Get("env"); env != nil && !goja.IsUndefined(env) {
		converted, err := fromJS(vm, env)
		if err != nil {
			return nil, err
		}
		m, ok := converted.(value.Map)
		if !ok {
			return nil, fmt.Errorf("target env must be a map")
		}
		target.Env = m
	}
	if args := obj.Get("args"); args != nil && !goja.IsUndefined(args) {
		converted, err := fromJS(vm, args)
		if err != nil {
			return nil, err
		}
		a, ok := converted.(value.Array)
		if !ok {
			return nil, fmt.Errorf("target args must be an array")
		}
		target.Args = a
	}
	if checksum := obj.Get("checksum"); checksum != nil && !goja.IsUndefined(checksum) {
		parsed, err := value.ParseChecksum(checksum.String())
		if err != nil {
			return nil, err
		}
		target.Checksum = &parsed
	}
	if unsafeFlag := obj.Get("unsafe"); unsafeFlag != nil {
		target.Unsafe = unsafeFlag.ToBoolean()
	}
	return target, nil
}
