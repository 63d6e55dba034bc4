package runtime

import (
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// kindProperty tags the JS object forms of non-plain values.
const kindProperty = "__tangramKind"

// toJS converts a stored value into its JS representation. Object
// references surface as tagged descriptor objects carrying the ID, so
// user code passes them around without loading.
func toJS(vm *goja.Runtime, v value.Value) (goja.Value, error) {
	switch v := v.(type) {
	case nil, value.Null:
		return goja.Null(), nil
	case value.Bool:
		return vm.ToValue(bool(v)), nil
	case value.Number:
		return vm.ToValue(float64(v)), nil
	case value.String:
		return vm.ToValue(string(v)), nil
	case value.Bytes:
		return vm.ToValue(vm.NewArrayBuffer([]byte(v))), nil
	case value.Array:
		elements := make([]interface{}, len(v))
		for i, e := range v {
			converted, err := toJS(vm, e)
			if err != nil {
				return nil, err
			}
			elements[i] = converted
		}
		return vm.ToValue(elements), nil
	case value.Map:
		obj := vm.NewObject()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			converted, err := toJS(vm, v[k])
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, converted); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case value.Placeholder:
		obj := vm.NewObject()
		obj.Set(kindProperty, "placeholder")
		obj.Set("name", v.Name)
		return obj, nil
	case *value.Template:
		return templateToJS(vm, v)
	case value.ObjectRef:
		i, ok := v.Handle.CachedID()
		if !ok {
			return nil, fmt.Errorf("object reference has no id")
		}
		return objectRefToJS(vm, i), nil
	default:
		return nil, fmt.Errorf("value of kind %s has no JS form", v.Kind())
	}
}

func objectRefToJS(vm *goja.Runtime, i id.ID) goja.Value {
	obj := vm.NewObject()
	obj.Set(kindProperty, "object")
	obj.Set("id", i.String())
	return obj
}

func templateToJS(vm *goja.Runtime, t *value.Template) (goja.Value, error) {
	obj := vm.NewObject()
	obj.Set(kindProperty, "template")
	components := make([]interface{}, len(t.Components))
	for i, c := range t.Components {
		entry := vm.NewObject()
		switch c := c.(type) {
		case value.StringComponent:
			entry.Set("kind", "string")
			entry.Set("value", string(c))
		case value.ArtifactComponent:
			artifactID, ok := c.Artifact.CachedID()
			if !ok {
				return nil, fmt.Errorf("artifact component has no id")
			}
			entry.Set("kind", "artifact")
			entry.Set("value", artifactID.String())
		case value.PlaceholderComponent:
			entry.Set("kind", "placeholder")
			entry.Set("value", c.Name)
		}
		components[i] = entry
	}
	obj.Set("components", vm.ToValue(components))
	return obj, nil
}

// fromJS converts a JS value back into a stored value.
func fromJS(vm *goja.Runtime, v goja.Value) (value.Value, error) {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return value.Null{}, nil
	}
	switch exported := v.Export().(type) {
	case bool:
		return value.Bool(exported), nil
	case int64:
		return value.Number(exported), nil
	case float64:
		return value.Number(exported), nil
	case string:
		return value.String(exported), nil
	case goja.ArrayBuffer:
		return value.Bytes(append([]byte(nil), exported.Bytes()...)), nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("js value %s has no tangram form", v)
	}
	if kind := obj.Get(kindProperty); kind != nil && !goja.IsUndefined(kind) {
		return taggedFromJS(vm, obj, kind.String())
	}
	if obj.ClassName() == "Array" {
		length := int(obj.Get("length").ToInteger())
		out := make(value.Array, length)
		for i := 0; i < length; i++ {
			element, err := fromJS(vm, obj.Get(fmt.Sprintf("%d", i)))
			if err != nil {
				return nil, err
			}
			out[i] = element
		}
		return out, nil
	}
	out := value.Map{}
	for _, key := range obj.Keys() {
		converted, err := fromJS(vm, obj.Get(key))
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = converted
	}
	return out, nil
}

func taggedFromJS(vm *goja.Runtime, obj *goja.Object, kind string) (value.Value, error) {
	switch kind {
	case "object":
		i, err := id.Parse(obj.Get("id").String())
		if err != nil {
			return nil, err
		}
		return value.ObjectRef{Handle: value.HandleWithID(i)}, nil
	case "placeholder":
		return value.Placeholder{Name: obj.Get("name").String()}, nil
	case "template":
		return templateFromJS(obj)
	}
	return nil, fmt.Errorf("unknown tagged js value %q", kind)
}

func templateFromJS(obj *goja.Object) (*value.Template, error) {
	componentsValue := obj.Get("components")
	components, ok := componentsValue.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("template has no components")
	}
	length := int(components.Get("length").ToInteger())
	out := make([]value.Component, length)
	for i := 0; i < length; i++ {
		entry, ok := components.Get(fmt.Sprintf("%d", i)).(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("invalid template component %d", i)
		}
		kind := entry.Get("kind").String()
		val := entry.Get("value").String()
		switch kind {
		case "string":
			out[i] = value.StringComponent(val)
		case "artifact":
			artifactID, err := id.Parse(val)
			if err != nil {
				return nil, err
			}
			out[i] = value.ArtifactComponent{Artifact: value.HandleWithID(artifactID)}
		case "placeholder":
			out[i] = value.PlaceholderComponent{Name: val}
		default:
			return nil, fmt.Errorf("invalid template component kind %q", kind)
		}
	}
	return &value.Template{Components: out}, nil
}
