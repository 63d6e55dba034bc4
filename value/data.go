package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/tangram-dev/tangram/id"
)

// The canonical Data form is a versioned, tag-length-value binary
// encoding. It is byte-stable across hosts: map keys and dependency keys
// are sorted, lengths are uvarints, numbers are big-endian IEEE754.
// Content addressing hashes exactly these bytes, so the format never
// changes shape without bumping the version byte.

const dataVersion = 0

// Serialize encodes a value into its canonical Data bytes. Every object
// the value references must already carry an ID (Handle.ID caches one
// when storing), otherwise Serialize fails.
func Serialize(v Value) ([]byte, error) {
	e := &encoder{}
	e.buf.WriteByte(dataVersion)
	if err := e.value(v, true); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Deserialize decodes canonical Data bytes. Child handles of the result
// carry IDs only.
func Deserialize(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if data[0] != dataVersion {
		return nil, fmt.Errorf("unsupported data version %d", data[0])
	}
	d := &decoder{data: data, pos: 1}
	v, err := d.value(true)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("trailing bytes after value")
	}
	return v, nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) uvarint(n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	e.buf.Write(tmp[:binary.PutUvarint(tmp[:], n)])
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf.Write(b)
}

func (e *encoder) string(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) bool(b bool) {
	if b {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) number(f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	e.buf.Write(tmp[:])
}

func (e *encoder) id(h *Handle) error {
	i, ok := h.CachedID()
	if !ok {
		return fmt.Errorf("serialize: referenced object has no id; store it first")
	}
	e.buf.Write(i[:])
	return nil
}

// value encodes v. At the top level object kinds encode their full
// payload; inline (inside a composite) they encode a 32-byte ID.
func (e *encoder) value(v Value, top bool) error {
	if v == nil {
		return fmt.Errorf("serialize: nil value")
	}
	if ref, ok := v.(ObjectRef); ok && !top {
		k, known := ref.Handle.KindHint()
		if !known {
			return fmt.Errorf("serialize: object reference with empty handle")
		}
		e.buf.WriteByte(byte(k))
		return e.id(ref.Handle)
	}
	e.buf.WriteByte(byte(v.Kind()))
	switch v := v.(type) {
	case Null:
		return nil
	case Bool:
		e.bool(bool(v))
	case Number:
		e.number(float64(v))
	case String:
		e.string(string(v))
	case Bytes:
		e.bytes(v)
	case *Leaf:
		e.bytes(v.Bytes)
	case *Branch:
		e.uvarint(uint64(len(v.Children)))
		for _, c := range v.Children {
			if err := e.id(c.Blob); err != nil {
				return err
			}
			e.uvarint(c.Size)
		}
	case *Directory:
		names := v.names()
		e.uvarint(uint64(len(names)))
		for _, name := range names {
			e.string(name)
			if err := e.id(v.Entries[name]); err != nil {
				return err
			}
		}
	case *File:
		if err := e.id(v.Contents); err != nil {
			return err
		}
		e.bool(v.Executable)
		e.uvarint(uint64(len(v.References)))
		for _, r := range v.References {
			if err := e.id(r); err != nil {
				return err
			}
		}
	case *Symlink:
		return e.template(v.Target)
	case *Template:
		return e.template(v)
	case Placeholder:
		e.string(v.Name)
	case *Package:
		if err := e.id(v.Artifact); err != nil {
			return err
		}
		deps := v.sortedDependencies()
		e.uvarint(uint64(len(deps)))
		for _, dep := range deps {
			e.string(dep.String())
			if err := e.id(v.Dependencies[dep]); err != nil {
				return err
			}
		}
	case *Target:
		e.string(string(v.Host))
		if err := e.optionalTemplate(v.Executable); err != nil {
			return err
		}
		if err := e.optionalID(v.Package); err != nil {
			return err
		}
		e.string(v.Name)
		if err := e.valueMap(v.Env); err != nil {
			return err
		}
		if err := e.valueArray(v.Args); err != nil {
			return err
		}
		e.checksum(v.Checksum)
		e.bool(v.Unsafe)
	case *Process:
		e.string(string(v.Host))
		if err := e.template(v.Executable); err != nil {
			return err
		}
		keys := v.sortedEnvKeys()
		e.uvarint(uint64(len(keys)))
		for _, k := range keys {
			e.string(k)
			if err := e.template(v.Env[k]); err != nil {
				return err
			}
		}
		e.uvarint(uint64(len(v.Args)))
		for _, a := range v.Args {
			if err := e.template(a); err != nil {
				return err
			}
		}
		e.checksum(v.Checksum)
		e.bool(v.Unsafe)
		e.bool(v.Network)
		e.uvarint(uint64(len(v.HostPaths)))
		for _, p := range v.HostPaths {
			e.string(p)
		}
	case *Run:
		if err := e.id(v.Task); err != nil {
			return err
		}
		e.uvarint(uint64(len(v.Children)))
		for _, c := range v.Children {
			if err := e.id(c); err != nil {
				return err
			}
		}
		if err := e.optionalID(v.Log); err != nil {
			return err
		}
		if v.Output.Error != nil {
			e.buf.WriteByte(0)
			e.errorValue(v.Output.Error)
		} else {
			e.buf.WriteByte(1)
			if err := e.value(v.Output.Value, false); err != nil {
				return err
			}
		}
	case Array:
		return e.valueArray(v)
	case Map:
		return e.valueMap(v)
	case ObjectRef:
		return fmt.Errorf("serialize: object reference at top level")
	default:
		return fmt.Errorf("serialize: unknown value type %T", v)
	}
	return nil
}

func (e *encoder) valueArray(a Array) error {
	e.uvarint(uint64(len(a)))
	for _, v := range a {
		if err := e.value(v, false); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) valueMap(m Map) error {
	keys := sortedKeys(m)
	e.uvarint(uint64(len(keys)))
	for _, k := range keys {
		e.string(k)
		if err := e.value(m[k], false); err != nil {
			return err
		}
	}
	return nil
}

// Templates encode inline wherever they appear: symlink targets, process
// env and args, target executables.
func (e *encoder) template(t *Template) error {
	if t == nil {
		return fmt.Errorf("serialize: nil template")
	}
	e.uvarint(uint64(len(t.Components)))
	for _, c := range t.Components {
		switch c := c.(type) {
		case StringComponent:
			e.buf.WriteByte(0)
			e.string(string(c))
		case ArtifactComponent:
			e.buf.WriteByte(1)
			if err := e.id(c.Artifact); err != nil {
				return err
			}
		case PlaceholderComponent:
			e.buf.WriteByte(2)
			e.string(c.Name)
		default:
			return fmt.Errorf("serialize: unknown template component %T", c)
		}
	}
	return nil
}

func (e *encoder) optionalTemplate(t *Template) error {
	if t == nil {
		e.buf.WriteByte(0)
		return nil
	}
	e.buf.WriteByte(1)
	return e.template(t)
}

func (e *encoder) optionalID(h *Handle) error {
	if h == nil {
		e.buf.WriteByte(0)
		return nil
	}
	e.buf.WriteByte(1)
	return e.id(h)
}

func (e *encoder) checksum(c *Checksum) {
	if c == nil {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)
	e.string(string(c.Algorithm))
	e.bytes(c.Digest)
}

func (e *encoder) errorValue(err *Error) {
	e.string(err.Message)
	e.location(err.Location)
	e.uvarint(uint64(len(err.StackTrace)))
	for _, f := range err.StackTrace {
		e.string(f.Description)
		e.location(f.Location)
	}
	if err.Source == nil {
		e.buf.WriteByte(0)
	} else {
		e.buf.WriteByte(1)
		e.errorValue(err.Source)
	}
}

func (e *encoder) location(l *Location) {
	if l == nil {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)
	e.string(l.Source)
	e.uvarint(uint64(l.Line))
	e.uvarint(uint64(l.Column))
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("truncated data")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	n, size := binary.Uvarint(d.data[d.pos:])
	if size <= 0 {
		return 0, fmt.Errorf("invalid uvarint")
	}
	d.pos += size
	return n, nil
}

func (d *decoder) rawBytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.data)-d.pos) {
		return nil, fmt.Errorf("truncated data")
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return bytes.Clone(b), nil
}

func (d *decoder) string() (string, error) {
	b, err := d.rawBytes()
	return string(b), err
}

func (d *decoder) bool() (bool, error) {
	b, err := d.byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid bool byte %d", b)
}

func (d *decoder) number() (float64, error) {
	if len(d.data)-d.pos < 8 {
		return 0, fmt.Errorf("truncated data")
	}
	f := math.Float64frombits(binary.BigEndian.Uint64(d.data[d.pos:]))
	d.pos += 8
	return f, nil
}

func (d *decoder) id() (*Handle, error) {
	if len(d.data)-d.pos < id.Size {
		return nil, fmt.Errorf("truncated id")
	}
	i, err := id.FromBytes(d.data[d.pos : d.pos+id.Size])
	if err != nil {
		return nil, err
	}
	d.pos += id.Size
	return HandleWithID(i), nil
}

func (d *decoder) value(top bool) (Value, error) {
	kb, err := d.byte()
	if err != nil {
		return nil, err
	}
	kind := id.Kind(kb)
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid kind byte %d", kb)
	}
	if !top {
		switch kind {
		case id.Leaf, id.Branch, id.Directory, id.File, id.Symlink,
			id.Package, id.Target, id.Process, id.Run:
			h, err := d.id()
			if err != nil {
				return nil, err
			}
			return ObjectRef{Handle: h}, nil
		}
	}
	switch kind {
	case id.Null:
		return Null{}, nil
	case id.Bool:
		b, err := d.bool()
		return Bool(b), err
	case id.Number:
		f, err := d.number()
		return Number(f), err
	case id.String:
		s, err := d.string()
		return String(s), err
	case id.Bytes:
		b, err := d.rawBytes()
		return Bytes(b), err
	case id.Leaf:
		b, err := d.rawBytes()
		return &Leaf{Bytes: b}, err
	case id.Branch:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		children := make([]BranchChild, n)
		for i := range children {
			h, err := d.id()
			if err != nil {
				return nil, err
			}
			size, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			children[i] = BranchChild{Blob: h, Size: size}
		}
		return &Branch{Children: children}, nil
	case id.Directory:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		entries := make(map[string]*Handle, n)
		for i := uint64(0); i < n; i++ {
			name, err := d.string()
			if err != nil {
				return nil, err
			}
			h, err := d.id()
			if err != nil {
				return nil, err
			}
			entries[name] = h
		}
		return NewDirectory(entries), nil
	case id.File:
		contents, err := d.id()
		if err != nil {
			return nil, err
		}
		executable, err := d.bool()
		if err != nil {
			return nil, err
		}
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		refs := make([]*Handle, n)
		for i := range refs {
			if refs[i], err = d.id(); err != nil {
				return nil, err
			}
		}
		return &File{Contents: contents, Executable: executable, References: refs}, nil
	case id.Symlink:
		t, err := d.template()
		if err != nil {
			return nil, err
		}
		return &Symlink{Target: t}, nil
	case id.Template:
		return d.template()
	case id.Placeholder:
		name, err := d.string()
		return Placeholder{Name: name}, err
	case id.Package:
		artifact, err := d.id()
		if err != nil {
			return nil, err
		}
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		deps := make(map[Dependency]*Handle, n)
		for i := uint64(0); i < n; i++ {
			key, err := d.string()
			if err != nil {
				return nil, err
			}
			dep, err := ParseDependency(key)
			if err != nil {
				return nil, err
			}
			if deps[dep], err = d.id(); err != nil {
				return nil, err
			}
		}
		return NewPackage(artifact, deps), nil
	case id.Target:
		return d.target()
	case id.Process:
		return d.process()
	case id.Run:
		return d.run()
	case id.Array:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		a := make(Array, n)
		for i := range a {
			if a[i], err = d.value(false); err != nil {
				return nil, err
			}
		}
		return a, nil
	case id.Map:
		return d.valueMap()
	}
	return nil, fmt.Errorf("invalid kind byte %d", kb)
}

func (d *decoder) valueMap() (Map, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	m := make(Map, n)
	for i := uint64(0); i < n; i++ {
		k, err := d.string()
		if err != nil {
			return nil, err
		}
		if m[k], err = d.value(false); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (d *decoder) template() (*Template, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	components := make([]Component, n)
	for i := range components {
		tag, err := d.byte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			s, err := d.string()
			if err != nil {
				return nil, err
			}
			components[i] = StringComponent(s)
		case 1:
			h, err := d.id()
			if err != nil {
				return nil, err
			}
			components[i] = ArtifactComponent{Artifact: h}
		case 2:
			name, err := d.string()
			if err != nil {
				return nil, err
			}
			components[i] = PlaceholderComponent{Name: name}
		default:
			return nil, fmt.Errorf("invalid template component tag %d", tag)
		}
	}
	return &Template{Components: components}, nil
}

func (d *decoder) optionalTemplate() (*Template, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	return d.template()
}

func (d *decoder) optionalID() (*Handle, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	return d.id()
}

func (d *decoder) checksumValue() (*Checksum, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	algo, err := d.string()
	if err != nil {
		return nil, err
	}
	digest, err := d.rawBytes()
	if err != nil {
		return nil, err
	}
	return &Checksum{Algorithm: ChecksumAlgorithm(algo), Digest: digest}, nil
}

func (d *decoder) target() (*Target, error) {
	host, err := d.string()
	if err != nil {
		return nil, err
	}
	executable, err := d.optionalTemplate()
	if err != nil {
		return nil, err
	}
	pkg, err := d.optionalID()
	if err != nil {
		return nil, err
	}
	name, err := d.string()
	if err != nil {
		return nil, err
	}
	env, err := d.valueMap()
	if err != nil {
		return nil, err
	}
	nargs, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	args := make(Array, nargs)
	for i := range args {
		if args[i], err = d.value(false); err != nil {
			return nil, err
		}
	}
	checksum, err := d.checksumValue()
	if err != nil {
		return nil, err
	}
	unsafeFlag, err := d.bool()
	if err != nil {
		return nil, err
	}
	return &Target{
		Host:       System(host),
		Executable: executable,
		Package:    pkg,
		Name:       name,
		Env:        env,
		Args:       args,
		Checksum:   checksum,
		Unsafe:     unsafeFlag,
	}, nil
}

func (d *decoder) process() (*Process, error) {
	host, err := d.string()
	if err != nil {
		return nil, err
	}
	executable, err := d.template()
	if err != nil {
		return nil, err
	}
	nenv, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	env := make(map[string]*Template, nenv)
	for i := uint64(0); i < nenv; i++ {
		k, err := d.string()
		if err != nil {
			return nil, err
		}
		if env[k], err = d.template(); err != nil {
			return nil, err
		}
	}
	nargs, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	args := make([]*Template, nargs)
	for i := range args {
		if args[i], err = d.template(); err != nil {
			return nil, err
		}
	}
	checksum, err := d.checksumValue()
	if err != nil {
		return nil, err
	}
	unsafeFlag, err := d.bool()
	if err != nil {
		return nil, err
	}
	network, err := d.bool()
	if err != nil {
		return nil, err
	}
	npaths, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	paths := make([]string, npaths)
	for i := range paths {
		if paths[i], err = d.string(); err != nil {
			return nil, err
		}
	}
	return &Process{
		Host:       System(host),
		Executable: executable,
		Env:        env,
		Args:       args,
		Checksum:   checksum,
		Unsafe:     unsafeFlag,
		Network:    network,
		HostPaths:  paths,
	}, nil
}

func (d *decoder) run() (*Run, error) {
	task, err := d.id()
	if err != nil {
		return nil, err
	}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	children := make([]*Handle, n)
	for i := range children {
		if children[i], err = d.id(); err != nil {
			return nil, err
		}
	}
	log, err := d.optionalID()
	if err != nil {
		return nil, err
	}
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	var output Result
	switch tag {
	case 0:
		e, err := d.errorValue()
		if err != nil {
			return nil, err
		}
		output.Error = e
	case 1:
		v, err := d.value(false)
		if err != nil {
			return nil, err
		}
		output.Value = v
	default:
		return nil, fmt.Errorf("invalid result tag %d", tag)
	}
	return &Run{Task: task, Children: children, Log: log, Output: output}, nil
}

func (d *decoder) errorValue() (*Error, error) {
	message, err := d.string()
	if err != nil {
		return nil, err
	}
	location, err := d.locationValue()
	if err != nil {
		return nil, err
	}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	var frames []Frame
	for i := uint64(0); i < n; i++ {
		description, err := d.string()
		if err != nil {
			return nil, err
		}
		loc, err := d.locationValue()
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Description: description, Location: loc})
	}
	present, err := d.bool()
	if err != nil {
		return nil, err
	}
	var source *Error
	if present {
		if source, err = d.errorValue(); err != nil {
			return nil, err
		}
	}
	return &Error{Message: message, Location: location, StackTrace: frames, Source: source}, nil
}

func (d *decoder) locationValue() (*Location, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	source, err := d.string()
	if err != nil {
		return nil, err
	}
	line, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	column, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	return &Location{Source: source, Line: uint32(line), Column: uint32(column)}, nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}
