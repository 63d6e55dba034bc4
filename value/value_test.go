package value

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/tangram-dev/tangram/id"
)

// memoryStore is a map-backed Store that enforces the closure invariant
// the same way the real store does.
type memoryStore struct {
	mu      sync.Mutex
	objects map[id.ID][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[id.ID][]byte{}}
}

func (s *memoryStore) GetObjectExists(_ context.Context, i id.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[i]
	return ok, nil
}

func (s *memoryStore) TryGetObject(_ context.Context, i id.ID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[i]
	return data, ok, nil
}

func (s *memoryStore) TryPutObject(_ context.Context, i id.ID, data []byte) ([]id.ID, error) {
	children, err := ChildrenOfBytes(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []id.ID
	for _, c := range children {
		if _, ok := s.objects[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return missing, nil
	}
	s.objects[i] = data
	return nil, nil
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()

	blob, err := NewBlob(ctx, s, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	file := NewHandle(NewFile(blob, true, nil))
	dir := NewHandle(NewDirectory(map[string]*Handle{"bin": file}))
	dirID, err := dir.ID(ctx, s)
	if err != nil {
		t.Fatalf("store directory: %v", err)
	}

	loaded, err := HandleWithID(dirID).Load(ctx, s)
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	d, ok := loaded.(*Directory)
	if !ok {
		t.Fatalf("loaded value is %T, want *Directory", loaded)
	}
	entry, ok := d.Entries["bin"]
	if !ok {
		t.Fatal("entry bin missing after round trip")
	}
	fv, err := entry.Load(ctx, s)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	f := fv.(*File)
	if !f.Executable {
		t.Fatal("executable flag lost")
	}
	contents, err := ReadBlob(ctx, s, f.Contents)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(contents) != "hello" {
		t.Fatalf("blob contents = %q, want hello", contents)
	}
}

func TestIDStableAcrossStores(t *testing.T) {
	ctx := context.Background()
	build := func() (id.ID, error) {
		s := newMemoryStore()
		blob, err := NewBlob(ctx, s, strings.NewReader("same content"))
		if err != nil {
			return id.ID{}, err
		}
		dir := NewHandle(NewDirectory(map[string]*Handle{
			"a.txt": NewHandle(NewFile(blob, false, nil)),
		}))
		return dir.ID(ctx, s)
	}
	a, err := build()
	if err != nil {
		t.Fatal(err)
	}
	b, err := build()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("ids differ across stores: %s vs %s", a, b)
	}
}

func TestPutRefusesMissingChildren(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	other := newMemoryStore()

	blob, err := NewBlob(ctx, other, strings.NewReader("content"))
	if err != nil {
		t.Fatal(err)
	}
	blobID, _ := blob.CachedID()
	file := &File{Contents: HandleWithID(blobID)}
	data, err := Serialize(file)
	if err != nil {
		t.Fatal(err)
	}
	missing, err := s.TryPutObject(ctx, id.New(id.File, data), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != blobID {
		t.Fatalf("missing = %v, want [%s]", missing, blobID)
	}
}

func TestEmptyDirectoryID(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	h := NewHandle(NewDirectory(nil))
	i, err := h.ID(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Serialize(NewDirectory(nil))
	if err != nil {
		t.Fatal(err)
	}
	if want := id.New(id.Directory, data); i != want {
		t.Fatalf("empty directory id = %s, want %s", i, want)
	}
}

func TestCompositeValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	blob, err := NewBlob(ctx, s, bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	file := NewHandle(NewFile(blob, false, nil))
	if _, err := file.ID(ctx, s); err != nil {
		t.Fatal(err)
	}
	v := Map{
		"null":   Null{},
		"bool":   Bool(true),
		"number": Number(6.5),
		"string": String("s"),
		"bytes":  Bytes([]byte{1, 2, 3}),
		"array":  Array{String("a"), Number(1)},
		"file":   ObjectRef{Handle: file},
	}
	data, err := Serialize(v)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	m := back.(Map)
	if m["string"] != String("s") || m["bool"] != Bool(true) || m["number"] != Number(6.5) {
		t.Fatalf("primitives lost: %#v", m)
	}
	ref, ok := m["file"].(ObjectRef)
	if !ok {
		t.Fatalf("file entry is %T, want ObjectRef", m["file"])
	}
	refID, _ := ref.Handle.CachedID()
	fileID, _ := file.CachedID()
	if refID != fileID {
		t.Fatalf("object ref id = %s, want %s", refID, fileID)
	}
	// Serialization is canonical: re-encoding the decoded value is
	// byte-identical.
	again, err := Serialize(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("re-serialization is not canonical")
	}
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	target := NewTarget(SystemJS).Name("hello").Build()
	taskID, err := target.ID(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	log, err := NewBlob(ctx, s, strings.NewReader("log line\n"))
	if err != nil {
		t.Fatal(err)
	}
	runID := id.NewRandom(id.Run)
	run := &Run{
		Task:   HandleWithID(taskID),
		Log:    log,
		Output: Result{Value: String("hi")},
	}
	h := NewRun(runID, run)
	stored, err := h.Store(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if stored != runID {
		t.Fatalf("run stored under %s, want %s", stored, runID)
	}
	loaded, err := HandleWithID(runID).Load(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	r := loaded.(*Run)
	if r.Output.Value != String("hi") {
		t.Fatalf("output = %#v, want String(hi)", r.Output.Value)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	e := &Error{
		Message:  "outer",
		Location: &Location{Source: "tangram://package/abc?tangram.ts", Line: 3, Column: 7},
		StackTrace: []Frame{
			{Description: "f", Location: &Location{Source: "m", Line: 1, Column: 2}},
		},
		Source: &Error{Message: "inner"},
	}
	run := &Run{
		Task:   HandleWithID(id.New(id.Target, []byte("t"))),
		Output: Result{Error: e},
	}
	// The task is not actually stored here; serialize directly.
	data, err := Serialize(run)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	got := back.(*Run).Output.Error
	if got.Message != "outer" || got.Source == nil || got.Source.Message != "inner" {
		t.Fatalf("error chain lost: %#v", got)
	}
	if got.Location == nil || got.Location.Line != 3 {
		t.Fatalf("location lost: %#v", got.Location)
	}
	if len(got.StackTrace) != 1 || got.StackTrace[0].Description != "f" {
		t.Fatalf("stack lost: %#v", got.StackTrace)
	}
}
