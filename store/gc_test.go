package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

func putString(t *testing.T, s *Store, text string) id.ID {
	t.Helper()
	data, err := value.Serialize(value.String(text))
	if err != nil {
		t.Fatal(err)
	}
	i := id.New(id.String, data)
	if _, err := s.TryPutObject(context.Background(), i, data); err != nil {
		t.Fatal(err)
	}
	return i
}

func TestGCKeepsAssignmentClosure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Build a directory tree whose closure is 10 objects: 4 leaves, 4
	// files, 1 subdirectory, 1 root directory.
	builder := value.NewDirectoryBuilder()
	for i := 0; i < 4; i++ {
		blob, err := value.NewBlob(ctx, s, strings.NewReader(fmt.Sprintf("content %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		path := fmt.Sprintf("f%d.txt", i)
		if i >= 2 {
			path = "sub/" + path
		}
		if err := builder.Add(path, value.NewHandle(value.NewFile(blob, false, nil))); err != nil {
			t.Fatal(err)
		}
	}
	root := value.NewHandle(builder.Build())
	rootID, err := root.ID(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	// Store a pile of garbage alongside.
	for i := 0; i < 90; i++ {
		putString(t, s, fmt.Sprintf("garbage %d", i))
	}

	// Root the tree through an assignment whose run output references it.
	target := value.NewTarget(value.SystemAmd64Linux).Name("keep").Build()
	taskID, err := target.ID(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	runID := id.NewRandom(id.Run)
	run := value.NewRun(runID, &value.Run{
		Task:   value.HandleWithID(taskID),
		Output: value.Result{Value: value.ObjectRef{Handle: value.HandleWithID(rootID)}},
	})
	if _, err := run.Store(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := s.PutAssignment(ctx, taskID, runID); err != nil {
		t.Fatal(err)
	}

	result, err := s.GC(ctx, GCOptions{})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.SweptObjects != 90 {
		t.Fatalf("swept %d objects, want 90", result.SweptObjects)
	}

	// Everything reachable from the assignment survived.
	for _, i := range []id.ID{taskID, runID, rootID} {
		ok, err := s.GetObjectExists(ctx, i)
		if err != nil || !ok {
			t.Fatalf("reachable object %s missing after gc", i)
		}
	}
	v, err := value.HandleWithID(rootID).Load(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	dir := v.(*value.Directory)
	fv, err := dir.Entries["f0.txt"].Load(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	contents, err := value.ReadBlob(ctx, s, fv.(*value.File).Contents)
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "content 0" {
		t.Fatalf("contents = %q", contents)
	}
}

func TestGCSweepsEverythingWithoutRoots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		putString(t, s, fmt.Sprintf("unrooted %d", i))
	}
	result, err := s.GC(ctx, GCOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.SweptObjects != 10 {
		t.Fatalf("swept %d, want 10", result.SweptObjects)
	}
}
