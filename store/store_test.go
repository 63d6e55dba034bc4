package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "database"), Options{
		BlobsPath: filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	data, err := value.Serialize(value.String("hello"))
	if err != nil {
		t.Fatal(err)
	}
	i := id.New(id.String, data)
	missing, err := s.TryPutObject(ctx, i, data)
	if err != nil {
		t.Fatalf("TryPutObject: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v", missing)
	}
	got, ok, err := s.TryGetObject(ctx, i)
	if err != nil || !ok {
		t.Fatalf("TryGetObject: ok=%v err=%v", ok, err)
	}
	if string(got) != string(data) {
		t.Fatal("bytes changed through the store")
	}
	exists, err := s.GetObjectExists(ctx, i)
	if err != nil || !exists {
		t.Fatalf("GetObjectExists: %v %v", exists, err)
	}
}

func TestPutRejectsWrongHash(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	data, _ := value.Serialize(value.String("x"))
	wrong := id.New(id.String, []byte("other"))
	if _, err := s.TryPutObject(ctx, wrong, data); err == nil {
		t.Fatal("expected error for mismatched content address")
	}
}

func TestPutReturnsMissingChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	leafData, _ := value.Serialize(&value.Leaf{Bytes: []byte("content")})
	leafID := id.New(id.Leaf, leafData)

	file := &value.File{Contents: value.HandleWithID(leafID)}
	fileData, err := value.Serialize(file)
	if err != nil {
		t.Fatal(err)
	}
	fileID := id.New(id.File, fileData)

	missing, err := s.TryPutObject(ctx, fileID, fileData)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != leafID {
		t.Fatalf("missing = %v, want [%s]", missing, leafID)
	}
	if ok, _ := s.GetObjectExists(ctx, fileID); ok {
		t.Fatal("refused put must not write")
	}

	// Store the child, retry the parent.
	if _, err := s.TryPutObject(ctx, leafID, leafData); err != nil {
		t.Fatal(err)
	}
	missing, err = s.TryPutObject(ctx, fileID, fileData)
	if err != nil || len(missing) != 0 {
		t.Fatalf("retry: missing=%v err=%v", missing, err)
	}
}

func TestAssignments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	task := id.New(id.Target, []byte("t"))
	run := id.NewRandom(id.Run)

	if _, ok, err := s.TryGetAssignment(ctx, task); err != nil || ok {
		t.Fatalf("unexpected assignment: ok=%v err=%v", ok, err)
	}
	if err := s.PutAssignment(ctx, task, run); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.TryGetAssignment(ctx, task)
	if err != nil || !ok || got != run {
		t.Fatalf("TryGetAssignment = %s %v %v, want %s", got, ok, err, run)
	}

	// First write wins.
	other := id.NewRandom(id.Run)
	if err := s.PutAssignment(ctx, task, other); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.TryGetAssignment(ctx, task)
	if got != run {
		t.Fatalf("assignment rewritten to %s, want %s", got, run)
	}
}

func TestExternalizedLeaf(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	big := &value.Leaf{Bytes: []byte(strings.Repeat("a", externalThreshold+1))}
	data, _ := value.Serialize(big)
	i := id.New(id.Leaf, data)
	if _, err := s.TryPutObject(ctx, i, data); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.TryGetObject(ctx, i)
	if err != nil || !ok {
		t.Fatalf("get externalized leaf: ok=%v err=%v", ok, err)
	}
	if len(got) != len(data) {
		t.Fatalf("externalized leaf length = %d, want %d", len(got), len(data))
	}
}
