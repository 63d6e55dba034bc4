package run

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/sandbox"
	"github.com/tangram-dev/tangram/value"
)

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
	children, err := value.ChildrenOfBytes(data)
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

func TestSafetyGateNetwork(t *testing.T) {
	process := &value.Process{
		Host:       value.SystemAmd64Linux,
		Executable: value.TemplateFromString("/bin/sh"),
		Network:    true,
	}
	err := checkSafety(process)
	var safety *SafetyError
	if !errors.As(err, &safety) {
		t.Fatalf("err = %v, want SafetyError", err)
	}
	if !strings.Contains(safety.Reason, "Network access is not allowed") {
		t.Fatalf("reason = %q", safety.Reason)
	}
}

func TestSafetyGateHostPaths(t *testing.T) {
	process := &value.Process{
		Host:       value.SystemAmd64Linux,
		Executable: value.TemplateFromString("/bin/sh"),
		HostPaths:  []string{"/opt/toolchain"},
	}
	if err := checkSafety(process); err == nil {
		t.Fatal("expected safety error for host paths")
	}
}

func TestSafetyGateAllowsUnsafeOrChecksum(t *testing.T) {
	unsafe := &value.Process{Network: true, Unsafe: true}
	if err := checkSafety(unsafe); err != nil {
		t.Fatalf("unsafe process rejected: %v", err)
	}
	checksum := value.Checksum{Algorithm: value.ChecksumSha256, Digest: []byte{1}}
	pinned := &value.Process{Network: true, Checksum: &checksum}
	if err := checkSafety(pinned); err != nil {
		t.Fatalf("checksummed process rejected: %v", err)
	}
}

func TestLowerTarget(t *testing.T) {
	artifactHandle := value.HandleWithID(id.New(id.Directory, []byte("d")))
	target := &value.Target{
		Host:       value.SystemAmd64Linux,
		Executable: value.TemplateFromString("/bin/sh"),
		Env: value.Map{
			"NAME":  value.String("world"),
			"COUNT": value.Number(3),
			"DIR":   value.ObjectRef{Handle: artifactHandle},
		},
		Args:   value.Array{value.String("-c"), value.String("echo hi")},
		Unsafe: true,
	}
	process, err := LowerTarget(target)
	if err != nil {
		t.Fatal(err)
	}
	if !process.Unsafe || process.Host != value.SystemAmd64Linux {
		t.Fatalf("process = %+v", process)
	}
	if len(process.Args) != 2 {
		t.Fatalf("args = %d, want 2", len(process.Args))
	}
	dir := process.Env["DIR"]
	if len(dir.Components) != 1 {
		t.Fatalf("DIR components = %d", len(dir.Components))
	}
	if _, ok := dir.Components[0].(value.ArtifactComponent); !ok {
		t.Fatalf("DIR component is %T", dir.Components[0])
	}
}

func TestLowerTargetRejectsJS(t *testing.T) {
	target := &value.Target{Host: value.SystemJS}
	if _, err := LowerTarget(target); err == nil {
		t.Fatal("expected error lowering a js target")
	}
}

func TestVerifyChecksum(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	engine, err := artifact.New(store, filepath.Join(t.TempDir(), "artifacts"), 0)
	if err != nil {
		t.Fatal(err)
	}
	r := &Runner{store: store, engine: engine}

	blob, err := value.NewBlob(ctx, store, strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	output := value.NewHandle(value.NewFile(blob, false, nil))
	if _, err := output.ID(ctx, store); err != nil {
		t.Fatal(err)
	}

	good, err := value.ParseChecksum("sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.verifyChecksum(ctx, output, good); err != nil {
		t.Fatalf("matching checksum rejected: %v", err)
	}

	// The digest of "abd" must be rejected, with both digests reported.
	bad, err := value.ParseChecksum("sha256:a52d159f262b2c6ddb724a61840befc36eb30c88877a4030b65cbe86298449c9")
	if err != nil {
		t.Fatal(err)
	}
	err = r.verifyChecksum(ctx, output, bad)
	var mismatch *value.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
	if !mismatch.Expected.Equal(bad) || mismatch.Actual.Equal(bad) {
		t.Fatalf("mismatch = %+v", mismatch)
	}
}

func TestGuestEndpoint(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	engine, err := artifact.New(store, filepath.Join(t.TempDir(), "artifacts"), 0)
	if err != nil {
		t.Fatal(err)
	}
	tempDir := t.TempDir()
	spec := &sandbox.Spec{
		TempDir: tempDir,
		Mounts:  []sandbox.Mount{{Path: tempDir, Mode: sandbox.ReadWrite}},
	}
	g, err := serveGuestEndpoint(ctx, engine, spec)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", filepath.Join(tempDir, guestSocketName))
		},
	}}

	// Checkin of a path outside every mount is refused.
	body := strings.NewReader(`{"path": "/etc/passwd"}`)
	resp, err := client.Post("http://unix/v1/checkin", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// Unrender decomposes a rendered artifact path.
	artifactID := id.New(id.File, []byte("f"))
	payload, _ := json.Marshal(map[string]string{
		"string": engine.ArtifactsPath() + "/" + artifactID.String() + "/bin",
	})
	resp, err = client.Post("http://unix/v1/unrender", "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var wire TemplateJSON
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		t.Fatal(err)
	}
	if len(wire.Components) != 2 {
		t.Fatalf("components = %+v", wire.Components)
	}
	if wire.Components[0].Kind != "artifact" || wire.Components[0].Value != artifactID.String() {
		t.Fatalf("component 0 = %+v", wire.Components[0])
	}
	if wire.Components[1].Kind != "string" || wire.Components[1].Value != "/bin" {
		t.Fatalf("component 1 = %+v", wire.Components[1])
	}
}
