package runtime

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/packages"
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

// testProgress collects log output and children.
type testProgress struct {
	mu       sync.Mutex
	log      strings.Builder
	children []id.ID
}

func (p *testProgress) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log.Write(b)
}

func (p *testProgress) Child(child id.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
}

// storePackage stores a single-module package and returns its handle.
func storePackage(t *testing.T, store value.Store, modules map[string]string) *value.Handle {
	t.Helper()
	ctx := context.Background()
	builder := value.NewDirectoryBuilder()
	for name, source := range modules {
		blob, err := value.NewBlob(ctx, store, strings.NewReader(source))
		if err != nil {
			t.Fatal(err)
		}
		if err := builder.Add(name, value.NewHandle(value.NewFile(blob, false, nil))); err != nil {
			t.Fatal(err)
		}
	}
	dir := value.NewHandle(builder.Build())
	pkg := value.NewHandle(value.NewPackage(dir, nil))
	if _, err := pkg.ID(ctx, store); err != nil {
		t.Fatal(err)
	}
	return pkg
}

func newTestRuntime(t *testing.T, store value.Store) *Runtime {
	t.Helper()
	engine, err := artifact.New(store, filepath.Join(t.TempDir(), "artifacts"), 0)
	if err != nil {
		t.Fatal(err)
	}
	return New(store, engine, "test")
}

func TestModuleURLRoundTrip(t *testing.T) {
	packageID := id.New(id.Package, []byte("p"))
	cases := []Module{
		{Kind: ModulePackageID, PackageID: packageID, Subpath: "tangram.ts"},
		{Kind: ModulePackageID, PackageID: packageID, Subpath: "sub/mod.ts"},
		{Kind: ModulePackagePath, PackagePath: "/home/user/pkg", Subpath: "tangram.ts"},
		{Kind: ModuleLib, Subpath: "lib"},
	}
	for _, m := range cases {
		parsed, err := ParseModuleURL(m.URL())
		if err != nil {
			t.Fatalf("parse %s: %v", m.URL(), err)
		}
		if parsed != m {
			t.Fatalf("round trip: %+v != %+v", parsed, m)
		}
	}
}

func TestResolveRelative(t *testing.T) {
	loader := NewLoader(newMemoryStore(), libModules())
	referrer := Module{Kind: ModulePackageID, PackageID: id.New(id.Package, []byte("p")), Subpath: "sub/mod.ts"}
	resolved, err := loader.Resolve(context.Background(), "./other.ts", referrer)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Subpath != "sub/other.ts" {
		t.Fatalf("subpath = %s", resolved.Subpath)
	}
	up, err := loader.Resolve(context.Background(), "../top.ts", referrer)
	if err != nil {
		t.Fatal(err)
	}
	if up.Subpath != "top.ts" {
		t.Fatalf("subpath = %s", up.Subpath)
	}
	if _, err := loader.Resolve(context.Background(), "../../escape.ts", referrer); err == nil {
		t.Fatal("expected error for escape above the package root")
	}
}

func TestRunSimpleTarget(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let hello = tg.target(() => "hi");`,
	})
	rt := newTestRuntime(t, store)

	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	progress := &testProgress{}
	out, err := rt.Run(ctx, target, progress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != value.String("hi") {
		t.Fatalf("output = %#v, want String(hi)", out)
	}
}

func TestRunAsyncTarget(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let hello = tg.target(async () => "async result");`,
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	out, err := rt.Run(ctx, target, &testProgress{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != value.String("async result") {
		t.Fatalf("output = %#v", out)
	}
}

func TestRunTargetReceivesEnvAndArgs(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": "export let greet = tg.target((env: any, args: any[]) => `${env.greeting}, ${args[0]}`);",
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{
		Host:    value.SystemJS,
		Package: pkg,
		Name:    "greet",
		Env:     value.Map{"greeting": value.String("hello")},
		Args:    value.Array{value.String("world")},
	}
	out, err := rt.Run(ctx, target, &testProgress{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != value.String("hello, world") {
		t.Fatalf("output = %#v", out)
	}
}

func TestRunImportsAcrossModules(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `
import { shout } from "./util.ts";
export let hello = tg.target(() => shout("hey"));
`,
		"util.ts": `export let shout = (s: string) => s.toUpperCase();`,
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	out, err := rt.Run(ctx, target, &testProgress{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != value.String("HEY") {
		t.Fatalf("output = %#v", out)
	}
}

func TestRunPrintWritesLog(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let hello = tg.target(() => { tg.print("building"); return null; });`,
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	progress := &testProgress{}
	if _, err := rt.Run(ctx, target, progress); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := progress.log.String(); got != "building\n" {
		t.Fatalf("log = %q", got)
	}
}

func TestRunErrorHasLocation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let hello = tg.target(() => {
	throw new Error("deliberate");
});`,
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	_, err := rt.Run(ctx, target, &testProgress{})
	if err == nil {
		t.Fatal("expected error")
	}
	structured, ok := err.(*value.Error)
	if !ok {
		t.Fatalf("err is %T: %v", err, err)
	}
	if structured.Message != "deliberate" {
		t.Fatalf("message = %q", structured.Message)
	}
	if structured.Location == nil || !strings.HasPrefix(structured.Location.Source, "tangram://package/") {
		t.Fatalf("location = %+v", structured.Location)
	}
}

func TestRunRejectsUnregisteredExport(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let hello = () => "not a target";`,
	})
	rt := newTestRuntime(t, store)
	target := &value.Target{Host: value.SystemJS, Package: pkg, Name: "hello", Env: value.Map{}}
	if _, err := rt.Run(ctx, target, &testProgress{}); err == nil {
		t.Fatal("expected error for unregistered export")
	}
}

// fakeBuilder satisfies Builder with canned outputs.
type fakeBuilder struct {
	mu      sync.Mutex
	runs    map[id.ID]id.ID
	outputs map[id.ID]value.Result
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{runs: map[id.ID]id.ID{}, outputs: map[id.ID]value.Result{}}
}

func (b *fakeBuilder) GetOrCreateBuild(_ context.Context, task id.ID) (id.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[task]
	if !ok {
		run = id.NewRandom(id.Run)
		b.runs[task] = run
		b.outputs[run] = value.Result{Value: value.String("from child")}
	}
	return run, nil
}

func (b *fakeBuilder) TryGetBuildOutput(_ context.Context, run id.ID) (value.Result, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.outputs[run]
	return result, ok, nil
}

func TestBuildSyscallRecordsChild(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `
export let parent = tg.target(async (env: any) => {
	let taskId = await tg.putObject({
		kind: "target",
		host: "js",
		name: "child",
		package: env.pkg,
	});
	return await tg.build({ __tangramKind: "object", id: taskId });
});
`,
	})
	rt := newTestRuntime(t, store)
	builder := newFakeBuilder()
	rt.SetBuilder(builder)

	packageID, _ := pkg.CachedID()
	target := &value.Target{
		Host:    value.SystemJS,
		Package: pkg,
		Name:    "parent",
		Env:     value.Map{"pkg": value.String(packageID.String())},
	}
	progress := &testProgress{}
	out, err := rt.Run(ctx, target, progress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != value.String("from child") {
		t.Fatalf("output = %#v", out)
	}
	if len(progress.children) != 1 {
		t.Fatalf("children recorded = %d, want 1", len(progress.children))
	}
}

func TestSerializeDeserializeTOML(t *testing.T) {
	v := value.Map{
		"name":  value.String("tangram"),
		"count": value.Number(3),
		"tags":  value.Array{value.String("a"), value.String("b")},
	}
	text, err := serializeTOML(v)
	if err != nil {
		t.Fatal(err)
	}
	back, err := deserializeTOML(text)
	if err != nil {
		t.Fatal(err)
	}
	m := back.(value.Map)
	if m["name"] != value.String("tangram") {
		t.Fatalf("name = %#v", m["name"])
	}
	if m["count"] != value.Number(3) {
		t.Fatalf("count = %#v", m["count"])
	}
	if tags := m["tags"].(value.Array); len(tags) != 2 || tags[0] != value.String("a") {
		t.Fatalf("tags = %#v", m["tags"])
	}
}

func TestPackageRootModuleResolution(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pkg := storePackage(t, store, map[string]string{
		"tangram.ts": `export let x = 1;`,
	})
	loader := NewLoader(store, libModules())
	packageID, _ := pkg.CachedID()
	subpath, err := loader.rootModuleSubpath(ctx, packageID)
	if err != nil {
		t.Fatal(err)
	}
	if subpath != packages.RootModuleNames[0] {
		t.Fatalf("subpath = %s", subpath)
	}
}
