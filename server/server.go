package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/build"
	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/packages"
	"github.com/tangram-dev/tangram/run"
	"github.com/tangram-dev/tangram/runtime"
	"github.com/tangram-dev/tangram/store"
	"github.com/tangram-dev/tangram/value"
	"github.com/tangram-dev/tangram/version"
)

// Server owns the engine's state: the database handle, the artifact
// engine and its file-descriptor semaphore, the scheduler's running
// table, the prometheus registry, and the optional parent client.
type Server struct {
	config    Config
	store     *store.Store
	objects   *delegatingStore
	engine    *artifact.Engine
	resolver  *packages.Resolver
	runtime   *runtime.Runtime
	runner    *run.Runner
	scheduler *build.Scheduler
	parent    *Client
	registry  *prometheus.Registry
	telemetry *telemetry

	socketPath string
	lockPath   string
}

// New starts a server over the root in config.Path. Teardown is
// explicit via Close.
func New(ctx context.Context, config Config) (*Server, error) {
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, err
	}
	db, err := store.Open(filepath.Join(config.Path, "database"), store.Options{
		BlobsPath: filepath.Join(config.Path, "blobs"),
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		store:      db,
		registry:   prometheus.NewRegistry(),
		socketPath: filepath.Join(config.Path, "socket"),
		lockPath:   filepath.Join(config.Path, "lock"),
	}
	if config.Parent != "" {
		s.parent = NewClient(config.Parent)
	}
	s.objects = &delegatingStore{local: db, parent: s.parent}

	s.engine, err = artifact.New(s.objects, filepath.Join(config.Path, "artifacts"), config.FileDescriptorLimit)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.resolver = packages.NewResolver(s.engine, s.objects, s)
	s.runtime = runtime.New(s.objects, s.engine, version.Get().GitCommit)

	tempsPath := filepath.Join(config.Path, "temps")
	s.runner, err = run.NewRunner(s.objects, s.engine, tempsPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	metrics := build.NewMetrics(s.registry)
	s.scheduler, err = build.NewScheduler(s.objects, &dispatcher{s: s}, s.parentOrNil(), tempsPath, metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.runtime.SetBuilder(s.scheduler)

	if s.telemetry, err = setupTelemetry(ctx, config.Telemetry); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) parentOrNil() build.Parent {
	if s.parent == nil {
		return nil
	}
	return s.parent
}

// Close releases the server's resources.
func (s *Server) Close() error {
	if s.telemetry != nil {
		s.telemetry.shutdown(context.Background())
	}
	return s.store.Close()
}

// Store exposes the object surface (local store with parent fallback).
func (s *Server) Store() value.Store { return s.objects }

// Engine exposes checkin/checkout.
func (s *Server) Engine() *artifact.Engine { return s.engine }

// Resolver exposes package checkin.
func (s *Server) Resolver() *packages.Resolver { return s.resolver }

// Scheduler exposes the build scheduler.
func (s *Server) Scheduler() *build.Scheduler { return s.scheduler }

// GC runs a collection, wiping the temps directory.
func (s *Server) GC(ctx context.Context) (store.GCResult, error) {
	return s.store.GC(ctx, store.GCOptions{
		TempsPath: filepath.Join(s.config.Path, "temps"),
	})
}

// GetPackageVersions implements packages.Registry from the local
// registry table, delegating to the parent for unknown names.
func (s *Server) GetPackageVersions(ctx context.Context, name string) ([]string, error) {
	versions, err := s.store.GetPackageVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 && s.parent != nil {
		return s.parent.GetPackageVersions(ctx, name)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("unknown package %q", name)
	}
	return versions, nil
}

// GetPackage implements packages.Registry.
func (s *Server) GetPackage(ctx context.Context, name, version string) (*value.Handle, error) {
	i, ok, err := s.store.TryGetPackageVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		if s.parent != nil {
			return s.parent.GetPackage(ctx, name, version)
		}
		return nil, fmt.Errorf("unknown package %s@%s", name, version)
	}
	return value.HandleWithID(i), nil
}

// PublishPackage records a package version in the local registry.
func (s *Server) PublishPackage(ctx context.Context, name, versionTag string, pkg id.ID) error {
	if pkg.Kind() != id.Package {
		return fmt.Errorf("object %s is not a package", pkg)
	}
	if exists, err := s.store.GetObjectExists(ctx, pkg); err != nil {
		return err
	} else if !exists {
		return &value.NotFoundError{ID: pkg}
	}
	return s.store.PutPackageVersion(ctx, name, versionTag, pkg)
}

// dispatcher routes a loaded task to the JS runtime or the process
// runner based on its host.
type dispatcher struct {
	s *Server
}

func (d *dispatcher) Run(ctx context.Context, task value.Value, taskID id.ID, progress build.Progress) (value.Value, error) {
	switch task := task.(type) {
	case *value.Target:
		if task.Host == value.SystemJS {
			return d.s.runtime.Run(ctx, task, progress)
		}
		process, err := run.LowerTarget(task)
		if err != nil {
			return nil, err
		}
		return d.s.runner.Run(ctx, process, progress)
	case *value.Process:
		return d.s.runner.Run(ctx, task, progress)
	}
	return nil, fmt.Errorf("object %s is not a task", taskID)
}

// delegatingStore reads from the local store first and falls back to
// the parent; writes are local only. Parent transport errors surface as
// not found, so callers fall through to the next source.
type delegatingStore struct {
	local  *store.Store
	parent *Client
}

func (d *delegatingStore) GetObjectExists(ctx context.Context, i id.ID) (bool, error) {
	ok, err := d.local.GetObjectExists(ctx, i)
	if err != nil || ok {
		return ok, err
	}
	if d.parent != nil {
		if ok, err := d.parent.GetObjectExists(ctx, i); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (d *delegatingStore) TryGetObject(ctx context.Context, i id.ID) ([]byte, bool, error) {
	data, ok, err := d.local.TryGetObject(ctx, i)
	if err != nil || ok {
		return data, ok, err
	}
	if d.parent != nil {
		if data, ok, err := d.parent.TryGetObject(ctx, i); err == nil && ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}

func (d *delegatingStore) TryPutObject(ctx context.Context, i id.ID, data []byte) ([]id.ID, error) {
	return d.local.TryPutObject(ctx, i, data)
}

func (d *delegatingStore) TryGetAssignment(ctx context.Context, task id.ID) (id.ID, bool, error) {
	return d.local.TryGetAssignment(ctx, task)
}

func (d *delegatingStore) PutAssignment(ctx context.Context, task, run id.ID) error {
	return d.local.PutAssignment(ctx, task, run)
}
