package runtime

import (
	"context"
	"fmt"
	gort "runtime"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/build"
	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// Builder is the scheduler surface the build syscall re-enters.
type Builder interface {
	GetOrCreateBuild(ctx context.Context, task id.ID) (id.ID, error)
	TryGetBuildOutput(ctx context.Context, run id.ID) (value.Result, bool, error)
}

// Runtime evaluates JS targets. One isolate is created per evaluation
// and pinned to its goroutine's thread; the loader's transpile cache is
// shared across evaluations.
type Runtime struct {
	store   value.Store
	engine  *artifact.Engine
	loader  *Loader
	builder Builder
	version string
}

// New creates a runtime.
func New(store value.Store, engine *artifact.Engine, version string) *Runtime {
	return &Runtime{
		store:   store,
		engine:  engine,
		loader:  NewLoader(store, libModules()),
		version: version,
	}
}

// SetBuilder wires the scheduler in after construction; the scheduler
// and runtime reference each other.
func (r *Runtime) SetBuilder(b Builder) {
	r.builder = b
}

// Run evaluates a JS target: it loads the target's module, finds the
// registered target function, invokes it with the converted env and
// args, and awaits its promise.
func (r *Runtime) Run(ctx context.Context, target *value.Target, progress build.Progress) (value.Value, error) {
	// The isolate is not safe to migrate between threads.
	gort.LockOSThread()
	defer gort.UnlockOSThread()

	if target.Package == nil {
		return nil, value.NewError("js target has no package")
	}
	if target.Name == "" {
		return nil, value.NewError("js target has no name")
	}
	packageID, err := target.Package.ID(ctx, r.store)
	if err != nil {
		return nil, err
	}
	subpath, err := r.loader.rootModuleSubpath(ctx, packageID)
	if err != nil {
		return nil, err
	}
	module := Module{Kind: ModulePackageID, PackageID: packageID, Subpath: subpath}

	vm := goja.New()
	ev := &evaluator{
		rt:       r,
		vm:       vm,
		ctx:      ctx,
		progress: progress,
		jobs:     make(chan func(), 1024),
		modules:  map[string]*goja.Object{},
	}
	vm.Set("syscall", ev.syscall)

	var out value.Value
	evalErr := ev.catch(func() error {
		lib, err := ev.require(libModule)
		if err != nil {
			return err
		}
		ev.tg = lib

		exports, err := ev.require(module)
		if err != nil {
			return err
		}
		fnValue := exports.Get(target.Name)
		if fnValue == nil || goja.IsUndefined(fnValue) {
			return value.NewError(fmt.Sprintf("module %s does not export %q", module.URL(), target.Name))
		}
		fn, ok := goja.AssertFunction(fnValue)
		if !ok {
			return value.NewError(fmt.Sprintf("export %q is not a target function", target.Name))
		}
		if fnObj, ok := fnValue.(*goja.Object); ok {
			if marker := fnObj.Get("__tangramTarget"); marker == nil || !marker.ToBoolean() {
				return value.NewError(fmt.Sprintf("export %q is not registered with tg.target", target.Name))
			}
		}

		env, err := toJS(vm, target.Env)
		if err != nil {
			return err
		}
		args, err := toJS(vm, target.Args)
		if err != nil {
			return err
		}
		result, err := fn(goja.Undefined(), env, args)
		if err != nil {
			return ev.mapException(err)
		}
		settled, err := ev.await(result)
		if err != nil {
			return err
		}
		out, err = fromJS(vm, settled)
		return err
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return out, nil
}

// evaluator is the per-isolate state: the module instance cache, the
// job queue async syscalls resolve through, and the current-module
// stack used by module-relative syscalls.
type evaluator struct {
	rt       *Runtime
	vm       *goja.Runtime
	ctx      context.Context
	progress build.Progress
	tg       *goja.Object

	// jobs carries completions from async syscall goroutines back onto
	// the isolate's goroutine.
	jobs     chan func()
	inflight atomic.Int64

	modules     map[string]*goja.Object
	moduleStack []Module
}

// catch converts a panic carrying a JS exception into a structured
// error, so throws inside module evaluation surface properly.
func (ev *evaluator) catch(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if thrown, ok := r.(*goja.Exception); ok {
				err = ev.mapException(thrown)
				return
			}
			if thrown, ok := r.(goja.Value); ok {
				err = ev.exceptionFromValue(thrown)
				return
			}
			panic(r)
		}
	}()
	return f()
}

// require loads, instantiates, and evaluates a module once per isolate,
// returning its exports.
func (ev *evaluator) require(m Module) (*goja.Object, error) {
	key := m.URL()
	if exports, ok := ev.modules[key]; ok {
		return exports, nil
	}
	cached, err := ev.rt.loader.Load(ev.ctx, m)
	if err != nil {
		return nil, err
	}
	factoryValue, err := ev.vm.RunProgram(cached.program)
	if err != nil {
		return nil, ev.mapException(err)
	}
	factory, ok := goja.AssertFunction(factoryValue)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a factory", key)
	}

	exports := ev.vm.NewObject()
	moduleObj := ev.vm.NewObject()
	moduleObj.Set("exports", exports)
	// Pre-register so import cycles observe the partial exports.
	ev.modules[key] = exports

	requireFn := ev.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		specifier := call.Argument(0).String()
		resolved, err := ev.rt.loader.Resolve(ev.ctx, specifier, m)
		if err != nil {
			panic(ev.vm.ToValue(err.Error()))
		}
		depExports, err := ev.require(resolved)
		if err != nil {
			panic(ev.errorToJS(err))
		}
		return depExports
	})

	tgArg := goja.Value(goja.Undefined())
	if ev.tg != nil {
		tgArg = ev.tg
	}
	ev.moduleStack = append(ev.moduleStack, m)
	_, err = factory(goja.Undefined(), exports, requireFn, moduleObj, tgArg)
	ev.moduleStack = ev.moduleStack[:len(ev.moduleStack)-1]
	if err != nil {
		return nil, ev.mapException(err)
	}

	// CommonJS lets a module reassign module.exports.
	final, ok := moduleObj.Get("exports").(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("module %s has no exports", key)
	}
	ev.modules[key] = final
	return final, nil
}

func (ev *evaluator) currentModule() Module {
	if len(ev.moduleStack) == 0 {
		return Module{}
	}
	return ev.moduleStack[len(ev.moduleStack)-1]
}

// await drives the job queue until the promise settles. Syscall
// completions are the only thing that can settle a pending promise, so
// a pending promise with nothing in flight is a deadlock.
func (ev *evaluator) await(v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for promise.State() == goja.PromiseStatePending {
		if ev.inflight.Load() == 0 {
			select {
			case job := <-ev.jobs:
				job()
				continue
			default:
			}
			return nil, value.NewError("the target's promise can never settle")
		}
		select {
		case job := <-ev.jobs:
			job()
		case <-ev.ctx.Done():
			ev.vm.Interrupt(ev.ctx.Err())
			return nil, ev.ctx.Err()
		}
	}
	if promise.State() == goja.PromiseStateRejected {
		return nil, ev.exceptionFromValue(promise.Result())
	}
	return promise.Result(), nil
}

// async runs f off the isolate goroutine and returns a promise that
// settles when f's completion is pumped through the job queue.
func (ev *evaluator) async(f func(ctx context.Context) (func(vm *goja.Runtime) goja.Value, error)) goja.Value {
	promise, resolve, reject := ev.vm.NewPromise()
	ev.inflight.Add(1)
	go func() {
		mk, err := f(ev.ctx)
		ev.jobs <- func() {
			ev.inflight.Add(-1)
			if err != nil {
				reject(ev.errorToJS(err))
				return
			}
			resolve(mk(ev.vm))
		}
	}()
	return ev.vm.ToValue(promise)
}
