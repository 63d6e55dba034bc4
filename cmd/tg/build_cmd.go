package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tangram-dev/tangram/server"
	"github.com/tangram-dev/tangram/value"
)

type BuildCmd struct {
	Package string `arg:"" default:"." placeholder:"<package-path>" help:"path to the package to build"`
	Target  string `default:"default" placeholder:"<target-name>" help:"name of the exported target"`
	Quiet   bool   `help:"do not stream the build log"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()

	pkg, err := s.Resolver().Checkin(ctx, c.Package)
	if err != nil {
		return err
	}
	target := value.NewTarget(value.SystemJS).Package(pkg).Name(c.Target).Build()
	taskID, err := target.ID(ctx, s.Store())
	if err != nil {
		return err
	}

	run, err := s.Scheduler().GetOrCreateBuild(ctx, taskID)
	if err != nil {
		return err
	}

	if !c.Quiet {
		log, err := s.Scheduler().TryGetBuildLog(ctx, run)
		if err == nil {
			defer log.Close()
			go io.Copy(os.Stderr, log)
		}
	}

	result, ok, err := s.Scheduler().TryGetBuildOutput(ctx, run)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("build %s has no output", run)
	}
	if !result.Ok() {
		// Print the full trace: message and location per frame, causes
		// deepest-first.
		fmt.Fprintln(os.Stderr, result.Error.Trace())
		return fmt.Errorf("the build failed")
	}
	return printValue(ctx, s, result.Value)
}

func printValue(ctx context.Context, s *server.Server, v value.Value) error {
	switch v := v.(type) {
	case value.Null:
		fmt.Println("null")
	case value.String:
		fmt.Println(string(v))
	case value.ObjectRef:
		i, err := v.Handle.ID(ctx, s.Store())
		if err != nil {
			return err
		}
		fmt.Println(i.String())
	default:
		fmt.Printf("%v\n", v)
	}
	return nil
}
