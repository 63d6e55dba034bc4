package main

import (
	"context"

	"github.com/tangram-dev/tangram/server"
)

type DaemonCmd struct{}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.ServeUnix(ctx)
}
