package main

import (
	"encoding/json"
	"fmt"

	"github.com/tangram-dev/tangram/version"
)

type VersionCmd struct {
	JSON bool `help:"print the full build information as JSON"`
}

func (c *VersionCmd) Run(_ *Context) error {
	info := version.Get()
	if c.JSON {
		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}
	fmt.Println(info.Short())
	return nil
}
