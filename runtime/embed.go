package runtime

import (
	_ "embed"
)

// libSource is the runtime's own TS, loaded as the "lib" ambient module.
// Frames from it are labeled specially in error traces.
//
//go:embed lib/lib.ts
var libSource string

// libModule is the ambient module every evaluation loads first.
var libModule = Module{Kind: ModuleLib, Subpath: "lib"}

func libModules() map[string]string {
	return map[string]string{"lib": libSource}
}
