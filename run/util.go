package run

import (
	"errors"
	"os/exec"
	"sort"
)

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}

func sortStrings(s []string) {
	sort.Strings(s)
}
