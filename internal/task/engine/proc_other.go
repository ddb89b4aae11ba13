//go:build !unix

package engine

import "os/exec"

// isolate relies on exec.CommandContext killing the direct child.
func isolate(cmd *exec.Cmd) {}
