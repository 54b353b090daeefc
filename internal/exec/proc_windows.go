//go:build windows

package exec

import "os/exec"

// killGroupOnCancel keeps the default cancel, which kills only the
// direct child.
func killGroupOnCancel(cmd *exec.Cmd) {}
