//go:build windows

package runner

import (
	"os/exec"
	"strconv"
)

func setProcGroup(cmd *exec.Cmd) {}

// killTree uses taskkill to take down the whole child tree; Windows has no
// process-group signal equivalent.
func killTree(cmd *exec.Cmd, force bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(cmd.Process.Pid)}
	if force {
		args = append(args, "/F")
	}
	return exec.Command("taskkill", args...).Run()
}
