package llmcli

import (
	"os/exec"
	"syscall"
	"time"
)

// hardKillGraceMs is how long after a graceful terminate signal the adapter
// waits before escalating to SIGKILL.
const hardKillGraceMs = 5000

// armTimeout starts a timer that, on expiry, sends SIGTERM to cmd's process
// and escalates to SIGKILL hardKillGraceMs later if it still hasn't exited.
// The returned cancel func stops any pending timer; call it once the
// process has exited on its own. A zero timeoutMs disables the timeout.
func armTimeout(cmd *exec.Cmd, timeoutMs int) func() {
	if timeoutMs <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	softKill := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		hardKill := time.NewTimer(hardKillGraceMs * time.Millisecond)
		defer hardKill.Stop()
		select {
		case <-hardKill.C:
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	})
	return func() {
		softKill.Stop()
		close(done)
	}
}

type exitInfo struct {
	code   int
	signal string
}

// asExitError extracts process exit code / terminating signal from a
// *exec.ExitError, if that's what err is.
func asExitError(err error) (exitInfo, bool) {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return exitInfo{}, false
	}
	info := exitInfo{code: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		info.signal = status.Signal().String()
	}
	return info, true
}
