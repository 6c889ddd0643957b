//go:build !windows

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
func gracefulSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM}
}

// reloadSignals returns the signals that trigger a policy reload.
func reloadSignals() []os.Signal {
	return []os.Signal{unix.SIGHUP}
}

// processIsAlive checks if a process is still running using signal 0.
func processIsAlive(proc *os.Process) bool {
	return proc.Signal(unix.Signal(0)) == nil
}

func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(unix.SIGTERM)
}
