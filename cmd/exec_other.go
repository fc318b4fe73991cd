//go:build !unix

package cmd

import (
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// execWorkload runs the workload as a child process where exec(2) is not
// available, and returns once it exits
func execWorkload(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // the workload is supplied by the operator
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.WithFields(log.Fields{
		"path": cmd.Path,
		"args": argv[1:],
	}).Info("Starting workload")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("workload %v failed: %w", argv[0], err)
	}

	return nil
}
