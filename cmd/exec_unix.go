//go:build unix

package cmd

import (
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// execWorkload replaces the registrar with the workload, which inherits the
// injected parameters through the environment. It only returns on failure
func execWorkload(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("could not find workload %q: %w", argv[0], err)
	}

	log.WithFields(log.Fields{
		"path": path,
		"args": argv[1:],
	}).Info("Starting workload")

	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("could not exec workload %v: %w", path, err)
	}

	return nil
}
