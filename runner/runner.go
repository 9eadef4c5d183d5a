// Package runner executes stage commands. A Runner knows how to run
// one command to completion somewhere (the host, a container) and
// report how it exited; everything about ordering and what the exit
// means belongs to the pipeline executor.
package runner

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "runner",
	})
}

// Spec describes one stage command.
type Spec struct {
	// Stage is the stage name, used only for logging.
	Stage string

	// Command is run through `sh -c`.
	Command string

	// Dir is the build workspace. Stages of a build share state
	// through this directory.
	Dir string

	Env map[string]string

	// Image is the container image to run in. Only the docker
	// runner reads it.
	Image string

	// Timeout bounds the command's execution. Zero means the
	// command inherits whatever deadline the context carries.
	Timeout time.Duration

	// Output receives the command's combined stdout and stderr.
	Output io.Writer
}

// Result is how a stage command exited. A non-zero exit code or a
// timeout is a normal result, not an error; errors mean the command
// couldn't be run at all.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner runs one stage command to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Registry maps a job's runner kind to the Runner that executes its
// stages.
type Registry map[string]Runner

// For returns the Runner registered for kind.
func (reg Registry) For(kind string) (Runner, bool) {
	r, ok := reg[kind]
	return r, ok
}
