package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Local runs stage commands directly on the host through `sh -c`.
// Checkout always goes through it, so it's registered even when jobs
// run their stages in containers.
type Local struct{}

// Run executes the spec's command and reports how it exited.
func (Local) Run(ctx context.Context, spec Spec) (Result, error) {
	logger := logger.WithFields(log.Fields{
		"runner": "local",
		"stage":  spec.Stage,
	})

	runctx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output

	// The command gets its own process group so that cancellation
	// kills the shell and everything it spawned. Without this the
	// shell dies but its children keep running and keep the stage's
	// log writer open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range spec.Env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}

	logger.Debug("running stage command")

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start)}

	if runctx.Err() == context.DeadlineExceeded {
		logger.Debug("stage command timed out")

		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if runctx.Err() == context.Canceled {
		return res, runctx.Err()
	}

	if err == nil {
		return res, nil
	}

	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		res.ExitCode = exiterr.ExitCode()
		return res, nil
	}

	logger.WithError(err).Debug("unable to run stage command")

	res.ExitCode = -1
	return res, err
}
