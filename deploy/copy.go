package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/run-ci/convey/store"
)

// Copy deploys to a directory on the machine convey itself runs on.
// It serves static sites hosted off the same box, and exercises the
// whole deploy flow in tests without needing an SSH target.
type Copy struct{}

// Deploy copies the request's artifacts into the target directory and
// then runs its post command, if it has one, with the target directory
// as the working directory.
func (tr Copy) Deploy(ctx context.Context, req Request) store.TransferResult {
	logger := logger.WithFields(log.Fields{
		"transport": "copy",
		"target":    req.Target.Label(),
	})

	start := time.Now()
	res := store.TransferResult{Target: req.Target.Label()}

	fail := func(format string, args ...interface{}) store.TransferResult {
		res.Detail = fmt.Sprintf(format, args...)
		res.Duration = time.Since(start)

		logger.WithField("detail", res.Detail).Debug("deploy failed")
		return res
	}

	for i, a := range req.Artifacts {
		if ctx.Err() != nil {
			res.Files = i
			return fail("transfer interrupted: %v", ctx.Err())
		}

		if err := copyFile(a, req.Target.Dir); err != nil {
			res.Files = i
			return fail("transferring %v: %v", a.Rel, err)
		}

		if req.Output != nil {
			fmt.Fprintf(req.Output, "transferred %v\n", a.Rel)
		}
	}

	res.Files = len(req.Artifacts)
	res.Transferred = true

	if req.Target.PostCommand == "" {
		res.PostCommandOK = true
		res.Duration = time.Since(start)
		return res
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Target.PostCommand)
	cmd.Dir = req.Target.Dir
	if req.Output != nil {
		cmd.Stdout = req.Output
		cmd.Stderr = req.Output
	}

	if err := cmd.Run(); err != nil {
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) {
			return fail("post command: exited %v", exiterr.ExitCode())
		}
		return fail("post command: %v", err)
	}

	res.PostCommandOK = true
	res.Duration = time.Since(start)
	return res
}

func copyFile(a Artifact, dir string) error {
	dest := filepath.Join(dir, a.Rel)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	src, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}

	return dst.Close()
}
