package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/run-ci/convey/store"
)

// SSH deploys over an SSH connection, transferring artifacts through
// SFTP and running the target's post command in a session on the same
// connection.
type SSH struct {
	// DialTimeout bounds the TCP connect. Zero means 30 seconds.
	DialTimeout time.Duration
}

// Deploy transfers the request's artifacts to the target and then runs
// its post command, if it has one. The transfer and the post command
// are reported as independent outcomes.
func (tr SSH) Deploy(ctx context.Context, req Request) store.TransferResult {
	logger := logger.WithFields(log.Fields{
		"transport": "ssh",
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

	signer, err := ssh.ParsePrivateKey(req.Key)
	if err != nil {
		return fail("parsing private key: %v", err)
	}

	hostkey := ssh.InsecureIgnoreHostKey()
	if req.Target.KnownHosts != "" {
		cb, err := knownhosts.New(req.Target.KnownHosts)
		if err != nil {
			return fail("loading known hosts: %v", err)
		}
		hostkey = cb
	} else {
		logger.Debug("no known_hosts configured, accepting any host key")
	}

	timeout := tr.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	addr := req.Target.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            req.Target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostkey,
		Timeout:         timeout,
	})
	if err != nil {
		return fail("dialing %v: %v", addr, err)
	}
	defer client.Close()

	sftpc, err := sftp.NewClient(client)
	if err != nil {
		return fail("opening sftp channel: %v", err)
	}
	defer sftpc.Close()

	for i, a := range req.Artifacts {
		if ctx.Err() != nil {
			res.Files = i
			return fail("transfer interrupted: %v", ctx.Err())
		}

		if err := put(sftpc, a, req.Target.Dir); err != nil {
			res.Files = i
			return fail("transferring %v: %v", a.Rel, err)
		}

		if req.Output != nil {
			fmt.Fprintf(req.Output, "transferred %v\n", a.Rel)
		}
	}

	res.Files = len(req.Artifacts)
	res.Transferred = true

	logger.WithField("files", res.Files).Debug("transfer complete")

	if req.Target.PostCommand == "" {
		res.PostCommandOK = true
		res.Duration = time.Since(start)
		return res
	}

	if err := runPost(ctx, client, req); err != nil {
		return fail("post command: %v", err)
	}

	res.PostCommandOK = true
	res.Duration = time.Since(start)
	return res
}

// put uploads one artifact, creating remote directories as needed and
// overwriting whatever was there. The file mode is preserved so
// deployed binaries stay executable.
func put(sftpc *sftp.Client, a Artifact, dir string) error {
	remote := path.Join(dir, a.Rel)

	if err := sftpc.MkdirAll(path.Dir(remote)); err != nil {
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

	dst, err := sftpc.Create(remote)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return sftpc.Chmod(remote, info.Mode().Perm())
}

func runPost(ctx context.Context, client *ssh.Client, req Request) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	if req.Output != nil {
		sess.Stdout = req.Output
		sess.Stderr = req.Output
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(req.Target.PostCommand)
	}()

	select {
	case err := <-done:
		var exiterr *ssh.ExitError
		if errors.As(err, &exiterr) {
			return fmt.Errorf("exited %v", exiterr.ExitStatus())
		}
		return err
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}
