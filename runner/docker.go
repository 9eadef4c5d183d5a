package runner

import (
	"context"
	"fmt"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// workspaceMount is where the build workspace shows up inside stage
// containers.
const workspaceMount = "/convey/workspace"

// Docker runs stage commands in one-shot containers. The build
// workspace is bind-mounted into every container, so stages share
// state through the filesystem the same way they do under the local
// runner.
type Docker struct {
	client *docker.Client
}

// NewDocker returns a Docker runner connected to the daemon described
// by the DOCKER_HOST family of environment variables.
func NewDocker() (*Docker, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		logger.WithError(err).Debug("unable to create docker client")
		return nil, err
	}

	return &Docker{client: client}, nil
}

// Run executes the spec's command in a fresh container and reports how
// it exited. The container is removed afterwards, pass or fail.
func (r *Docker) Run(ctx context.Context, spec Spec) (Result, error) {
	logger := logger.WithFields(log.Fields{
		"runner": "docker",
		"stage":  spec.Stage,
		"image":  spec.Image,
	})

	runctx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()

	if err := r.ensureImage(runctx, spec.Image); err != nil {
		logger.WithError(err).Debug("unable to ensure stage image")
		return Result{Duration: time.Since(start)}, err
	}

	env := []string{}
	for name, value := range spec.Env {
		env = append(env, name+"="+value)
	}

	ctr, err := r.client.CreateContainer(docker.CreateContainerOptions{
		Name: fmt.Sprintf("convey.%v", uuid.New()),
		Config: &docker.Config{
			Image:      spec.Image,
			Cmd:        []string{"sh", "-c", spec.Command},
			Env:        env,
			WorkingDir: workspaceMount,
		},
		HostConfig: &docker.HostConfig{
			Binds: []string{spec.Dir + ":" + workspaceMount},
		},
		Context: runctx,
	})
	if err != nil {
		logger.WithError(err).Debug("unable to create stage container")
		return Result{Duration: time.Since(start)}, err
	}

	defer func() {
		err := r.client.RemoveContainer(docker.RemoveContainerOptions{
			ID:    ctr.ID,
			Force: true,
		})
		if err != nil {
			logger.WithError(err).Debug("unable to remove stage container")
		}
	}()

	logger = logger.WithField("container", ctr.ID)
	logger.Debug("starting stage container")

	err = r.client.StartContainerWithContext(ctr.ID, nil, runctx)
	if err != nil {
		logger.WithError(err).Debug("unable to start stage container")
		return Result{Duration: time.Since(start)}, err
	}

	code, err := r.client.WaitContainerWithContext(ctr.ID, runctx)
	res := Result{Duration: time.Since(start)}

	if runctx.Err() == context.DeadlineExceeded {
		logger.Debug("stage container timed out")

		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if runctx.Err() == context.Canceled {
		return res, runctx.Err()
	}
	if err != nil {
		logger.WithError(err).Debug("unable to wait on stage container")
		return res, err
	}

	if spec.Output != nil {
		err := r.client.Logs(docker.LogsOptions{
			Container:    ctr.ID,
			OutputStream: spec.Output,
			ErrorStream:  spec.Output,
			Stdout:       true,
			Stderr:       true,
			Context:      ctx,
		})
		if err != nil {
			// The command already ran; a log fetch failure
			// shouldn't change its outcome.
			logger.WithError(err).Debug("unable to fetch container logs")
		}
	}

	res.ExitCode = code
	return res, nil
}

func (r *Docker) ensureImage(ctx context.Context, image string) error {
	_, err := r.client.InspectImage(image)
	if err == nil {
		return nil
	}
	if err != docker.ErrNoSuchImage {
		return err
	}

	repo, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}

	logger.WithField("image", image).Debug("pulling stage image")

	return r.client.PullImage(docker.PullImageOptions{
		Repository: repo,
		Tag:        tag,
		Context:    ctx,
	}, docker.AuthConfiguration{})
}
