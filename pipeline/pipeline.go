// Package pipeline drives one build from admitted to terminal. The
// executor owns the build exclusively for that span: it stamps state
// transitions, runs stages in declared order, fails fast, and leaves
// behind an ordered stage trace plus captured logs. Queueing, build
// identity and notification all live in the scheduler.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/deploy"
	"github.com/run-ci/convey/runner"
	"github.com/run-ci/convey/secret"
	"github.com/run-ci/convey/store"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "pipeline",
	})
}

// DefaultStageTimeout bounds stages when neither the stage, the job,
// nor the server configures one.
const DefaultStageTimeout = 30 * time.Minute

// Executor runs admitted builds through their stages.
type Executor struct {
	// WorkRoot holds per-build scratch workspaces. They're removed
	// when the build finishes.
	WorkRoot string

	// LogRoot holds captured stage logs, one directory per build.
	// These persist so the log endpoint can serve them later.
	LogRoot string

	Runners    runner.Registry
	Transports deploy.Registry
	Secrets    secret.Store
	Store      store.BuildStore

	// StageTimeout is the server-wide fallback for jobs that don't
	// set their own. Zero means DefaultStageTimeout.
	StageTimeout time.Duration
}

// Run executes the build to a terminal state. The caller hands over
// ownership of b for the duration of the call; when Run returns the
// build is terminal and persisted.
func (ex *Executor) Run(ctx context.Context, b *store.Build, job config.Job) {
	logger := logger.WithFields(log.Fields{
		"build": b.ID,
		"job":   job.Name,
	})

	b.State = store.BuildRunning
	b.SetStarted()
	ex.persist(b)

	logger.WithFields(log.Fields{
		"ref": b.Trigger.Ref,
		"sha": b.Trigger.SHA,
	}).Info("build started")

	pre, err := ex.preflight(job)
	if err != nil {
		logger.WithError(err).Error("build precondition failed")
		ex.finish(b, store.BuildErrored, err.Error())
		return
	}

	workdir := filepath.Join(ex.WorkRoot, fmt.Sprintf("build-%v", b.ID))
	logdir := filepath.Join(ex.LogRoot, fmt.Sprintf("%v", b.ID))

	if err := os.MkdirAll(workdir, 0700); err != nil {
		logger.WithError(err).Error("unable to create workspace")
		ex.finish(b, store.BuildErrored, "creating workspace: "+err.Error())
		return
	}
	defer os.RemoveAll(workdir)

	if err := os.MkdirAll(logdir, 0755); err != nil {
		logger.WithError(err).Error("unable to create log directory")
		ex.finish(b, store.BuildErrored, "creating log directory: "+err.Error())
		return
	}

	// The clone key lives outside the workspace so artifact globs
	// can never pick it up.
	if pre.cloneKey != nil {
		keyfile := filepath.Join(ex.WorkRoot, fmt.Sprintf("key-%v", b.ID))
		if err := ioutil.WriteFile(keyfile, pre.cloneKey, 0600); err != nil {
			logger.WithError(err).Error("unable to write clone key")
			ex.finish(b, store.BuildErrored, "writing clone key: "+err.Error())
			return
		}
		pre.keyfile = keyfile
		defer os.Remove(keyfile)
	}

	var infraErr error
	failed := false

	for _, stage := range job.Stages {
		if failed || infraErr != nil {
			b.StageResults = append(b.StageResults, store.StageResult{
				Name:   stage.Name,
				Status: store.StageSkipped,
			})
			continue
		}

		out := ex.runStage(ctx, b, job, stage, pre, workdir, logdir)
		b.StageResults = append(b.StageResults, out.result)
		ex.persist(b)

		logger.WithFields(log.Fields{
			"stage":    stage.Name,
			"status":   out.result.Status,
			"duration": out.result.Duration,
		}).Info("stage finished")

		if out.infra != nil {
			infraErr = out.infra
		} else if out.result.Status == store.StageFailed {
			failed = true
		}
	}

	switch {
	case infraErr != nil:
		ex.finish(b, store.BuildErrored, infraErr.Error())
	case failed:
		ex.finish(b, store.BuildFailed, "")
	default:
		ex.finish(b, store.BuildSucceeded, "")
	}

	logger.WithFields(log.Fields{
		"state":    b.State,
		"duration": b.Duration(),
	}).Info("build finished")
}

func (ex *Executor) finish(b *store.Build, state store.BuildState, detail string) {
	b.State = state
	b.Error = detail
	b.SetFinished()
	ex.persist(b)
}

func (ex *Executor) persist(b *store.Build) {
	if err := ex.Store.UpdateBuild(b); err != nil {
		logger.WithError(err).WithField("build", b.ID).
			Error("unable to persist build")
	}
}

// preflight resolves everything a build needs before any stage runs.
// A failure here means nothing was evaluated, so the build errors with
// no stage results at all.
type preflight struct {
	run      runner.Runner
	cloneKey []byte
	keyfile  string
	keys     map[string][]byte
}

func (ex *Executor) preflight(job config.Job) (*preflight, error) {
	run, ok := ex.Runners.For(job.Runner)
	if !ok {
		return nil, fmt.Errorf("no runner for kind %q", job.Runner)
	}

	pre := &preflight{run: run, keys: map[string][]byte{}}

	if job.Credential != "" {
		key, err := ex.Secrets.Get(job.Credential)
		if err != nil {
			return nil, fmt.Errorf("secret %v: %v", job.Credential, err)
		}
		pre.cloneKey = key
	}

	for _, target := range job.Targets {
		if _, ok := ex.Transports.For(target.Kind); !ok {
			return nil, fmt.Errorf("no transport for kind %q", target.Kind)
		}

		if target.Credential == "" {
			continue
		}
		if _, ok := pre.keys[target.Credential]; ok {
			continue
		}

		key, err := ex.Secrets.Get(target.Credential)
		if err != nil {
			return nil, fmt.Errorf("secret %v: %v", target.Credential, err)
		}
		pre.keys[target.Credential] = key
	}

	return pre, nil
}

type stageOutcome struct {
	result store.StageResult

	// infra, when set, stops the build and marks it errored instead
	// of failed.
	infra error
}

func (ex *Executor) runStage(ctx context.Context, b *store.Build, job config.Job, stage config.Stage, pre *preflight, workdir, logdir string) stageOutcome {
	result := store.StageResult{Name: stage.Name}

	logpath := filepath.Join(logdir, stage.Name+".log")
	logfile, err := os.Create(logpath)
	if err != nil {
		result.Status = store.StageFailed
		result.ExitDetail = "creating log file: " + err.Error()
		return stageOutcome{result: result, infra: err}
	}
	defer logfile.Close()
	result.LogsRef = logpath

	switch {
	case stage.IsCheckout():
		return ex.runCheckout(ctx, b, job, stage, pre, workdir, logfile, result)
	case stage.IsDeploy():
		return ex.runDeploy(ctx, job, stage, pre, workdir, logfile, result)
	default:
		return ex.runCommand(ctx, b, job, stage, pre, workdir, logfile, result)
	}
}

func (ex *Executor) runCommand(ctx context.Context, b *store.Build, job config.Job, stage config.Stage, pre *preflight, workdir string, logfile io.Writer, result store.StageResult) stageOutcome {
	timeout := ex.timeoutFor(stage, job)

	res, err := pre.run.Run(ctx, runner.Spec{
		Stage:   stage.Name,
		Command: stage.Command,
		Dir:     workdir,
		Env:     stageEnv(b, job),
		Image:   job.Image,
		Timeout: timeout,
		Output:  logfile,
	})
	result.Duration = res.Duration

	if err != nil {
		result.Status = store.StageFailed
		result.ExitDetail = err.Error()
		return stageOutcome{result: result, infra: fmt.Errorf("stage %v: %v", stage.Name, err)}
	}

	if res.TimedOut {
		result.Status = store.StageFailed
		result.ExitDetail = fmt.Sprintf("timed out after %v", timeout)
		return stageOutcome{result: result}
	}
	if res.ExitCode != 0 {
		result.Status = store.StageFailed
		result.ExitDetail = fmt.Sprintf("exited %v", res.ExitCode)
		return stageOutcome{result: result}
	}

	result.Status = store.StagePassed
	return stageOutcome{result: result}
}

// runCheckout materializes the commit into the workspace. It always
// runs on the host, even for docker jobs, so the workspace can be
// bind-mounted into stage containers afterwards. Checkout failures are
// infrastructure failures: no stage was evaluated against the commit.
func (ex *Executor) runCheckout(ctx context.Context, b *store.Build, job config.Job, stage config.Stage, pre *preflight, workdir string, logfile io.Writer, result store.StageResult) stageOutcome {
	local, ok := ex.Runners.For(config.RunnerLocal)
	if !ok {
		err := fmt.Errorf("no local runner for checkout")
		result.Status = store.StageFailed
		result.ExitDetail = err.Error()
		return stageOutcome{result: result, infra: err}
	}

	// The URL and the commit come in through the environment so
	// payload values never get spliced into a shell line.
	command := `git clone "$CONVEY_CLONE_URL" .`
	if b.Trigger.SHA != "" {
		command += ` && git checkout --detach "$CONVEY_COMMIT"`
	}

	env := stageEnv(b, job)
	env["CONVEY_CLONE_URL"] = job.URL
	env["GIT_TERMINAL_PROMPT"] = "0"
	if pre.keyfile != "" {
		env["GIT_SSH_COMMAND"] = fmt.Sprintf(
			"ssh -i %v -o StrictHostKeyChecking=accept-new", pre.keyfile)
	}

	timeout := ex.timeoutFor(stage, job)

	res, err := local.Run(ctx, runner.Spec{
		Stage:   stage.Name,
		Command: command,
		Dir:     workdir,
		Env:     env,
		Timeout: timeout,
		Output:  logfile,
	})
	result.Duration = res.Duration

	if err != nil {
		result.Status = store.StageFailed
		result.ExitDetail = err.Error()
		return stageOutcome{result: result, infra: fmt.Errorf("checkout: %v", err)}
	}

	if res.TimedOut {
		result.Status = store.StageFailed
		result.ExitDetail = fmt.Sprintf("timed out after %v", timeout)
		return stageOutcome{result: result, infra: fmt.Errorf("checkout timed out after %v", timeout)}
	}
	if res.ExitCode != 0 {
		result.Status = store.StageFailed
		result.ExitDetail = fmt.Sprintf("exited %v", res.ExitCode)
		return stageOutcome{result: result, infra: fmt.Errorf("checkout exited %v", res.ExitCode)}
	}

	result.Status = store.StagePassed
	return stageOutcome{result: result}
}

// runDeploy fans artifacts out to the job's targets. Targets are
// isolated from each other: every one gets attempted and reports its
// own outcome, and the stage passes only if all of them came back ok.
func (ex *Executor) runDeploy(ctx context.Context, job config.Job, stage config.Stage, pre *preflight, workdir string, logfile io.Writer, result store.StageResult) stageOutcome {
	start := time.Now()

	artifacts, err := deploy.SelectArtifacts(workdir, stage.Artifacts)
	if err != nil {
		result.Status = store.StageFailed
		result.ExitDetail = err.Error()
		result.Duration = time.Since(start)
		return stageOutcome{result: result}
	}

	fmt.Fprintf(logfile, "selected %v artifacts for %v targets\n",
		len(artifacts), len(job.Targets))

	output := &lockedWriter{w: logfile}
	transfers := make([]store.TransferResult, len(job.Targets))

	deployOne := func(i int, target config.DeployTarget) {
		tr, _ := ex.Transports.For(target.Kind)
		transfers[i] = tr.Deploy(ctx, deploy.Request{
			Target:    target,
			Artifacts: deploy.Rebase(artifacts, target.StripPrefix),
			Key:       pre.keys[target.Credential],
			Output:    output,
		})
	}

	if job.DeployParallel {
		var wg sync.WaitGroup
		for i, target := range job.Targets {
			wg.Add(1)
			go func(i int, target config.DeployTarget) {
				defer wg.Done()
				deployOne(i, target)
			}(i, target)
		}
		wg.Wait()
	} else {
		for i, target := range job.Targets {
			deployOne(i, target)
		}
	}

	result.Transfers = transfers
	result.Duration = time.Since(start)

	ok := 0
	for _, tr := range transfers {
		if tr.OK() {
			ok++
		}
	}

	if ok != len(transfers) {
		result.Status = store.StageFailed
		result.ExitDetail = fmt.Sprintf("%v/%v targets ok", ok, len(transfers))
		return stageOutcome{result: result}
	}

	result.Status = store.StagePassed
	return stageOutcome{result: result}
}

func (ex *Executor) timeoutFor(stage config.Stage, job config.Job) time.Duration {
	if stage.Timeout > 0 {
		return stage.Timeout.Std()
	}
	if job.StageTimeout > 0 {
		return job.StageTimeout.Std()
	}
	if ex.StageTimeout > 0 {
		return ex.StageTimeout
	}

	return DefaultStageTimeout
}

// stageEnv is the environment every stage command sees. Job env comes
// first so the build identity variables can't be shadowed.
func stageEnv(b *store.Build, job config.Job) map[string]string {
	env := map[string]string{}
	for name, value := range job.Env {
		env[name] = value
	}

	env["CONVEY_BUILD_ID"] = fmt.Sprintf("%v", b.ID)
	env["CONVEY_JOB"] = job.Name
	env["CONVEY_REPO"] = b.Trigger.Repo
	env["CONVEY_REF"] = b.Trigger.Ref
	env["CONVEY_COMMIT"] = b.Trigger.SHA

	return env
}

// lockedWriter serializes writes from parallel deploy targets into the
// shared stage log.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return lw.w.Write(p)
}
