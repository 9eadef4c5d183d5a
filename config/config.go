package config

import (
	"fmt"
	"io/ioutil"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "config",
	})
}

// Concurrency policies a job can declare. Serial queues triggers behind
// the running build; latest-wins supersedes a queued build when a newer
// trigger for the same job arrives.
const (
	PolicySerial     = "serial"
	PolicyLatestWins = "latest-wins"
)

// Runners a job can declare its command stages to run on.
const (
	RunnerLocal  = "local"
	RunnerDocker = "docker"
)

// Transport kinds a deploy target can declare.
const (
	KindSSH  = "ssh"
	KindCopy = "copy"
)

// StageCheckout is the reserved name of the checkout stage. It must be
// the first stage of every job and carries no command of its own.
const StageCheckout = "checkout"

// Duration wraps time.Duration so stage timeouts can be written as
// "90s" or "10m" in job documents.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full set of job definitions loaded at startup. It's
// read-only once loaded; builds never mutate it.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

// Job is a statically configured pipeline bound to a repository and a
// ref pattern.
type Job struct {
	Name string `yaml:"name"`

	// Repo is the repository identity matched against the hook
	// payload. URL is the clone URL; it defaults to Repo.
	Repo string `yaml:"repo"`
	URL  string `yaml:"url"`

	// RefPattern is a path.Match pattern tried against the pushed
	// ref, both as delivered and with the refs/heads/ or refs/tags/
	// prefix stripped. Defaults to "*".
	RefPattern string `yaml:"ref_pattern"`

	Policy string `yaml:"policy"`
	Runner string `yaml:"runner"`

	// Image is the container image command stages run in. Only
	// consulted by the docker runner.
	Image string `yaml:"image"`

	Env map[string]string `yaml:"env"`

	// Credential names the secret holding a deploy key for cloning
	// private repositories. Empty means the repository is reachable
	// without credentials.
	Credential string `yaml:"credential"`

	// StageTimeout caps stages that don't declare their own timeout.
	// Zero falls back to the engine-wide default.
	StageTimeout Duration `yaml:"stage_timeout"`

	Stages  []Stage        `yaml:"stages"`
	Targets []DeployTarget `yaml:"deploy_targets"`

	// DeployParallel transfers to all targets concurrently instead
	// of one at a time.
	DeployParallel bool `yaml:"deploy_parallel"`
}

// Stage is one ordered step of a job. A stage with a command is an
// opaque command invocation; a stage with an artifact selector is the
// deploy stage.
type Stage struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Artifacts []string `yaml:"artifacts"`
	Timeout   Duration `yaml:"timeout"`
}

// IsCheckout reports whether this is the reserved checkout stage.
func (s Stage) IsCheckout() bool {
	return s.Name == StageCheckout
}

// IsDeploy reports whether this stage ships artifacts to the job's
// deploy targets.
func (s Stage) IsDeploy() bool {
	return len(s.Artifacts) > 0
}

// DeployTarget is one remote destination for the deploy stage.
type DeployTarget struct {
	Kind string `yaml:"kind"`
	Host string `yaml:"host"`
	User string `yaml:"user"`

	// Dir is the remote directory artifacts land in. Relative paths
	// of the matched artifacts are preserved beneath it.
	Dir string `yaml:"remote_directory"`

	// Credential is the secret handle resolved to SSH key material
	// at deploy time.
	Credential string `yaml:"credential"`

	// PostCommand, when set, runs on the target after a successful
	// transfer. Its exit status is reported separately from the
	// transfer outcome.
	PostCommand string `yaml:"post_command"`

	// StripPrefix rewrites artifact paths before transfer, so
	// "dist/index.html" can land as "index.html".
	StripPrefix string `yaml:"strip_prefix"`

	// KnownHosts points at an OpenSSH known_hosts file used to
	// verify the target's host key. Empty accepts any host key.
	KnownHosts string `yaml:"known_hosts"`
}

// Label identifies the target in stage results and notifications.
func (t DeployTarget) Label() string {
	if t.Host == "" {
		return fmt.Sprintf("%v:%v", t.Kind, t.Dir)
	}

	return fmt.Sprintf("%v:%v", t.Host, t.Dir)
}

// Load reads and validates the job definitions at path.
func Load(path string) (Config, error) {
	logger := logger.WithField("path", path)
	logger.Debug("loading job definitions")

	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %v: %v", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logger.Debugf("loaded %v jobs", len(cfg.Jobs))

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]

		if job.URL == "" {
			job.URL = job.Repo
		}
		if job.RefPattern == "" {
			job.RefPattern = "*"
		}
		if job.Policy == "" {
			job.Policy = PolicySerial
		}
		if job.Runner == "" {
			job.Runner = RunnerLocal
		}

		for j := range job.Targets {
			if job.Targets[j].Kind == "" {
				job.Targets[j].Kind = KindSSH
			}
		}
	}
}

// Validate checks the whole document. It returns the first problem
// found so the operator gets a concrete line to fix.
func (cfg Config) Validate() error {
	if len(cfg.Jobs) == 0 {
		return fmt.Errorf("no jobs defined")
	}

	seen := map[string]bool{}
	for _, job := range cfg.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job with empty name")
		}
		if seen[job.Name] {
			return fmt.Errorf("job %v: duplicate name", job.Name)
		}
		seen[job.Name] = true

		if err := job.validate(); err != nil {
			return fmt.Errorf("job %v: %v", job.Name, err)
		}
	}

	return nil
}

func (job Job) validate() error {
	if job.Repo == "" {
		return fmt.Errorf("missing repo")
	}

	if _, err := path.Match(job.RefPattern, "x"); err != nil {
		return fmt.Errorf("bad ref_pattern %q: %v", job.RefPattern, err)
	}

	if job.Policy != PolicySerial && job.Policy != PolicyLatestWins {
		return fmt.Errorf("unknown policy %q", job.Policy)
	}

	if job.Runner != RunnerLocal && job.Runner != RunnerDocker {
		return fmt.Errorf("unknown runner %q", job.Runner)
	}
	if job.Runner == RunnerDocker && job.Image == "" {
		return fmt.Errorf("docker runner needs an image")
	}

	if len(job.Stages) == 0 {
		return fmt.Errorf("no stages")
	}
	if !job.Stages[0].IsCheckout() {
		return fmt.Errorf("first stage must be %q", StageCheckout)
	}

	deploys := 0
	stageSeen := map[string]bool{}
	for i, stage := range job.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage %v: empty name", i)
		}
		// Stage names become log file names and URL path segments.
		if strings.Contains(stage.Name, "/") {
			return fmt.Errorf("stage %v: name must not contain '/'", stage.Name)
		}
		if stageSeen[stage.Name] {
			return fmt.Errorf("stage %v: duplicate name", stage.Name)
		}
		stageSeen[stage.Name] = true

		if stage.IsCheckout() {
			if i != 0 {
				return fmt.Errorf("stage %v: %q must come first", i, StageCheckout)
			}
			if stage.Command != "" {
				return fmt.Errorf("checkout stage carries no command")
			}
			continue
		}

		if stage.IsDeploy() {
			deploys++
			if stage.Command != "" {
				return fmt.Errorf("stage %v: declares both command and artifacts", stage.Name)
			}
			continue
		}

		if stage.Command == "" {
			return fmt.Errorf("stage %v: missing command", stage.Name)
		}
	}

	if deploys > 1 {
		return fmt.Errorf("more than one deploy stage")
	}
	if deploys == 1 && len(job.Targets) == 0 {
		return fmt.Errorf("deploy stage but no deploy_targets")
	}

	for _, target := range job.Targets {
		if err := target.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (t DeployTarget) validate() error {
	if t.Dir == "" {
		return fmt.Errorf("target %v: missing remote_directory", t.Label())
	}

	switch t.Kind {
	case KindSSH:
		if t.Host == "" {
			return fmt.Errorf("target %v: ssh target needs a host", t.Label())
		}
		if t.User == "" {
			return fmt.Errorf("target %v: ssh target needs a user", t.Label())
		}
		if t.Credential == "" {
			return fmt.Errorf("target %v: ssh target needs a credential", t.Label())
		}
	case KindCopy:
		// Host and credential are meaningless for a local copy.
	default:
		return fmt.Errorf("target %v: unknown kind %q", t.Label(), t.Kind)
	}

	return nil
}

// Match resolves a push to a job definition. The first job whose repo
// matches the payload's repository identity and whose ref pattern
// matches the pushed ref wins. The boolean is false when nothing
// matches; that's a normal outcome, not an error.
func (cfg Config) Match(repo, ref string) (Job, bool) {
	for _, job := range cfg.Jobs {
		if job.Repo != repo && job.URL != repo {
			continue
		}

		if matchRef(job.RefPattern, ref) {
			return job, true
		}
	}

	return Job{}, false
}

func matchRef(pattern, ref string) bool {
	if ok, _ := path.Match(pattern, ref); ok {
		return true
	}

	short := strings.TrimPrefix(ref, "refs/heads/")
	short = strings.TrimPrefix(short, "refs/tags/")
	if short == ref {
		return false
	}

	ok, _ := path.Match(pattern, short)
	return ok
}
