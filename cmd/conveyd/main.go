package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/run-ci/convey/cmd/conveyd/http"
	"github.com/run-ci/convey/cmd/conveyd/queue"
	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/deploy"
	"github.com/run-ci/convey/notify"
	"github.com/run-ci/convey/pipeline"
	"github.com/run-ci/convey/runner"
	"github.com/run-ci/convey/scheduler"
	"github.com/run-ci/convey/secret"
	"github.com/run-ci/convey/store"

	nats "github.com/nats-io/go-nats"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

var (
	httpAddr   string
	jobsfile   string
	hooksecret string
	jwtsecret  string
	admintoken string
	datadir    string
	secretsdir string

	pgconnstr string

	natsURL     string
	natsSubject string

	notifyURL    string
	notifySecret string

	maxBuilds    int
	dedupWindow  time.Duration
	stageTimeout time.Duration
)

func init() {
	lvl, err := logrus.ParseLevel(os.Getenv("CONVEY_LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logrus.SetLevel(lvl)

	logger = logrus.WithField("package", "main")

	httpAddr = os.Getenv("CONVEY_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":9001"
	}

	jobsfile = os.Getenv("CONVEY_JOBS_FILE")
	if jobsfile == "" {
		logger.Fatal("need CONVEY_JOBS_FILE")
	}

	hooksecret = os.Getenv("CONVEY_HOOK_SECRET")
	if hooksecret == "" {
		logger.Warn("CONVEY_HOOK_SECRET not set - accepting unauthenticated hooks (HIGHLY INSECURE!)")
	}

	jwtsecret = os.Getenv("CONVEY_JWT_SECRET")
	if jwtsecret == "" {
		logger.Warn("CONVEY_JWT_SECRET not set - defaulting to \"\" (HIGHLY INSECURE!)")
	}

	admintoken = os.Getenv("CONVEY_ADMIN_TOKEN")
	if admintoken == "" {
		logger.Warn("CONVEY_ADMIN_TOKEN not set - /auth is disabled")
	}

	datadir = os.Getenv("CONVEY_DATA_DIR")
	if datadir == "" {
		logger.Info("CONVEY_DATA_DIR not set - defaulting to /var/lib/convey")
		datadir = "/var/lib/convey"
	}

	secretsdir = os.Getenv("CONVEY_SECRETS_DIR")

	pguser := os.Getenv("CONVEY_POSTGRES_USER")
	if pguser != "" {
		pgpass := os.Getenv("CONVEY_POSTGRES_PASS")
		if pgpass == "" {
			logger.Fatal("need CONVEY_POSTGRES_PASS")
		}

		pghref := os.Getenv("CONVEY_POSTGRES_HREF")
		if pghref == "" {
			logger.Fatal("need CONVEY_POSTGRES_HREF")
		}

		pgdb := os.Getenv("CONVEY_POSTGRES_DB")
		if pgdb == "" {
			logger.Fatal("need CONVEY_POSTGRES_DB")
		}

		pgssl := os.Getenv("CONVEY_POSTGRES_SSL")
		if pgssl == "" {
			logger.Info("CONVEY_POSTGRES_SSL not set - defaulting to verify-full")
			pgssl = "verify-full"
		}

		pgconnstr = fmt.Sprintf("postgres://%v:%v@%v/%v?sslmode=%v",
			pguser, pgpass, pghref, pgdb, pgssl)
	}

	natsURL = os.Getenv("CONVEY_NATS_URL")
	natsSubject = os.Getenv("CONVEY_NATS_SUBJECT")
	if natsURL != "" && natsSubject == "" {
		logger.Warn("CONVEY_NATS_SUBJECT not set - defaulting to \"builds\"")
		natsSubject = "builds"
	}
	if natsURL == "" && natsSubject != "" {
		logger.Warnf("setting NATS url to %v", nats.DefaultURL)
		natsURL = nats.DefaultURL
	}

	notifyURL = os.Getenv("CONVEY_NOTIFY_URL")
	notifySecret = os.Getenv("CONVEY_NOTIFY_SECRET")

	maxBuilds = 0
	if raw := os.Getenv("CONVEY_MAX_BUILDS"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			logger.WithError(err).Fatal("unable to parse CONVEY_MAX_BUILDS")
		}
		maxBuilds = parsed
	}

	dedupWindow = 5 * time.Minute
	if raw := os.Getenv("CONVEY_DEDUP_WINDOW"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.WithError(err).Fatal("unable to parse CONVEY_DEDUP_WINDOW")
		}
		dedupWindow = parsed
	}

	stageTimeout = 0
	if raw := os.Getenv("CONVEY_STAGE_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.WithError(err).Fatal("unable to parse CONVEY_STAGE_TIMEOUT")
		}
		stageTimeout = parsed
	}
}

func main() {
	logger.Info("booting server...")

	logger.Info("loading job definitions")
	cfg, err := config.Load(jobsfile)
	if err != nil {
		logger.WithError(err).Fatal("unable to load job definitions")
	}

	var st store.BuildStore
	if pgconnstr != "" {
		logger.Info("connecting to database")
		st, err = store.NewPostgres(pgconnstr)
		if err != nil {
			logger.WithError(err).Fatal("unable to connect to postgres")
		}
	} else {
		logger.Warn("no postgres configured - build history is in memory only")
		st = store.NewMemory()
	}

	var secrets secret.Store
	if secretsdir != "" {
		secrets = secret.NewFileStore(secretsdir)
	} else {
		logger.Warn("CONVEY_SECRETS_DIR not set - credential handles won't resolve")
		secrets = secret.Static{}
	}

	runners := runner.Registry{
		config.RunnerLocal: runner.Local{},
	}

	if jobsNeedDocker(cfg) {
		logger.Info("setting up docker runner")
		docker, err := runner.NewDocker()
		if err != nil {
			logger.WithError(err).Fatal("unable to set up docker runner")
		}
		runners[config.RunnerDocker] = docker
	}

	transports := deploy.Registry{
		config.KindSSH:  deploy.SSH{},
		config.KindCopy: deploy.Copy{},
	}

	ex := &pipeline.Executor{
		WorkRoot:     filepath.Join(datadir, "work"),
		LogRoot:      filepath.Join(datadir, "logs"),
		Runners:      runners,
		Transports:   transports,
		Secrets:      secrets,
		Store:        st,
		StageTimeout: stageTimeout,
	}

	sinks := notify.Fanout{notify.LogSink{}}

	if natsURL != "" {
		logger.Info("setting up NATS connection")
		bus, err := queue.NewNATS(natsURL)
		if err != nil {
			logger.WithError(err).Fatal("unable to connect to NATS")
		}

		logger.Info("setting up notification send channel")
		sinks = append(sinks, notify.NewQueueSink(bus.SenderOn(natsSubject)))
	}

	if notifyURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(notifyURL, []byte(notifySecret)))
	}

	logger.Info("starting scheduler")
	sched, err := scheduler.New(cfg, st, ex, sinks, maxBuilds)
	if err != nil {
		logger.WithError(err).Fatal("unable to start scheduler")
	}
	defer sched.Stop()

	triggerch := make(chan store.TriggerEvent, 64)
	go func() {
		for ev := range triggerch {
			sched.Submit(ev)
		}
	}()

	srv := http.NewServer(httpAddr, triggerch, st, cfg,
		[]byte(hooksecret), []byte(jwtsecret), admintoken, dedupWindow)

	logger.WithField("addr", httpAddr).Info("listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("shutting down server")
	}
}

func jobsNeedDocker(cfg config.Config) bool {
	for _, job := range cfg.Jobs {
		if job.Runner == config.RunnerDocker {
			return true
		}
	}

	return false
}
