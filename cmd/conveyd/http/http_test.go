package http

import (
	"context"
	"net/http"
	"time"

	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/store"
)

type memStore struct {
	builddb map[uint64]store.Build

	getBuilds func(job string, limit int) ([]store.Build, error)
}

func (st *memStore) GetBuild(id uint64) (store.Build, error) {
	b, ok := st.builddb[id]
	if !ok {
		return store.Build{}, store.ErrBuildNotFound
	}

	return b, nil
}

func (st *memStore) GetBuilds(job string, limit int) ([]store.Build, error) {
	if st.getBuilds != nil {
		return st.getBuilds(job, limit)
	}

	ret := []store.Build{}
	for _, b := range st.builddb {
		if job != "" && b.Job != job {
			continue
		}
		if limit > 0 && len(ret) >= limit {
			break
		}

		ret = append(ret, b)
	}

	return ret, nil
}

func (st *memStore) seedBuilds() {
	st.builddb[1] = store.Build{
		ID:  1,
		Job: "site",
		Trigger: store.TriggerEvent{
			Repo: "git@githost.test:org/site.git",
			Ref:  "main",
			SHA:  "abc123",
		},
		State: store.BuildSucceeded,
		StageResults: []store.StageResult{
			{Name: "checkout", Status: store.StagePassed},
			{Name: "test", Status: store.StagePassed},
			{Name: "deploy", Status: store.StagePassed},
		},
	}

	st.builddb[2] = store.Build{
		ID:  2,
		Job: "docs",
		Trigger: store.TriggerEvent{
			Repo: "git@githost.test:org/docs.git",
			Ref:  "main",
			SHA:  "def456",
		},
		State: store.BuildRunning,
	}
}

func testConfig() config.Config {
	return config.Config{
		Jobs: []config.Job{
			{
				Name:       "site",
				Repo:       "git@githost.test:org/site.git",
				URL:        "git@githost.test:org/site.git",
				RefPattern: "main",
				Policy:     config.PolicySerial,
				Runner:     config.RunnerLocal,
				Stages: []config.Stage{
					{Name: "checkout"},
					{Name: "test", Command: "make test"},
					{Name: "deploy", Artifacts: []string{"dist/**"}},
				},
				Targets: []config.DeployTarget{
					{Kind: config.KindSSH, Host: "web.test", User: "deploy",
						Dir: "/var/www/html", Credential: "deploy-key"},
				},
			},
		},
	}
}

func testServer(st *memStore, triggerch chan<- store.TriggerEvent) *Server {
	return NewServer(":9001", triggerch, st, testConfig(),
		[]byte("hooksecret"), []byte("jwtsecret"), "admintoken", time.Minute)
}

// authedReq stamps the context values the middleware chain would have
// set, so handlers can be exercised directly.
func authedReq(req *http.Request) *http.Request {
	ctx := context.WithValue(req.Context(), keyReqID, "test")
	ctx = context.WithValue(ctx, keyReqSub, "admin")

	return req.WithContext(ctx)
}
