package http

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// jobResponse is a job definition trimmed for the API. Credentials are
// opaque handles so they're safe to show; env values are not, so they
// stay out.
type jobResponse struct {
	Name       string   `json:"name"`
	Repo       string   `json:"repo"`
	RefPattern string   `json:"ref_pattern"`
	Policy     string   `json:"policy"`
	Runner     string   `json:"runner"`
	Stages     []string `json:"stages"`
	Targets    []string `json:"deploy_targets"`
}

func (srv *Server) handleGetJobs(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	reqSub := req.Context().Value(keyReqSub).(string)
	logger := logger.WithFields(logrus.Fields{
		"request_id":      reqID,
		"request_subject": reqSub,
	})

	jobs := []jobResponse{}
	for _, job := range srv.cfg.Jobs {
		resp := jobResponse{
			Name:       job.Name,
			Repo:       job.Repo,
			RefPattern: job.RefPattern,
			Policy:     job.Policy,
			Runner:     job.Runner,
			Stages:     []string{},
			Targets:    []string{},
		}

		for _, stage := range job.Stages {
			resp.Stages = append(resp.Stages, stage.Name)
		}
		for _, target := range job.Targets {
			resp.Targets = append(resp.Targets, target.Label())
		}

		jobs = append(jobs, resp)
	}

	logger.Debug("marshaling response body")

	buf, err := json.Marshal(jobs)
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusOK)
	rw.Write(buf)
	return
}
