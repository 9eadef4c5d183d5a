package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/run-ci/convey/store"
	"github.com/sirupsen/logrus"
)

// defaultBuildLimit caps how many builds come back when the request
// doesn't set its own limit.
const defaultBuildLimit = 50

func (srv *Server) handleGetBuilds(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	reqSub := req.Context().Value(keyReqSub).(string)
	logger := logger.WithFields(logrus.Fields{
		"request_id":      reqID,
		"request_subject": reqSub,
	})

	job := req.URL.Query().Get("job")

	limit := defaultBuildLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			logger.WithError(err).Error("unable to parse limit as integer")

			writeErrResp(rw, err, http.StatusBadRequest)
			return
		}

		limit = parsed
	}

	logger = logger.WithFields(logrus.Fields{
		"job":   job,
		"limit": limit,
	})

	logger.Debug("retrieving builds from store")

	builds, err := srv.st.GetBuilds(job, limit)
	if err != nil {
		logger.WithError(err).Error("unable to retrieve builds")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	logger.Debug("marshaling response body")

	buf, err := json.Marshal(builds)
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusOK)
	rw.Write(buf)
	return
}

func (srv *Server) handleGetBuild(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	reqSub := req.Context().Value(keyReqSub).(string)
	logger := logger.WithFields(logrus.Fields{
		"request_id":      reqID,
		"request_subject": reqSub,
	})

	build, ok := srv.buildFromVars(rw, req, logger)
	if !ok {
		return
	}

	logger.Debug("marshaling response body")

	buf, err := json.Marshal(build)
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusOK)
	rw.Write(buf)
	return
}

// handleGetStageLog serves the captured output of one stage. The log
// lives on disk under the path the executor recorded in the stage
// result, so the store stays small and logs stream straight from the
// file.
func (srv *Server) handleGetStageLog(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	reqSub := req.Context().Value(keyReqSub).(string)
	logger := logger.WithFields(logrus.Fields{
		"request_id":      reqID,
		"request_subject": reqSub,
	})

	build, ok := srv.buildFromVars(rw, req, logger)
	if !ok {
		return
	}

	vars := mux.Vars(req)
	stage, ok := vars["stage"]
	if !ok || stage == "" {
		err := errors.New("missing paramter 'stage' from request")
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	logger = logger.WithField("stage", stage)

	var logsref string
	for _, result := range build.StageResults {
		if result.Name == stage {
			logsref = result.LogsRef
			break
		}
	}

	if logsref == "" {
		err := errors.New("no log recorded for stage")
		logger.WithError(err).Error("unable to retrieve stage log")

		writeErrResp(rw, err, http.StatusNotFound)
		return
	}

	logfile, err := os.Open(logsref)
	if err != nil {
		logger.WithError(err).Error("unable to open stage log")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}
	defer logfile.Close()

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	io.Copy(rw, logfile)
	return
}

// buildFromVars parses the build ID out of the route and loads the
// build, writing the error response itself when anything goes wrong.
func (srv *Server) buildFromVars(rw http.ResponseWriter, req *http.Request, logger *logrus.Entry) (store.Build, bool) {
	logger.Debug("checking mux vars for id")
	vars := mux.Vars(req)

	raw, ok := vars["id"]
	if !ok || raw == "" {
		err := errors.New("missing paramter 'id' from request")
		logger.WithError(err).Error("unable to complete request")

		writeErrResp(rw, err, http.StatusBadRequest)
		return store.Build{}, false
	}

	logger.Debug("parsing id")

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		logger.WithError(err).Error("unable to parse build id as integer")

		writeErrResp(rw, err, http.StatusBadRequest)
		return store.Build{}, false
	}

	logger.WithField("build", id).Debug("retrieving build from store")

	build, err := srv.st.GetBuild(id)
	if err == store.ErrBuildNotFound {
		logger.WithError(err).Error("unable to retrieve build")

		writeErrResp(rw, err, http.StatusNotFound)
		return store.Build{}, false
	}
	if err != nil {
		logger.WithError(err).Error("unable to retrieve build")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return store.Build{}, false
	}

	return build, true
}
