package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/store"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

type ctxkey int

const (
	keyReqID ctxkey = iota
	keyReqSub
)

func init() {
	logger = logrus.WithField("package", "http")
}

// apiStore is a grouping of the minimum number of store
// interfaces the API needs to work.
type apiStore interface {
	GetBuild(id uint64) (store.Build, error)
	GetBuilds(job string, limit int) ([]store.Build, error)
}

// Server is a net/http.Server with dependencies like the build store
// and the trigger channel feeding the scheduler.
type Server struct {
	st        apiStore
	cfg       config.Config
	triggerch chan<- store.TriggerEvent

	hooksecret []byte
	jwtsecret  []byte
	admintoken string

	dedup *dedup

	*http.Server
}

// NewServer returns a Server listening on `addr`. Accepted push hooks
// become TriggerEvents on triggerch; redeliveries of a tuple already
// seen inside dedupWindow come through marked duplicate.
func NewServer(addr string, triggerch chan<- store.TriggerEvent, st apiStore, cfg config.Config, hooksecret, jwtsecret []byte, admintoken string, dedupWindow time.Duration) *Server {
	srv := &Server{
		Server: &http.Server{
			Addr: addr,
		},

		st:        st,
		cfg:       cfg,
		triggerch: triggerch,

		hooksecret: hooksecret,
		jwtsecret:  jwtsecret,
		admintoken: admintoken,

		dedup: newDedup(dedupWindow),
	}

	r := mux.NewRouter()
	srv.Handler = r

	r.Handle("/", chain(getRoot, setRequestID, logRequest)).
		Methods(http.MethodGet)

	// The hook endpoint authenticates with the shared hook secret, not
	// a bearer token, so it stays outside checkAuth.
	r.Handle("/hooks/push", chain(srv.handleHook, setRequestID, logRequest)).
		Methods(http.MethodPost)

	r.Handle("/auth", chain(srv.handleAuth, setRequestID, logRequest)).
		Methods(http.MethodPost)

	r.Handle("/jobs", chain(
		srv.handleGetJobs,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodGet)

	r.Handle("/builds", chain(
		srv.handleGetBuilds,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodGet)

	r.Handle("/builds/{id}", chain(
		srv.handleGetBuild,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodGet)

	r.Handle("/builds/{id}/stages/{stage}/log", chain(
		srv.handleGetStageLog,
		setRequestID,
		logRequest,
		srv.checkAuth,
	)).Methods(http.MethodGet)

	return srv
}

func getRoot(rw http.ResponseWriter, req *http.Request) {
	buf, _ := json.Marshal(map[string]string{
		"name": "conveyd",
	})

	rw.WriteHeader(http.StatusOK)
	rw.Write(buf)
}

// Middleware is a function that can intercept the handling of an HTTP request
// to do something useful.
type middleware func(http.HandlerFunc) http.HandlerFunc

// Chain builds the final http.Handler from all the middlewares passed to it.
func chain(f http.HandlerFunc, mw ...middleware) http.Handler {
	// Because function calls are placed on a stack, they need to
	// be applied in reverse order from what they are passed in,
	// in order for calls to Chain() to be intuitive.
	for i := len(mw) - 1; i >= 0; i-- {
		f = mw[i](f)
	}

	return f
}

// SetRequestID sets a UUID on the request so that it can be tracked through
// logs, metrics and instrumentation.
func setRequestID(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		id := uuid.New().String()

		ctx := context.WithValue(req.Context(), keyReqID, id)
		logger.WithField("request_id", id).
			Debug("setting request ID")

		f(rw, req.WithContext(ctx))
	}
}

// LogRequest logs useful information about the request. It must have a
// "request_id" set on the request context.
func logRequest(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		reqid := req.Context().Value(keyReqID).(string)

		logger := logger.WithField("request_id", reqid)

		logger.Infof("%v %v", req.Method, req.URL)

		f(rw, req)
	}
}

func (srv *Server) checkAuth(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		hdrline, ok := req.Header["Authorization"]
		if !ok {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		hdr := strings.Split(hdrline[0], " ")

		if len(hdr) < 2 {
			err := errors.New("missing bearer token")

			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		// Tokens come in the form of "Bearer $TOKEN"
		bearer := hdr[1]

		keyfn := func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				err := errors.New("invalid signing method for bearer token")

				return nil, err
			}

			return srv.jwtsecret, nil
		}

		token, err := jwt.ParseWithClaims(bearer, &jwt.StandardClaims{}, keyfn)
		if err != nil {
			logger.WithError(err).Error("unable to authorize request")
			writeErrResp(rw, err, http.StatusUnauthorized)
			return
		}

		if claims, ok := token.Claims.(*jwt.StandardClaims); ok && token.Valid {
			if time.Now().Unix() > claims.ExpiresAt {
				err := errors.New("token expired")
				logger.WithError(err).Error("unable to authorize request")
				writeErrResp(rw, err, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(req.Context(), keyReqSub, claims.Subject)
			logger.WithField("sub", claims.Subject).
				Debug("setting auth subject")

			f(rw, req.WithContext(ctx))
			return
		}

		err = errors.New("invalid bearer token")
		logger.WithError(err).Error("unable to authorize request")
		writeErrResp(rw, err, http.StatusUnauthorized)
		return
	}
}

func writeErrResp(rw http.ResponseWriter, err error, status int) {
	buf, err := json.Marshal(map[string]string{
		"error": err.Error(),
	})
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(status)
	rw.Write(buf)
}
