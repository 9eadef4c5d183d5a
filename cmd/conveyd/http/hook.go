package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/run-ci/convey/store"
)

// Headers a push delivery authenticates with. A signature is an HMAC
// SHA-256 of the raw body; a token is compared directly. Either one
// satisfies the endpoint.
const (
	hdrSignature = "X-Convey-Signature"
	hdrToken     = "X-Convey-Token"
	hdrDelivery  = "X-Convey-Delivery"
)

// pushPayload is the inbound push notification document. Repo, Ref and
// SHA are required; everything else about the upstream push is ignored.
type pushPayload struct {
	Repo    string `json:"repository"`
	RepoURL string `json:"repository_url"`
	Ref     string `json:"ref"`
	SHA     string `json:"commit_sha"`
}

func (p pushPayload) repo() string {
	if p.Repo != "" {
		return p.Repo
	}

	return p.RepoURL
}

// handleHook takes one push delivery, verifies it against the hook
// secret and acknowledges receipt. The 202 means "trigger accepted",
// never "build succeeded": the pipeline hasn't run yet when the
// response goes out, and upstream notifiers redeliver on anything
// else, so acknowledgement and outcome stay separate status codes.
func (srv *Server) handleHook(rw http.ResponseWriter, req *http.Request) {
	reqID := req.Context().Value(keyReqID).(string)
	logger := logger.WithField("request_id", reqID)

	logger.Debug("reading request body")
	buf, err := ioutil.ReadAll(req.Body)
	if err != nil {
		logger.WithError(err).Error("unable to read request body")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	if err := srv.verifyHook(req, buf); err != nil {
		logger.WithError(err).Error("unable to authenticate delivery")

		writeErrResp(rw, err, http.StatusUnauthorized)
		return
	}

	logger.Debug("unmarshaling request body")
	var payload pushPayload
	if err := json.Unmarshal(buf, &payload); err != nil {
		logger.WithError(err).Error("unable to unmarshal request body")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	if payload.repo() == "" || payload.Ref == "" || payload.SHA == "" {
		err := errors.New("missing required fields in push payload")
		logger.WithError(err).Error("unable to accept delivery")

		writeErrResp(rw, err, http.StatusBadRequest)
		return
	}

	ev := store.TriggerEvent{
		Repo:       payload.repo(),
		Ref:        payload.Ref,
		SHA:        payload.SHA,
		Delivery:   req.Header.Get(hdrDelivery),
		ReceivedAt: time.Now(),
	}
	ev.Duplicate = srv.dedup.seen(ev.Tuple(), ev.ReceivedAt)

	logger = logger.WithField("repo", ev.Repo)

	logger.Info("accepting push trigger")

	// Not being able to hand the trigger off right away is not enough
	// to cause the delivery to fail. For this reason, we should try as
	// hard as possible to send it.
	select {
	case srv.triggerch <- ev:
	default:
		go sendWithBackoff(srv.triggerch, ev)
	}

	buf, err = json.Marshal(map[string]interface{}{
		"accepted":  true,
		"duplicate": ev.Duplicate,
	})
	if err != nil {
		logger.WithError(err).Error("unable to marshal response body")

		writeErrResp(rw, err, http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusAccepted)
	rw.Write(buf)
	return
}

// verifyHook checks the delivery's credential against the hook secret.
// Both compares are constant time so the endpoint doesn't leak how
// close a guess was.
func (srv *Server) verifyHook(req *http.Request, body []byte) error {
	if len(srv.hooksecret) == 0 {
		return nil
	}

	if sig := req.Header.Get(hdrSignature); sig != "" {
		want := strings.TrimPrefix(sig, "sha256=")
		if want == sig {
			return errors.New("malformed signature header")
		}

		raw, err := hex.DecodeString(want)
		if err != nil {
			return errors.New("malformed signature header")
		}

		mac := hmac.New(sha256.New, srv.hooksecret)
		mac.Write(body)
		if !hmac.Equal(raw, mac.Sum(nil)) {
			return errors.New("signature mismatch")
		}

		return nil
	}

	if token := req.Header.Get(hdrToken); token != "" {
		if subtleEqual([]byte(token), srv.hooksecret) {
			return nil
		}

		return errors.New("token mismatch")
	}

	return errors.New("missing delivery credential")
}

func subtleEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func sendWithBackoff(ch chan<- store.TriggerEvent, ev store.TriggerEvent) {
	backoff := 10 * time.Millisecond

	for {
		select {
		case ch <- ev:
			return
		default:
			logger.WithField("backoff", backoff).
				Debug("trigger channel full, backing off")

			time.Sleep(backoff)
			if backoff < 10*time.Second {
				backoff *= 2
			}
		}
	}
}

// dedup remembers recently accepted trigger tuples so at-least-once
// redeliveries can be marked instead of starting redundant builds. The
// window is bounded: entries expire and get pruned on the way through.
type dedup struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{
		window: window,
		last:   map[string]time.Time{},
	}
}

// seen records the tuple and reports whether it was already delivered
// inside the window. A window of zero disables deduplication.
func (d *dedup) seen(tuple string, now time.Time) bool {
	if d.window <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, at := range d.last {
		if now.Sub(at) > d.window {
			delete(d.last, key)
		}
	}

	_, dup := d.last[tuple]
	d.last[tuple] = now

	return dup
}
