package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/run-ci/convey/store"
)

func terminalBuild(state store.BuildState) store.Build {
	return store.Build{
		ID:  42,
		Job: "site",
		Trigger: store.TriggerEvent{
			Repo: "git@github.com:run-ci/convey.git",
			Ref:  "main",
			SHA:  "abc123def456",
		},
		State: state,
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		label string
		build store.Build
		want  string
	}{
		{
			label: "succeeded",
			build: terminalBuild(store.BuildSucceeded),
			want:  "site #42 succeeded (main @ abc123d)",
		},
		{
			label: "cancelled",
			build: terminalBuild(store.BuildCancelled),
			want:  "site #42 cancelled, superseded by a newer push (main @ abc123d)",
		},
		{
			label: "errored",
			build: func() store.Build {
				b := terminalBuild(store.BuildErrored)
				b.Error = "secret deploy-key not found"
				return b
			}(),
			want: "site #42 errored: secret deploy-key not found (main @ abc123d)",
		},
		{
			label: "failed stage",
			build: func() store.Build {
				b := terminalBuild(store.BuildFailed)
				b.StageResults = []store.StageResult{
					{Name: "checkout", Status: store.StagePassed},
					{Name: "test", Status: store.StageFailed, ExitDetail: "exited 1"},
					{Name: "build", Status: store.StageSkipped},
				}
				return b
			}(),
			want: "site #42 failed at test: exited 1 (main @ abc123d)",
		},
		{
			label: "partial deploy",
			build: func() store.Build {
				b := terminalBuild(store.BuildFailed)
				b.StageResults = []store.StageResult{
					{Name: "deploy", Status: store.StageFailed, Transfers: []store.TransferResult{
						{Target: "web-1:/srv/www", Transferred: true, PostCommandOK: true},
						{Target: "web-2:/srv/www", Transferred: false},
					}},
				}
				return b
			}(),
			want: "site #42 failed at deploy, 1/2 targets ok (main @ abc123d)",
		},
	}

	for _, test := range tests {
		t.Run(test.label, func(t *testing.T) {
			if got := summarize(test.build); got != test.want {
				t.Fatalf("expected %q, got %q", test.want, got)
			}
		})
	}
}

func TestWebhookSink(t *testing.T) {
	secret := []byte("notify-secret")

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("expected POST, got %v", req.Method)
		}
		if ct := req.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %v", ct)
		}

		gotSig = req.Header.Get("X-Convey-Signature")
		gotBody, _ = ioutil.ReadAll(req.Body)

		rw.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret)
	err := sink.Notify(context.Background(), New(terminalBuild(store.BuildSucceeded)))
	if err != nil {
		t.Fatalf("error delivering notification: %v", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("expected signature %v, got %v", want, gotSig)
	}

	var n Notification
	if err := json.Unmarshal(gotBody, &n); err != nil {
		t.Fatalf("error unmarshaling body: %v", err)
	}
	if n.Build.ID != 42 || n.Build.State != store.BuildSucceeded {
		t.Fatalf("got wrong notification: %+v", n)
	}
	if !strings.Contains(n.Summary, "succeeded") {
		t.Fatalf("expected a summary line, got %q", n.Summary)
	}
}

func TestWebhookSinkRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, nil)
	err := sink.Notify(context.Background(), New(terminalBuild(store.BuildFailed)))
	if err == nil {
		t.Fatalf("expected an error on a 500 response")
	}
}

func TestQueueSink(t *testing.T) {
	sendch := make(chan []byte, 1)
	sink := NewQueueSink(sendch)

	err := sink.Notify(context.Background(), New(terminalBuild(store.BuildErrored)))
	if err != nil {
		t.Fatalf("error publishing notification: %v", err)
	}

	var n Notification
	if err := json.Unmarshal(<-sendch, &n); err != nil {
		t.Fatalf("error unmarshaling message: %v", err)
	}
	if n.Build.State != store.BuildErrored {
		t.Fatalf("got wrong notification: %+v", n)
	}
}

func TestQueueSinkBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewQueueSink(make(chan []byte))
	err := sink.Notify(ctx, New(terminalBuild(store.BuildSucceeded)))
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type failingSink struct{}

func (failingSink) Notify(ctx context.Context, n Notification) error {
	return errors.New("sink is down")
}

type recordingSink struct {
	got []Notification
}

func (s *recordingSink) Notify(ctx context.Context, n Notification) error {
	s.got = append(s.got, n)
	return nil
}

func TestFanout(t *testing.T) {
	rec := &recordingSink{}
	fan := Fanout{failingSink{}, rec, LogSink{}}

	err := fan.Notify(context.Background(), New(terminalBuild(store.BuildSucceeded)))
	if err != nil {
		t.Fatalf("expected fanout to swallow sink failures, got %v", err)
	}

	if len(rec.got) != 1 {
		t.Fatalf("expected later sinks to still get the notification, got %d", len(rec.got))
	}
}
