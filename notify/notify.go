// Package notify reports terminal builds to the outside world. The
// scheduler hands over each build exactly once, when it reaches a
// terminal state; sinks that fail are logged and skipped so a broken
// chat hook can never change a build's outcome.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/run-ci/convey/store"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "notify",
	})
}

// Notification is one terminal build, ready for delivery. It carries
// the whole build record plus a prebuilt human line so chat-style
// consumers don't each have to reconstruct one.
type Notification struct {
	Build   store.Build `json:"build"`
	Summary string      `json:"summary"`
}

// New builds the notification for a terminal build.
func New(b store.Build) Notification {
	return Notification{
		Build:   b,
		Summary: summarize(b),
	}
}

func summarize(b store.Build) string {
	name := fmt.Sprintf("%v #%v", b.Job, b.ID)
	commit := fmt.Sprintf("%v @ %.7s", b.Trigger.Ref, b.Trigger.SHA)

	switch b.State {
	case store.BuildSucceeded:
		return fmt.Sprintf("%v succeeded (%v)", name, commit)
	case store.BuildCancelled:
		return fmt.Sprintf("%v cancelled, superseded by a newer push (%v)", name, commit)
	case store.BuildErrored:
		return fmt.Sprintf("%v errored: %v (%v)", name, b.Error, commit)
	case store.BuildFailed:
		for _, r := range b.StageResults {
			if r.Status != store.StageFailed {
				continue
			}

			if len(r.Transfers) > 0 {
				ok := 0
				for _, tr := range r.Transfers {
					if tr.OK() {
						ok++
					}
				}
				return fmt.Sprintf("%v failed at %v, %v/%v targets ok (%v)",
					name, r.Name, ok, len(r.Transfers), commit)
			}

			return fmt.Sprintf("%v failed at %v: %v (%v)",
				name, r.Name, r.ExitDetail, commit)
		}

		return fmt.Sprintf("%v failed (%v)", name, commit)
	default:
		return fmt.Sprintf("%v %v (%v)", name, b.State, commit)
	}
}

// Sink delivers one notification somewhere.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Fanout delivers to every sink it holds. Delivery is best effort per
// sink: a failure is logged and the rest still get the notification.
type Fanout []Sink

// Notify delivers n to each sink in order. It never returns an error.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"build": n.Build.ID,
				"sink":  fmt.Sprintf("%T", sink),
			}).Error("unable to deliver notification")
		}
	}

	return nil
}

// LogSink writes notifications to the server log. It's always wired
// in, so every terminal build shows up in the log even with no other
// sinks configured.
type LogSink struct{}

// Notify logs the notification. It never fails.
func (LogSink) Notify(ctx context.Context, n Notification) error {
	logger.WithFields(log.Fields{
		"build": n.Build.ID,
		"job":   n.Build.Job,
		"state": n.Build.State,
	}).Info(n.Summary)

	return nil
}
