// Package deploy moves build artifacts onto their targets. A Transport
// handles exactly one target and reports what happened as data; the
// pipeline executor owns fanning out across a stage's target list and
// deciding what the per-target outcomes mean for the build.
package deploy

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/run-ci/convey/config"
	"github.com/run-ci/convey/store"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "deploy",
	})
}

// Request is one target's worth of deployment work.
type Request struct {
	Target config.DeployTarget

	// Artifacts were selected from the build workspace before any
	// target ran, so every target sees the same file set.
	Artifacts []Artifact

	// Key holds the private key for ssh targets, already resolved
	// from the secret store.
	Key []byte

	// Output receives transfer progress and post command output for
	// the deploy stage's log.
	Output io.Writer
}

// Transport deploys artifacts to one target. Failures are recorded in
// the TransferResult rather than returned, so one target's outcome
// never short-circuits another's.
type Transport interface {
	Deploy(ctx context.Context, req Request) store.TransferResult
}

// Registry maps a target kind to the Transport that serves it.
type Registry map[string]Transport

// For returns the Transport registered for kind.
func (reg Registry) For(kind string) (Transport, bool) {
	tr, ok := reg[kind]
	return tr, ok
}
