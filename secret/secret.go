// Package secret resolves credential handles to secret material. Job
// configs and deploy targets reference credentials by handle only, so
// raw key material never appears in config files or build history.
package secret

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

// ErrNotFound is returned when no secret exists for a handle.
var ErrNotFound = errors.New("secret not found")

func init() {
	logger = log.WithFields(log.Fields{
		"package": "secret",
	})
}

// Store resolves a credential handle to its secret bytes.
type Store interface {
	Get(handle string) ([]byte, error)
}

// Static is a fixed in-memory Store. It backs the tests, and single
// binary deployments that inject secrets through the environment.
type Static map[string][]byte

// Get returns the secret for the handle or ErrNotFound.
func (st Static) Get(handle string) ([]byte, error) {
	secret, ok := st[handle]
	if !ok {
		return nil, ErrNotFound
	}

	return secret, nil
}
