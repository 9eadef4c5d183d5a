package secret

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

// FileStore resolves handles to files in a directory, one secret per
// file. This pairs with tmpfs secret mounts, where each key shows up
// as a file named after its handle.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Get reads the secret file named by handle. Handles resolving outside
// the root directory are rejected so a config can't read arbitrary
// paths on the host.
func (st *FileStore) Get(handle string) ([]byte, error) {
	logger := logger.WithField("handle", handle)

	path := filepath.Join(st.root, handle)
	if !strings.HasPrefix(path, filepath.Clean(st.root)+string(os.PathSeparator)) {
		logger.Debug("handle escapes the secret root")
		return nil, ErrNotFound
	}

	secret, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.WithError(err).Debug("unable to read secret file")
		return nil, err
	}

	return secret, nil
}
