package store

import (
	"sync"
)

// Memory is a BuildStore held entirely in process memory. It backs the
// server when no database is configured, and the tests.
type Memory struct {
	mu     sync.Mutex
	builds map[uint64]Build
	order  []uint64
}

// NewMemory returns an empty in-memory BuildStore.
func NewMemory() *Memory {
	return &Memory{
		builds: map[uint64]Build{},
		order:  []uint64{},
	}
}

// CreateBuild saves a copy of the build. If a build with the same ID
// already exists it returns ErrBuildExists.
func (st *Memory) CreateBuild(b *Build) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.builds[b.ID]; ok {
		return ErrBuildExists
	}

	st.builds[b.ID] = cloneBuild(*b)
	st.order = append(st.order, b.ID)
	return nil
}

// UpdateBuild replaces the stored build with a copy of b. If the build
// doesn't exist it returns ErrBuildNotFound.
func (st *Memory) UpdateBuild(b *Build) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.builds[b.ID]; !ok {
		return ErrBuildNotFound
	}

	st.builds[b.ID] = cloneBuild(*b)
	return nil
}

// GetBuild retrieves the build with the given ID. If it's not found it
// returns ErrBuildNotFound.
func (st *Memory) GetBuild(id uint64) (Build, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	b, ok := st.builds[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}

	return cloneBuild(b), nil
}

// GetBuilds retrieves builds newest first, optionally filtered by job.
// Builds come back as previews, without stage results.
func (st *Memory) GetBuilds(job string, limit int) ([]Build, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	builds := []Build{}
	for i := len(st.order) - 1; i >= 0; i-- {
		if limit > 0 && len(builds) >= limit {
			break
		}

		b := st.builds[st.order[i]]
		if job != "" && b.Job != job {
			continue
		}

		preview := cloneBuild(b)
		preview.StageResults = nil
		builds = append(builds, preview)
	}

	return builds, nil
}

// LastBuildID returns the highest build ID ever stored, or zero when
// the store is empty.
func (st *Memory) LastBuildID() (uint64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var max uint64
	for id := range st.builds {
		if id > max {
			max = id
		}
	}

	return max, nil
}

// cloneBuild copies a build deeply enough that callers can't mutate
// stored state through shared slices.
func cloneBuild(b Build) Build {
	if b.StageResults != nil {
		results := make([]StageResult, len(b.StageResults))
		copy(results, b.StageResults)
		for i, r := range results {
			if r.Transfers == nil {
				continue
			}
			transfers := make([]TransferResult, len(r.Transfers))
			copy(transfers, r.Transfers)
			results[i].Transfers = transfers
		}
		b.StageResults = results
	}

	if b.StartedAt != nil {
		t := *b.StartedAt
		b.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		b.FinishedAt = &t
	}

	return b
}
