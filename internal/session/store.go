// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tombee/polybugger/internal/debug"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Record is the persisted form of a session: enough to rebuild it in the
// created state with its breakpoints and watches.
type Record struct {
	ID          string                              `json:"id"`
	Name        string                              `json:"name"`
	ProjectRoot string                              `json:"project_root"`
	Language    string                              `json:"language"`
	PythonPath  string                              `json:"python_path,omitempty"`
	State       string                              `json:"state"`
	Breakpoints map[string][]debug.SourceBreakpoint `json:"breakpoints"`
	Watches     []string                            `json:"watches"`
	SavedAt     time.Time                           `json:"saved_at"`
}

// BreakpointCount returns the number of breakpoints across all files.
func (r Record) BreakpointCount() int {
	n := 0
	for _, bps := range r.Breakpoints {
		n += len(bps)
	}
	return n
}

// Store persists session records.
type Store interface {
	// Save inserts or replaces the record with r.ID.
	Save(ctx context.Context, r Record) error

	// Load returns the record with id, or a *errors.NotFoundError.
	Load(ctx context.Context, id string) (*Record, error)

	// List returns every record, most recently saved first.
	List(ctx context.Context) ([]Record, error)

	// Delete removes the record with id. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// MemoryStore is a Store that keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = cloneRecord(r)
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, &pberrors.NotFoundError{Resource: "session record", ID: id}
	}
	out := cloneRecord(r)
	return &out, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	SortRecords(out)
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// SortRecords orders records most recently saved first, then by id.
func SortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].SavedAt.Equal(rs[j].SavedAt) {
			return rs[i].SavedAt.After(rs[j].SavedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func cloneRecord(r Record) Record {
	out := r
	out.Watches = slices.Clone(r.Watches)
	if r.Breakpoints != nil {
		out.Breakpoints = make(map[string][]debug.SourceBreakpoint, len(r.Breakpoints))
		for f, bps := range r.Breakpoints {
			out.Breakpoints[f] = slices.Clone(bps)
		}
	}
	return out
}
