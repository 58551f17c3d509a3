// Package artifacts stores a run job's final result bytes separately from
// its Job row, behind a oss.nandlabs.io/golly/vfs.VFileSystem so the
// artifact itself can later move to an object store without touching the
// Job Store contract. Today it is backed by the "file" scheme (local
// disk); any VFileSystem registered with the manager works unchanged.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"oss.nandlabs.io/golly/vfs"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// ErrNotFound indicates no artifact has been written for the job.
var ErrNotFound = errors.New("artifacts: not found")

// Store writes and reads the JSON-serialized result object for a run job,
// keyed by job id.
type Store struct {
	fs   vfs.VFileSystem
	root string
}

// New returns a Store rooted at root (a directory URL understood by the
// registered VFileSystem, e.g. "file:///var/lib/jobsvc/artifacts").
func New(root string) (*Store, error) {
	return &Store{fs: vfs.GetManager(), root: root}, nil
}

func (s *Store) pathFor(id types.JobID) string {
	return path.Join(s.root, string(id)+".json")
}

// Put serializes result as JSON and writes it under the job's artifact path.
func (s *Store) Put(id types.JobID, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	file, err := s.fs.CreateRaw(s.pathFor(id))
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(string(data)); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// Get loads and deserializes the artifact stored for id.
func (s *Store) Get(id types.JobID) (map[string]any, error) {
	file, err := s.fs.OpenRaw(s.pathFor(id))
	if err != nil {
		return nil, ErrNotFound
	}
	defer file.Close()

	raw, err := file.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return result, nil
}

// Delete removes the artifact stored for id, if any.
func (s *Store) Delete(id types.JobID) error {
	return s.fs.DeleteRaw(s.pathFor(id))
}
