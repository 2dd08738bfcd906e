// Package trajectory provides keyed artifact persistence per problem id.
// Every pipeline stage reads and writes its artifacts here; artifact
// presence is what makes the pipeline resumable.
package trajectory

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

// Well-known artifact names.
const (
	SelectedFiles      = "selected_files.json"
	RelevanceDecisions = "relevance_decisions.json"
	Ranking            = "ranking.json"
	RunResults         = "run_results.json"
	PipelineError      = "pipeline_error.json"
	CodebaseTree       = "codebase_tree.txt"
)

// Subtrees for generated artifacts that live outside trajectories/.
const (
	SubtreeDockerfiles = "dockerfiles"
	SubtreeScripts     = "scripts"
)

// Store persists named artifacts under a root directory:
//
//	<root>/trajectories/<problem_id>/<name>
//	<root>/dockerfiles/<problem_id>/<name>
//	<root>/scripts/<problem_id>/<name>
//
// Writes go through a temporary sibling and rename, so concurrent readers
// never observe torn data.
type Store struct {
	root string
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// TrajectoryDir returns the per-problem trajectory directory.
func (s *Store) TrajectoryDir(problemID string) string {
	return filepath.Join(s.root, "trajectories", problemID)
}

// ArtifactPath returns the path of a named trajectory artifact.
func (s *Store) ArtifactPath(problemID, name string) string {
	return filepath.Join(s.TrajectoryDir(problemID), name)
}

// SubtreePath returns the path of an artifact in a named subtree
// (dockerfiles/ or scripts/).
func (s *Store) SubtreePath(problemID, subtree, name string) string {
	return filepath.Join(s.root, subtree, problemID, name)
}

// Put writes a trajectory artifact atomically.
func (s *Store) Put(problemID, name string, data []byte) error {
	return s.writeAtomic(s.ArtifactPath(problemID, name), data, 0o644)
}

// PutArtifact writes an artifact in a subtree (dockerfiles/, scripts/)
// atomically. mode is the final file mode; scripts are written 0755.
func (s *Store) PutArtifact(problemID, subtree, name string, data []byte, mode fs.FileMode) error {
	return s.writeAtomic(s.SubtreePath(problemID, subtree, name), data, mode)
}

// Get returns a trajectory artifact's contents, or (nil, false) when the
// artifact does not exist.
func (s *Store) Get(problemID, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.ArtifactPath(problemID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &domain.IOError{Msg: "reading artifact " + name, Cause: err}
	}
	return data, true, nil
}

// Exists reports whether a trajectory artifact is present.
func (s *Store) Exists(problemID, name string) bool {
	_, err := os.Stat(s.ArtifactPath(problemID, name))
	return err == nil
}

// GetJSON reads and decodes a trajectory artifact into v. Returns false
// when the artifact is absent; a present but unparseable artifact is an
// error.
func (s *Store) GetJSON(problemID, name string, v any) (bool, error) {
	data, ok, err := s.Get(problemID, name)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, &domain.IOError{Msg: "decoding artifact " + name, Cause: err}
	}
	return true, nil
}

// PutJSON encodes v and writes it as a trajectory artifact.
func (s *Store) PutJSON(problemID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.IOError{Msg: "encoding artifact " + name, Cause: err}
	}
	return s.Put(problemID, name, data)
}

// writeAtomic writes data to path via a temporary sibling and rename,
// fsyncing the file and its parent directory so a completed write survives
// a crash.
func (s *Store) writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.IOError{Msg: "creating " + dir, Cause: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &domain.IOError{Msg: "creating temp file in " + dir, Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &domain.IOError{Msg: "writing " + tmpName, Cause: err}
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return &domain.IOError{Msg: "chmod " + tmpName, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &domain.IOError{Msg: "fsync " + tmpName, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &domain.IOError{Msg: "closing " + tmpName, Cause: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return &domain.IOError{Msg: fmt.Sprintf("renaming %s to %s", tmpName, path), Cause: err}
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
