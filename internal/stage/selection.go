package stage

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/exclusion"
	"github.com/hochfrequenz/engines-builder/internal/tokens"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

// Selection walks the codebase, applies the exclusion engine and the
// per-file token budget, and emits the candidate file list.
type Selection struct {
	Store         *trajectory.Store
	Engine        *exclusion.Engine
	MaxFileTokens int
}

// Run performs the walk and persists selected_files.json plus a rendered
// codebase tree. The walk order is deterministic (sorted per directory),
// so the artifact is stable across runs on the same tree.
func (s *Selection) Run(problem domain.Problem) ([]domain.CandidateFile, error) {
	root := problem.CodebasePath
	if _, err := os.Stat(root); err != nil {
		return nil, &domain.IOError{Msg: "codebase root " + root, Cause: err}
	}

	var selected []domain.CandidateFile
	var totalBytes uint64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.Engine.ExcludesDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		// Symlinks are not followed.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.Engine.IsExcluded(rel) {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("skipping unreadable file", "path", rel, "error", readErr)
			return nil
		}

		count := tokens.Estimate(string(content))
		if count > s.MaxFileTokens {
			slog.Debug("dropping oversize file",
				"path", rel,
				"tokens", count,
				"size", humanize.Bytes(uint64(len(content))))
			return nil
		}

		totalBytes += uint64(len(content))
		selected = append(selected, domain.CandidateFile{Path: rel, TokenCount: count})
		return nil
	})
	if err != nil {
		return nil, &domain.IOError{Msg: "walking " + root, Cause: err}
	}

	if err := s.Store.PutJSON(problem.ID, trajectory.SelectedFiles, selected); err != nil {
		return nil, err
	}
	// The rendered tree is an audit aid, not a pipeline input.
	if err := s.Store.Put(problem.ID, trajectory.CodebaseTree, []byte(renderTree(selected))); err != nil {
		slog.Warn("writing codebase tree failed", "error", err)
	}

	slog.Info("file selection complete",
		"problem_id", problem.ID,
		"files", len(selected),
		"size", humanize.Bytes(totalBytes))
	return selected, nil
}

// renderTree formats the selected paths as an indented directory tree.
func renderTree(files []domain.CandidateFile) string {
	if len(files) == 0 {
		return ".\n"
	}

	type node struct {
		children map[string]*node
		isFile   bool
	}
	root := &node{children: map[string]*node{}}

	for _, f := range files {
		cur := root
		parts := strings.Split(f.Path, "/")
		for i, part := range parts {
			child, ok := cur.children[part]
			if !ok {
				child = &node{children: map[string]*node{}}
				cur.children[part] = child
			}
			if i == len(parts)-1 {
				child.isFile = true
			}
			cur = child
		}
	}

	var b strings.Builder
	b.WriteString(".\n")
	var walk func(n *node, prefix string)
	walk = func(n *node, prefix string) {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		// Directories before files, each group alphabetical.
		sort.Slice(names, func(i, j int) bool {
			a, z := n.children[names[i]], n.children[names[j]]
			if a.isFile != z.isFile {
				return !a.isFile
			}
			return names[i] < names[j]
		})
		for i, name := range names {
			child := n.children[name]
			branch, childPrefix := "├── ", prefix+"│   "
			if i == len(names)-1 {
				branch, childPrefix = "└── ", prefix+"    "
			}
			label := name
			if !child.isFile {
				label += "/"
			}
			b.WriteString(prefix + branch + label + "\n")
			walk(child, childPrefix)
		}
	}
	walk(root, "")
	return b.String()
}
