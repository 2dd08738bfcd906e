// Package exclusion decides which repository paths are excluded from
// analysis based on a rules document.
package exclusion

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// gitDir is always excluded regardless of the configured rules.
const gitDir = ".git"

// Rules is the exclusion rules document. A file is excluded if any rule
// matches; evaluation is pure and order-independent.
type Rules struct {
	// Directories excludes any path with a segment equal to one of these
	// names.
	Directories []string `json:"directories_to_skip" yaml:"directories_to_skip"`

	// Extensions excludes files whose extension is listed (with or without
	// a leading dot). Compound suffixes like ".min.js" match by suffix.
	Extensions []string `json:"extensions_to_skip" yaml:"extensions_to_skip"`

	// Files excludes exact base names (lockfiles and the like).
	Files []string `json:"files_to_skip" yaml:"files_to_skip"`

	// Globs excludes paths matching a doublestar pattern against the full
	// slash-separated relative path.
	Globs []string `json:"globs_to_skip" yaml:"globs_to_skip"`

	// IncludeExtensions, when non-empty, is a whitelist: any extension not
	// listed is excluded.
	IncludeExtensions []string `json:"include_extensions" yaml:"include_extensions"`
}

// Default returns the stock rule set: binary and media formats, lockfiles,
// and tooling directories.
func Default() Rules {
	return Rules{
		Extensions: []string{
			".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".ico",
			".svg", ".webp", ".heic",
			".mp3", ".wav", ".ogg", ".flac", ".m4a", ".aac", ".mid", ".midi",
			".mp4", ".avi", ".mkv", ".mov", ".wmv", ".webm", ".mpg", ".mpeg",
			".otf", ".ttf", ".woff", ".woff2",
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".iso", ".bin", ".tar", ".zip", ".7z", ".gz", ".rar", ".bz2", ".xz",
			".min.js", ".min.css", ".js.map", ".css.map",
			".pyc", ".class", ".dll", ".exe", ".so", ".o", ".a",
			".lock", ".sqlite", ".db", ".log", ".parquet",
			".pem", ".pub",
			".bak", ".old", ".tmp",
		},
		Files: []string{
			"package-lock.json", "pnpm-lock.yaml", "yarn.lock", "bun.lockb",
			"Gemfile.lock", "Cargo.lock", "go.sum",
			".DS_Store", "Thumbs.db", ".gitignore",
		},
		Directories: []string{
			".git", "node_modules", "vendor", "dist", "build", "coverage",
			"target", ".vscode", ".idea", ".cache", ".next", ".nuxt",
			"tmp", "temp", "__pycache__",
		},
	}
}

// Load reads a rules document from path, decoded as YAML for .yaml/.yml
// files and JSON otherwise. A missing file yields the default rule set.
func Load(rulesPath string) (Rules, error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Rules{}, fmt.Errorf("reading exclusion rules %s: %w", rulesPath, err)
	}

	var rules Rules
	switch strings.ToLower(path.Ext(rulesPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rules)
	default:
		err = json.Unmarshal(data, &rules)
	}
	if err != nil {
		return Rules{}, fmt.Errorf("parsing exclusion rules %s: %w", rulesPath, err)
	}
	return rules, nil
}

// Engine evaluates exclusion rules against candidate paths.
type Engine struct {
	dirs       map[string]struct{}
	files      map[string]struct{}
	exts       map[string]struct{}
	suffixes   []string
	globs      []string
	includeExt map[string]struct{}
}

// NewEngine compiles a rules document into an engine.
func NewEngine(rules Rules) *Engine {
	e := &Engine{
		dirs:       make(map[string]struct{}),
		files:      make(map[string]struct{}),
		exts:       make(map[string]struct{}),
		includeExt: nil,
		globs:      rules.Globs,
	}
	e.dirs[gitDir] = struct{}{}
	for _, d := range rules.Directories {
		e.dirs[d] = struct{}{}
	}
	for _, f := range rules.Files {
		e.files[f] = struct{}{}
	}
	for _, ext := range rules.Extensions {
		ext = normalizeExt(ext)
		// Compound suffixes (".min.js") need suffix matching; plain
		// extensions go in the set.
		if strings.Count(ext, ".") > 1 {
			e.suffixes = append(e.suffixes, ext)
		} else {
			e.exts[ext] = struct{}{}
		}
	}
	if len(rules.IncludeExtensions) > 0 {
		e.includeExt = make(map[string]struct{}, len(rules.IncludeExtensions))
		for _, ext := range rules.IncludeExtensions {
			e.includeExt[normalizeExt(ext)] = struct{}{}
		}
	}
	return e
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

// ExcludesDir reports whether a directory name alone is excluded; walkers
// use it to prune whole subtrees.
func (e *Engine) ExcludesDir(name string) bool {
	_, ok := e.dirs[name]
	return ok
}

// IsExcluded reports whether the slash-separated relative path is excluded.
// The verdict is a pure function of the path and the compiled rules.
func (e *Engine) IsExcluded(relPath string) bool {
	relPath = path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	base := path.Base(relPath)

	for _, segment := range strings.Split(relPath, "/") {
		if _, ok := e.dirs[segment]; ok {
			return true
		}
	}

	if _, ok := e.files[base]; ok {
		return true
	}

	ext := path.Ext(base)
	if _, ok := e.exts[ext]; ok {
		return true
	}
	for _, suffix := range e.suffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}

	if e.includeExt != nil {
		if _, ok := e.includeExt[ext]; !ok {
			return true
		}
	}

	for _, pattern := range e.globs {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}

	return false
}
