package exclusion

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEngine_GitAlwaysExcluded(t *testing.T) {
	e := NewEngine(Rules{})

	for _, p := range []string{".git/HEAD", ".git/objects/ab/cdef", "sub/.git/config"} {
		if !e.IsExcluded(p) {
			t.Errorf("IsExcluded(%q) = false, want true", p)
		}
	}
	if e.IsExcluded("src/main.py") {
		t.Error("src/main.py should not be excluded by empty rules")
	}
}

func TestEngine_Directories(t *testing.T) {
	e := NewEngine(Rules{Directories: []string{"tests", "node_modules"}})

	tests := []struct {
		path string
		want bool
	}{
		{"src/main.py", false},
		{"tests/test_main.py", true},
		{"pkg/tests/helper.py", true},
		{"node_modules/lib/index.js", true},
		{"src/tests.py", false},
	}
	for _, tt := range tests {
		if got := e.IsExcluded(tt.path); got != tt.want {
			t.Errorf("IsExcluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestEngine_Extensions(t *testing.T) {
	e := NewEngine(Rules{Extensions: []string{".png", "log", ".min.js"}})

	tests := []struct {
		path string
		want bool
	}{
		{"assets/logo.png", true},
		{"server.log", true},
		{"bundle.min.js", true},
		{"bundle.js", false},
		{"main.go", false},
	}
	for _, tt := range tests {
		if got := e.IsExcluded(tt.path); got != tt.want {
			t.Errorf("IsExcluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestEngine_IncludeWhitelist(t *testing.T) {
	e := NewEngine(Rules{IncludeExtensions: []string{"py"}})

	if e.IsExcluded("a.py") {
		t.Error("a.py should be included by the whitelist")
	}
	if !e.IsExcluded("b.md") {
		t.Error("b.md should be excluded by the whitelist")
	}
}

func TestEngine_Globs(t *testing.T) {
	e := NewEngine(Rules{Globs: []string{"**/generated/**", "docs/*.md"}})

	tests := []struct {
		path string
		want bool
	}{
		{"pkg/generated/models.go", true},
		{"docs/readme.md", true},
		{"docs/sub/readme.md", false},
		{"pkg/handler.go", false},
	}
	for _, tt := range tests {
		if got := e.IsExcluded(tt.path); got != tt.want {
			t.Errorf("IsExcluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestEngine_Files(t *testing.T) {
	e := NewEngine(Rules{Files: []string{"package-lock.json"}})

	if !e.IsExcluded("frontend/package-lock.json") {
		t.Error("package-lock.json should be excluded by base name")
	}
	if e.IsExcluded("frontend/package.json") {
		t.Error("package.json should not be excluded")
	}
}

func TestEngine_Pure(t *testing.T) {
	e := NewEngine(Default())
	paths := []string{"src/main.py", "assets/a.png", ".git/HEAD", "README.md"}
	for _, p := range paths {
		first := e.IsExcluded(p)
		if second := e.IsExcluded(p); second != first {
			t.Errorf("IsExcluded(%q) not stable: %v then %v", p, first, second)
		}
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exclusions.json")
	content := `{"directories_to_skip": ["vendor"], "extensions_to_skip": [".png"], "include_extensions": ["go"]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules.Directories) != 1 || rules.Directories[0] != "vendor" {
		t.Errorf("Directories = %v, want [vendor]", rules.Directories)
	}
	if len(rules.IncludeExtensions) != 1 {
		t.Errorf("IncludeExtensions = %v, want [go]", rules.IncludeExtensions)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exclusions.yaml")
	content := "directories_to_skip:\n  - node_modules\nextensions_to_skip:\n  - .svg\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules.Directories) != 1 || rules.Directories[0] != "node_modules" {
		t.Errorf("Directories = %v, want [node_modules]", rules.Directories)
	}
}

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	rules, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules.Directories) == 0 || len(rules.Extensions) == 0 {
		t.Error("missing rules file should fall back to the default set")
	}
}
