// Package quality holds repository-wide checks that are not tied to one
// package's behaviour.
package quality

import (
	"bytes"
	"go/format"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// sourceFiles returns every Go file of the module. Directories the go tool
// ignores (leading "_" or ".", testdata, vendor) are skipped.
func sourceFiles(t *testing.T) (string, []string) {
	t.Helper()
	root, err := findProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	if len(files) == 0 {
		t.Fatal("no Go files found")
	}
	return root, files
}

// TestCodeFormatting fails for any file gofmt would rewrite.
func TestCodeFormatting(t *testing.T) {
	root, files := sourceFiles(t)
	var bad []string
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		formatted, err := format.Source(src)
		if err != nil {
			t.Errorf("%s does not parse: %v", file, err)
			continue
		}
		if !bytes.Equal(src, formatted) {
			rel, _ := filepath.Rel(root, file)
			bad = append(bad, rel)
		}
	}
	if len(bad) > 0 {
		t.Errorf("%d files need gofmt:\n  %s", len(bad), strings.Join(bad, "\n  "))
	}
	t.Logf("checked %d Go files", len(files))
}

// TestLayering keeps transport concerns out of the store-facing packages.
// The service layer reports coded errors and never touches HTTP.
func TestLayering(t *testing.T) {
	forbidden := map[string][]string{
		"internal/service":    {"github.com/gin-gonic/gin", "github.com/gorilla/websocket", "net/http"},
		"internal/feed":       {"github.com/gin-gonic/gin", "net/http"},
		"internal/models":     {"github.com/gin-gonic/gin", "net/http"},
		"internal/presence":   {"gorm.io/gorm", "github.com/gin-gonic/gin", "net/http"},
		"internal/moderation": {"github.com/gin-gonic/gin"},
	}
	root, files := sourceFiles(t)
	fset := token.NewFileSet()
	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		rel, _ := filepath.Rel(root, file)
		deny, ok := forbidden[filepath.ToSlash(filepath.Dir(rel))]
		if !ok {
			continue
		}
		f, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		if err != nil {
			t.Errorf("parse %s: %v", rel, err)
			continue
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			for _, d := range deny {
				if path == d {
					t.Errorf("%s imports %s", rel, path)
				}
			}
		}
	}
}

// findProjectRoot walks up from the working directory to go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
