package detect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/splax/glimpse/internal/domain"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestClassifyStatic(t *testing.T) {
	dir := writeTree(t, map[string]string{"index.html": "<html></html>"})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeStatic {
		t.Errorf("expected static, got %s", typ)
	}
}

func TestClassifyReact(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"react":"^18.0.0","react-dom":"^18.0.0"},"scripts":{"build":"vite build"}}`,
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeReact {
		t.Errorf("expected react, got %s", typ)
	}
}

func TestClassifyNextBeatsReact(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"next":"14.0.0","react":"^18.0.0"}}`,
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeNext {
		t.Errorf("expected next, got %s", typ)
	}
}

func TestClassifyNextFromConfigFile(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json":   `{"scripts":{"start":"next start"}}`,
		"next.config.js": "module.exports = {}",
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeNext {
		t.Errorf("expected next, got %s", typ)
	}
}

func TestClassifyVue(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"vue":"^3.4.0"}}`,
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeVue {
		t.Errorf("expected vue, got %s", typ)
	}
}

func TestClassifyNodeService(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"express":"^4.19.0"},"scripts":{"start":"node server.js"}}`,
		"server.js":    "require('http')",
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeNode {
		t.Errorf("expected node, got %s", typ)
	}
}

func TestClassifyManifestWithoutScriptsFallsBackToStatic(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"lodash":"^4.0.0"}}`,
		"index.html":   "<html></html>",
	})
	typ, err := Classify(dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != domain.TypeStatic {
		t.Errorf("expected static, got %s", typ)
	}
}

func TestClassifyManifestWithoutScriptsWithoutHTML(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"lodash":"^4.0.0"}}`,
	})
	typ, err := Classify(dir)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got type %s err %v", typ, err)
	}
	if typ != domain.TypeUnknown {
		t.Errorf("expected unknown, got %s", typ)
	}
}

func TestClassifyDevOnlyScriptIsNotRunnable(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json": `{"dependencies":{"express":"^4.19.0"},"scripts":{"dev":"nodemon server.js"}}`,
		"server.js":    "require('http')",
	})
	typ, err := Classify(dir)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got type %s err %v", typ, err)
	}
	if typ != domain.TypeUnknown {
		t.Errorf("expected unknown, got %s", typ)
	}
}

func TestClassifyUnsupported(t *testing.T) {
	dir := writeTree(t, map[string]string{"readme.txt": "nothing servable"})
	typ, err := Classify(dir)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if typ != domain.TypeUnknown {
		t.Errorf("expected unknown, got %s", typ)
	}
}
