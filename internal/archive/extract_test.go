package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func zipPayload(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestExtractWritesFiles(t *testing.T) {
	dest := t.TempDir()
	payload := zipPayload(t, map[string]string{
		"index.html":     "<html></html>",
		"assets/app.css": "body {}",
	})

	if err := Extract(payload, dest, 1<<20); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "<html></html>" {
		t.Errorf("unexpected content: %q", content)
	}
	if _, err := os.Stat(filepath.Join(dest, "assets", "app.css")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestExtractRejectsMalformedPayload(t *testing.T) {
	dest := t.TempDir()
	if err := Extract([]byte("definitely not a zip"), dest, 1<<20); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dest := t.TempDir()
	payload := zipPayload(t, map[string]string{
		"../escape.txt": "outside",
	})

	err := Extract(payload, dest, 1<<20)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); !os.IsNotExist(statErr) {
		t.Errorf("traversal entry landed outside destination")
	}
}

func TestExtractEnforcesSizeLimit(t *testing.T) {
	dest := t.TempDir()
	big := make([]byte, 4096)
	payload := zipPayload(t, map[string]string{
		"index.html": "<html></html>",
		"big.bin":    string(big),
	})

	if err := Extract(payload, dest, 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestExtractRollsBackPartialExtraction(t *testing.T) {
	dest := t.TempDir()
	payload := zipPayload(t, map[string]string{
		"kept.txt":       "ok",
		"../../bad.html": "escape",
	})

	if err := Extract(payload, dest, 1<<20); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty destination after rollback, found %d entries", len(entries))
	}
}

func TestExtractRejectsEmptyArchive(t *testing.T) {
	dest := t.TempDir()
	payload := zipPayload(t, map[string]string{})
	if err := Extract(payload, dest, 1<<20); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}
