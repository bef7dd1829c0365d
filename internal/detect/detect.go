package detect

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/glimpse/internal/domain"
)

// ErrUnsupported indicates the tree carries neither a recognizable manifest
// nor servable static content.
var ErrUnsupported = errors.New("detect: unsupported project layout")

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

func (m *npmManifest) hasScript(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Scripts[name]
	return ok
}

// Classify inspects marker files in the extracted source tree and returns the
// project type. Classification happens once, synchronously, and determines
// every subsequent code path. Precedence: framework markers beat the plain
// node fallback, a manifest beats static content.
func Classify(sourceDir string) (domain.ProjectType, error) {
	manifest, manifestOK := loadPackageManifest(sourceDir)
	if manifestOK {
		switch {
		case isNext(manifest, sourceDir):
			return domain.TypeNext, nil
		case isVue(manifest, sourceDir):
			return domain.TypeVue, nil
		case isReact(manifest):
			return domain.TypeReact, nil
		case manifest.hasScript("start"):
			// node is launched with `npm start`; a manifest without that
			// script has nothing runnable.
			return domain.TypeNode, nil
		default:
			// Manifest without a start script or framework marker; fall
			// through to static detection before giving up.
		}
	}
	if HasStaticEntry(sourceDir) {
		return domain.TypeStatic, nil
	}
	return domain.TypeUnknown, ErrUnsupported
}

// HasStaticEntry reports whether the tree has a root HTML entry point.
func HasStaticEntry(dir string) bool {
	return fileExists(filepath.Join(dir, "index.html"))
}

func isNext(manifest *npmManifest, dir string) bool {
	if manifest.hasDependency("next") {
		return true
	}
	return fileExists(filepath.Join(dir, "next.config.js")) ||
		fileExists(filepath.Join(dir, "next.config.mjs")) ||
		fileExists(filepath.Join(dir, "next.config.ts"))
}

func isVue(manifest *npmManifest, dir string) bool {
	if manifest.hasDependency("vue") {
		return true
	}
	return fileExists(filepath.Join(dir, "vue.config.js"))
}

func isReact(manifest *npmManifest) bool {
	return manifest.hasDependency("react")
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
