package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gguf "github.com/gpustack/gguf-parser-go"

	"qllmd/internal/config"
	"qllmd/pkg/types"
)

// GGUFScanner lists *.gguf files in a directory.
type GGUFScanner struct {
	// ReadMetadata fills Family and Quant from the archive header. Files
	// whose header cannot be parsed are still listed.
	ReadMetadata bool
}

// NewGGUFScanner returns a scanner that only looks at filenames.
func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds model entries from the files in dir. ID is the full filename
// (including extension); Path is the absolute file path.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	abs, err := absDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !isGGUF(name) {
			continue
		}
		m := types.Model{ID: name, Name: strings.TrimSuffix(name, filepath.Ext(name)), Path: filepath.Join(abs, name)}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		if s.ReadMetadata {
			fillMetadata(&m)
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir by filename only.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Resolve turns a model argument into a file path. An existing regular file
// wins; otherwise arg is looked up by name in modelsDir, with and without the
// .gguf extension.
func Resolve(arg, modelsDir string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", &config.ConfigError{Field: "model_path", Msg: "required"}
	}
	p, err := expandHome(arg)
	if err != nil {
		return "", &config.ConfigError{Field: "model_path", Msg: err.Error()}
	}
	if isRegular(p) {
		return filepath.Abs(p)
	}
	if modelsDir != "" && !strings.ContainsRune(arg, os.PathSeparator) {
		dir, err := absDir(modelsDir)
		if err == nil {
			for _, cand := range []string{arg, arg + ".gguf"} {
				if c := filepath.Join(dir, cand); isRegular(c) {
					return c, nil
				}
			}
		}
	}
	return "", &config.ConfigError{Field: "model_path", Msg: fmt.Sprintf("%q is neither a file nor a model in %s", arg, modelsDir)}
}

func fillMetadata(m *types.Model) {
	gf, err := gguf.ParseGGUFFile(m.Path, gguf.UseMMap())
	if err != nil {
		return
	}
	md := gf.Metadata()
	m.Family = md.Architecture
	m.Quant = md.FileTypeDescriptor
	if m.Quant == "" {
		m.Quant = md.FileType.String()
	}
	if md.Name != "" {
		m.Name = md.Name
	}
}

func absDir(dir string) (string, error) {
	base, err := expandHome(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}

func isGGUF(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".gguf") }

func isRegular(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// expandHome replaces a leading "~" or "~/" with the user's home directory.
// "~user" forms are returned unchanged.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}
