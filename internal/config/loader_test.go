package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodel_path: /m/a.gguf\ncontext_length: 2048\nexpected_concurrent_sessions: 3\nallow_commands: [ls, date]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelPath != "/m/a.gguf" || cfg.ContextLength != 2048 || cfg.ExpectedConcurrentSessions != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.AllowCommands) != 2 || cfg.AllowCommands[1] != "date" {
		t.Fatalf("allow_commands: %v", cfg.AllowCommands)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","max_offload_bytes":1073741824,"session_mode":"shared"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.MaxOffloadBytes != 1<<30 || cfg.SessionMode != ModeShared {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSONC(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.jsonc", `{
  // served to the line protocol
  "line_addr": ":4343",
  "thread_count": 6, /* pinned */
  "end_marker": "<|im_end|>",
}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LineAddr != ":4343" || cfg.ThreadCount != 6 || cfg.EndMarker != "<|im_end|>" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\ncontext_length=1024\ngpu_index=1\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.ContextLength != 1024 || cfg.GPUIndex != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}
