package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Storage.Prefix != DefaultPrefix {
		t.Errorf("Storage.Prefix = %q, want %q", cfg.Storage.Prefix, DefaultPrefix)
	}
	if cfg.Devtools.Addr != DefaultDevtoolsAddr {
		t.Errorf("Devtools.Addr = %q, want %q", cfg.Devtools.Addr, DefaultDevtoolsAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFormats(t *testing.T) {
	want := StorageConfig{
		Backend: "sql",
		Prefix:  "shop:",
		Codec:   "yaml",
		Dialect: "sqlite",
		DSN:     "file:pulse.sqlite",
		Table:   DefaultTable,
	}

	tests := []struct {
		file    string
		content string
	}{
		{"pulse.json", `{
  "name": "shop",
  "storage": {"backend": "sql", "prefix": "shop:", "codec": "yaml", "dialect": "sqlite", "dsn": "file:pulse.sqlite"},
  "log": {"level": "debug"}
}`},
		{"pulse.toml", `
name = "shop"

[storage]
backend = "sql"
prefix = "shop:"
codec = "yaml"
dialect = "sqlite"
dsn = "file:pulse.sqlite"

[log]
level = "debug"
`},
		{"pulse.yaml", `
name: shop
storage:
  backend: sql
  prefix: "shop:"
  codec: yaml
  dialect: sqlite
  dsn: file:pulse.sqlite
log:
  level: debug
`},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(dir)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Name != "shop" {
				t.Errorf("Name = %q, want shop", cfg.Name)
			}
			if diff := cmp.Diff(want, cfg.Storage); diff != "" {
				t.Errorf("Storage (-want +got):\n%s", diff)
			}
			if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
				t.Errorf("Log = %+v", cfg.Log)
			}
			if cfg.Path() != filepath.Join(dir, tt.file) || cfg.Dir() != dir {
				t.Errorf("Path/Dir = %q/%q", cfg.Path(), cfg.Dir())
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "P020") {
		t.Errorf("expected P020, got %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "pulse.json", "not valid json"},
		{"unknown json field", "pulse.json", `{"storage": {"backnd": "bolt"}}`},
		{"unknown toml key", "pulse.toml", "[storage]\nbackend = \"bolt\"\ncolor = \"red\"\n"},
		{"unknown yaml key", "pulse.yaml", "storage:\n  backend: bolt\n  colour: red\n"},
		{"bad backend", "pulse.json", `{"storage": {"backend": "floppy"}}`},
		{"sql without dsn", "pulse.json", `{"storage": {"backend": "sql", "dialect": "sqlite"}}`},
		{"sql bad dialect", "pulse.json", `{"storage": {"backend": "sql", "dsn": "x", "dialect": "db2"}}`},
		{"s3 without bucket", "pulse.json", `{"storage": {"backend": "s3"}}`},
		{"bad codec", "pulse.json", `{"storage": {"codec": "xml"}}`},
		{"bad level", "pulse.json", `{"log": {"level": "loud"}}`},
		{"bad format", "pulse.json", `{"log": {"format": "xml"}}`},
		{"bad addr", "pulse.json", `{"devtools": {"addr": "localhost"}}`},
		{"bad port", "pulse.json", `{"devtools": {"addr": "localhost:99999"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), "P021") {
				t.Errorf("expected P021, got %v", err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"pulse.json", "pulse.toml", "pulse.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := New()
			cfg.Name = "shop"
			cfg.Storage.Backend = "s3"
			cfg.Storage.Bucket = "state"
			cfg.Storage.Region = "eu-west-1"
			cfg.Devtools.AllowedOrigins = []string{"http://localhost:5173"}

			if err := cfg.Save(); err == nil {
				t.Error("Save without a path should fail")
			}

			path := filepath.Join(t.TempDir(), name)
			if err := cfg.SaveTo(path); err != nil {
				t.Fatalf("SaveTo: %v", err)
			}
			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if diff := cmp.Diff(cfg, loaded, cmpopts.IgnoreUnexported(Config{})); diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pulse.toml"), []byte("name = \"x\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("FindProjectRoot: %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Errorf("FindProjectRoot = %q, want %q", got, want)
	}
}

func TestStoragePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"backend": "bolt"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got, want := cfg.StoragePath(), filepath.Join(dir, DefaultBoltPath); got != want {
		t.Errorf("StoragePath() = %q, want %q", got, want)
	}
}

func TestLogger(t *testing.T) {
	cfg := New()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected JSON record, got %q", out)
	}
}
