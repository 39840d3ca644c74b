package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PlaybackFPS == nil || *cfg.PlaybackFPS != 30 {
		t.Errorf("Expected PlaybackFPS 30, got %v", cfg.PlaybackFPS)
	}
	if cfg.GetCacheBudgetBytes() != 512<<20 {
		t.Errorf("GetCacheBudgetBytes() = %d, want %d", cfg.GetCacheBudgetBytes(), 512<<20)
	}
	if !cfg.GetLoop() {
		t.Error("GetLoop() = false, want true")
	}
	if cfg.GetOverwritePolicy() != "error" {
		t.Errorf("GetOverwritePolicy() = %q, want error", cfg.GetOverwritePolicy())
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := &Config{}
	def := DefaultConfig()

	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"playback_fps", cfg.GetPlaybackFPS(), def.GetPlaybackFPS()},
		{"loop", cfg.GetLoop(), def.GetLoop()},
		{"cache_budget_bytes", cfg.GetCacheBudgetBytes(), def.GetCacheBudgetBytes()},
		{"prefetch_window", cfg.GetPrefetchWindow(), def.GetPrefetchWindow()},
		{"prefetch_workers", cfg.GetPrefetchWorkers(), def.GetPrefetchWorkers()},
		{"job_queue_size", cfg.GetJobQueueSize(), def.GetJobQueueSize()},
		{"overwrite_policy", cfg.GetOverwritePolicy(), def.GetOverwritePolicy()},
		{"inference_command", cfg.GetInferenceCommand(), def.GetInferenceCommand()},
		{"venv_dir", cfg.GetVenvDir(), def.GetVenvDir()},
		{"packages", cfg.GetPackages(), def.GetPackages()},
		{"http_listen", cfg.GetHTTPListen(), def.GetHTTPListen()},
		{"grpc_listen", cfg.GetGRPCListen(), def.GetGRPCListen()},
		{"db_path", cfg.GetDBPath(), def.GetDBPath()},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.UseSyntheticInference() {
		t.Error("UseSyntheticInference() = true for empty config")
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "splatseq.json", `{
  "playback_fps": 24,
  "loop": false,
  "overwrite_policy": " Overwrite ",
  "inference_command": "synthetic",
  "media_roots": ["/srv/media"]
}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GetPlaybackFPS() != 24 {
		t.Errorf("GetPlaybackFPS() = %v, want 24", cfg.GetPlaybackFPS())
	}
	if cfg.GetLoop() {
		t.Error("GetLoop() = true, want false")
	}
	if cfg.GetOverwritePolicy() != "overwrite" {
		t.Errorf("GetOverwritePolicy() = %q, want overwrite", cfg.GetOverwritePolicy())
	}
	if !cfg.UseSyntheticInference() {
		t.Error("UseSyntheticInference() = false")
	}
	if got := cfg.GetMediaRoots(); !reflect.DeepEqual(got, []string{"/srv/media"}) {
		t.Errorf("GetMediaRoots() = %v", got)
	}
	// Unset keys keep their defaults.
	if cfg.GetJobQueueSize() != DefaultJobQueueSize {
		t.Errorf("GetJobQueueSize() = %d, want %d", cfg.GetJobQueueSize(), DefaultJobQueueSize)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "cfg.yaml", `{}`, "extension"},
		{"bad json", "cfg.json", `{"playback_fps":`, "parse"},
		{"unknown key", "cfg.json", `{"playback_speed": 2}`, "parse"},
		{"fps too high", "cfg.json", `{"playback_fps": 240}`, "playback_fps"},
		{"fps too low", "cfg.json", `{"playback_fps": 0.5}`, "playback_fps"},
		{"zero budget", "cfg.json", `{"cache_budget_bytes": 0}`, "cache_budget_bytes"},
		{"negative window", "cfg.json", `{"prefetch_window": -1}`, "prefetch_window"},
		{"no workers", "cfg.json", `{"prefetch_workers": 0}`, "prefetch_workers"},
		{"no queue", "cfg.json", `{"job_queue_size": 0}`, "job_queue_size"},
		{"bad policy", "cfg.json", `{"overwrite_policy": "merge"}`, "overwrite_policy"},
		{"flag as package", "cfg.json", `{"packages": ["--index-url=http://evil"]}`, "package"},
		{"bad listen", "cfg.json", `{"http_listen": "8080"}`, "http_listen"},
		{"http off", "cfg.json", `{"http_listen": "off"}`, "http_listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := writeConfig(t, "big.json", `{"db_path": "`+strings.Repeat("x", maxFileSize)+`"}`)
	if _, err := LoadConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestShippedDefaultsMatchDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("LoadConfig(%s): %v", DefaultConfigPath, err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("%s differs from DefaultConfig()", DefaultConfigPath)
	}
}

func TestLoadConfig_GRPCOff(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "cfg.json", `{"grpc_listen": "off"}`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.GetGRPCListen(); got != ListenOff {
		t.Errorf("GetGRPCListen() = %q, want %q", got, ListenOff)
	}
}
