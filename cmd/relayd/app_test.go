package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(svcfields.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
	stdout, _, err = executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("short stdout = %q", stdout)
	}
}

func TestConfigGenStdoutIsValidYAML(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout)
	}
	if got.Listen != relayd.DefaultListen || got.BufferThreshold != "10MiB" {
		t.Fatalf("defaults = %+v", got)
	}
	if len(got.Groups) != 1 || got.Groups[0].Name != relayd.DefaultGroup {
		t.Fatalf("groups = %+v", got.Groups)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second gen error = %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestGeneratedConfigLoads(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAYD_CONFIG_DIR", dir)
	if _, _, err := executeRootCommand(t, "config", "gen"); err != nil {
		t.Fatalf("config gen: %v", err)
	}

	cmd, v := newRootCommandWithViper(svcfields.NoopLogger())
	if err := cmd.Flags().Parse([]string{"--max-pipeline", "8"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	path, err := loadConfigFile(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if path != filepath.Join(dir, relayd.DefaultConfigFileName) {
		t.Fatalf("config path = %q", path)
	}
	var cfg relayd.Config
	if err := bindConfig(v, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BufferThreshold != relayd.DefaultBufferThreshold {
		t.Fatalf("buffer threshold = %d", cfg.BufferThreshold)
	}
	if cfg.MaxAge != relayd.DefaultMaxAge || cfg.MaxPipeline != 8 {
		t.Fatalf("max-age %s max-pipeline %d", cfg.MaxAge, cfg.MaxPipeline)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Servers[0] != "127.0.0.1:8000" || cfg.Groups[0].Conns != relayd.DefaultConnsPerServer {
		t.Fatalf("groups = %+v", cfg.Groups)
	}
	if len(cfg.Static) != 1 || cfg.Static[0].Path != "/robots.txt" {
		t.Fatalf("static = %+v", cfg.Static)
	}
}

func TestBindConfigFromFlagsAndEnv(t *testing.T) {
	t.Setenv("RELAYD_CONFIG_DIR", t.TempDir())
	t.Setenv("RELAYD_ON_ERROR", "drop")
	cmd, v := newRootCommandWithViper(svcfields.NoopLogger())
	args := []string{
		"--backend", "10.0.0.1:80",
		"--backend", "10.0.0.2:80",
		"--conns-per-server", "2",
		"--buffer-threshold", "64KiB",
		"--max-age", "5s",
	}
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg relayd.Config
	if err := bindConfig(v, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.OnError != "drop" {
		t.Fatalf("on-error = %q", cfg.OnError)
	}
	if cfg.BufferThreshold != 64<<10 || cfg.MaxAge != 5*time.Second {
		t.Fatalf("threshold %d max-age %s", cfg.BufferThreshold, cfg.MaxAge)
	}
	if len(cfg.Groups) != 1 || len(cfg.Groups[0].Servers) != 2 || cfg.Groups[0].Conns != 2 {
		t.Fatalf("groups = %+v", cfg.Groups)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	cmd, v := newRootCommandWithViper(svcfields.NoopLogger())
	if err := cmd.Flags().Parse([]string{"--buffer-threshold", "lots"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg relayd.Config
	if err := bindConfig(v, &cfg); err == nil || !strings.Contains(err.Error(), "buffer-threshold") {
		t.Fatalf("bind error = %v", err)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	_, v := newRootCommandWithViper(svcfields.NoopLogger())
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(v); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("load error = %v", err)
	}
}
