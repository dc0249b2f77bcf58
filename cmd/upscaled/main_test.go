package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upscaler.yaml")
	yaml := "model: {name: natural.rsr, factor: 2}\nbatch: {workers: 8}\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(flags{configPath: path, model: "bilinear", workers: -1, skipExisting: true})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Model.Name != "bilinear" || cfg.Model.Factor != 2 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Batch.Workers != 8 || !cfg.Batch.SkipExisting {
		t.Errorf("batch = %+v", cfg.Batch)
	}

	cfg, err = loadConfig(flags{workers: 0, factor: 3})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Batch.Workers != 0 || cfg.Model.Factor != 3 {
		t.Errorf("defaults with overrides = %+v / %+v", cfg.Batch, cfg.Model)
	}

	if _, err := loadConfig(flags{factor: 99, workers: -1}); err == nil {
		t.Error("expected an error for factor 99")
	}
}

func TestRunEndToEnd(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	if code := run(flags{input: in, output: out, workers: 1}); code != 0 {
		t.Fatalf("empty input directory: exit code %d, want 0", code)
	}
	if code := run(flags{input: "", output: out}); code != 2 {
		t.Errorf("missing input: exit code %d, want 2", code)
	}
}
