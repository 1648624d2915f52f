package builder

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loykin/mcprun/internal/logring"
)

func writeCargoToml(t *testing.T, dir, name string) {
	t.Helper()
	content := "[package]\nname = \"" + name + "\"\nversion = \"0.1.0\"\n"
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write Cargo.toml: %v", err)
	}
}

func TestFindArtifactResolvesDebugPath(t *testing.T) {
	dir := t.TempDir()
	writeCargoToml(t, dir, "demo")

	target := filepath.Join(dir, "target", "debug")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "demo"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	b := New(dir)
	path, err := b.findArtifact(false)
	if err != nil {
		t.Fatalf("findArtifact: %v", err)
	}
	if path != filepath.Join(dir, "target", "debug", "demo") {
		t.Fatalf("got %s", path)
	}
}

func TestFindArtifactMissingReturnsArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	writeCargoToml(t, dir, "demo")

	b := New(dir)
	_, err := b.findArtifact(true)
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
}

func TestFindArtifactMissingPackageName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[workspace]\n"), 0o644); err != nil {
		t.Fatalf("write Cargo.toml: %v", err)
	}

	b := New(dir)
	_, err := b.findArtifact(false)
	if err == nil {
		t.Fatalf("expected an error for a manifest missing [package].name")
	}
}

func TestBuildFailedOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeCargoToml(t, dir, "demo")

	b := New(dir)
	b.ProjectDir = dir
	// The project has no sources, so a cargo build exits non-zero and the
	// error must wrap ErrBuildFailed. Without cargo on PATH the build tool
	// cannot start at all and Build returns that start error instead.
	ring := logring.New()
	_, err := b.Build(false, ring)
	if err == nil {
		t.Skip("cargo toolchain available in this environment; nothing to assert")
	}
	if _, lookErr := exec.LookPath("cargo"); lookErr == nil && !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed from a failing cargo build, got %v", err)
	}
}
