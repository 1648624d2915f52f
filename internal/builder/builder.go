// Package builder drives the external build toolchain for Native units and
// resolves the produced artifact path.
package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/loykin/mcprun/internal/logring"
)

// ErrBuildFailed reports a non-zero exit from the build tool.
var ErrBuildFailed = errors.New("build failed")

// ErrArtifactMissing reports a successful build whose expected artifact is
// not present on disk.
var ErrArtifactMissing = errors.New("artifact missing after build")

// cargoManifest mirrors only the fields of Cargo.toml this package reads.
type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// Builder builds a single Native unit's project directory.
type Builder struct {
	ProjectDir string
}

// New returns a Builder rooted at projectDir.
func New(projectDir string) *Builder {
	return &Builder{ProjectDir: projectDir}
}

func (b *Builder) hasEnvrc() bool {
	_, err := os.Stat(filepath.Join(b.ProjectDir, ".envrc"))
	return err == nil
}

// Build runs the build tool, streaming its stdio into ring, and resolves the
// produced binary's path. release selects the cargo build profile.
func (b *Builder) Build(release bool, ring *logring.Ring) (string, error) {
	ring.OpenInstance()

	var cmd *exec.Cmd
	if b.hasEnvrc() {
		args := []string{"exec", b.ProjectDir, "cargo", "build"}
		if release {
			args = append(args, "--release")
		}
		// #nosec G204 -- project dir is manifest-configured, not attacker input.
		cmd = exec.Command("direnv", args...)
	} else {
		args := []string{"build"}
		if release {
			args = append(args, "--release")
		}
		// #nosec G204
		cmd = exec.Command("cargo", args...)
	}
	cmd.Dir = b.ProjectDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	done := make(chan struct{}, 2)
	go func() { streamInto(stdout, ring); done <- struct{}{} }()
	go func() { streamInto(stderr, ring); done <- struct{}{} }()
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	return b.findArtifact(release)
}

func streamInto(r io.Reader, ring *logring.Ring) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring.Append(scanner.Text())
	}
}

func (b *Builder) findArtifact(release bool) (string, error) {
	manifestPath := filepath.Join(b.ProjectDir, "Cargo.toml")
	var manifest cargoManifest
	if _, err := toml.DecodeFile(manifestPath, &manifest); err != nil {
		return "", fmt.Errorf("reading %s: %w", manifestPath, err)
	}
	if manifest.Package.Name == "" {
		return "", fmt.Errorf("%s: missing [package].name", manifestPath)
	}

	profile := "debug"
	if release {
		profile = "release"
	}
	artifact := filepath.Join(b.ProjectDir, "target", profile, manifest.Package.Name)

	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, artifact)
	}
	return artifact, nil
}
