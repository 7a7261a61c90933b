// Package project locates an apx project on disk and reads and writes its
// configuration: pyproject.toml metadata and settings, and the
// .apx/project.json state file.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	apxDirName      = ".apx"
	stateFileName   = "project.json"
	socketFileName  = "dev.sock"
	logFileName     = "supervisor.log"
	schemaFileName  = "openapi.json"
	orvalConfigName = "orval.config.ts"
	pyprojectName   = "pyproject.toml"
	dotenvName      = ".env"

	// maxSocketPath stays below the smallest sun_path limit (104 on BSDs).
	maxSocketPath = 100
)

// Project is an application directory.
type Project struct {
	Dir string // absolute
}

// Open resolves dir to an absolute path. The directory must exist.
func Open(dir string) (*Project, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("open project: %s is not a directory", abs)
	}
	return &Project{Dir: abs}, nil
}

func (p *Project) ApxDir() string          { return filepath.Join(p.Dir, apxDirName) }
func (p *Project) StatePath() string       { return filepath.Join(p.ApxDir(), stateFileName) }
func (p *Project) LogPath() string         { return filepath.Join(p.ApxDir(), logFileName) }
func (p *Project) SchemaPath() string      { return filepath.Join(p.ApxDir(), schemaFileName) }
func (p *Project) OrvalConfigPath() string { return filepath.Join(p.ApxDir(), orvalConfigName) }
func (p *Project) PyprojectPath() string   { return filepath.Join(p.Dir, pyprojectName) }
func (p *Project) DotenvPath() string      { return filepath.Join(p.Dir, dotenvName) }

// SocketPath returns where the supervisor listens. Long project paths fall
// back to a per-project name in the temp dir.
func (p *Project) SocketPath() string {
	path := filepath.Join(p.ApxDir(), socketFileName)
	if len(path) <= maxSocketPath {
		return path
	}
	sum := sha256.Sum256([]byte(p.Dir))
	return filepath.Join(os.TempDir(), "apx-"+hex.EncodeToString(sum[:6])+".sock")
}

// EnsureApxDir creates the .apx directory.
func (p *Project) EnsureApxDir() error {
	return os.MkdirAll(p.ApxDir(), 0o750)
}
