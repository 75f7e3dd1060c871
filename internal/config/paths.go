package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// appName names toolgate's directory under each base directory.
const appName = "toolgate"

// Paths are the per-user directories toolgate reads and writes.
type Paths struct {
	// Config holds toolgate.json and the persisted policy file.
	Config string
	// State holds the log file.
	State string
}

// GetPaths resolves Paths from the XDG base directory variables, falling
// back to ~/.config and ~/.local/state. On Windows both live under APPDATA.
func GetPaths() *Paths {
	return &Paths{
		Config: filepath.Join(baseDir("XDG_CONFIG_HOME", ".config"), appName),
		State:  filepath.Join(baseDir("XDG_STATE_HOME", ".local", "state"), appName),
	}
}

func baseDir(env string, homeRel ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, homeRel...)...)
}

// EnsurePaths creates the directories if they are missing.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// PolicyFilePath is the default location of the persisted policy file.
func (p *Paths) PolicyFilePath() string {
	return filepath.Join(p.Config, "permissions.yaml")
}

// GlobalConfigPath is the per-user config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "toolgate.json")
}

// ProjectConfigPath is the config file of the project in directory.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".toolgate", "toolgate.json")
}
