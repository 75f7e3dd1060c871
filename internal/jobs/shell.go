package jobs

import (
	"os"
	"os/exec"
	"runtime"
)

// DetectShell picks the shell used to run command lines.
func DetectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		// fish and nu do not accept POSIX command lines
		if s != "/bin/fish" && s != "/usr/bin/fish" &&
			s != "/bin/nu" && s != "/usr/bin/nu" {
			return s
		}
	}

	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}
