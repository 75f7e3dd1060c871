package tool

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// workspace is the filesystem the file tools operate on. Relative paths are
// resolved against the call's working directory, falling back to workDir.
type workspace struct {
	fs      afero.Fs
	workDir string
}

func newWorkspace(fsys afero.Fs, workDir string) workspace {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return workspace{fs: fsys, workDir: workDir}
}

// dir returns the directory a call runs in.
func (w workspace) dir(toolCtx *Context) string {
	return workDir(toolCtx, w.workDir)
}

// abs resolves path for a call.
func (w workspace) abs(path string, toolCtx *Context) string {
	return resolvePath(path, w.dir(toolCtx))
}

// readExisting returns the content of path, or "" when it does not exist.
func (w workspace) readExisting(path string) (string, error) {
	data, err := afero.ReadFile(w.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// resolvePath makes path absolute relative to dir.
func resolvePath(path, dir string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// sniffLen is how much of a file is inspected to decide if it is binary.
const sniffLen = 8000

// looksBinary reports whether head, the start of a file, is binary: it
// contains a NUL byte or mostly control characters.
func looksBinary(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	control := 0
	for _, b := range head {
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*10 > len(head)*3
}

// secretFile reports whether path names a dotenv file the model must not
// read. Sample and example files are allowed.
func secretFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".sample") || strings.HasSuffix(base, ".example") {
		return false
	}
	return base == ".env" || strings.HasPrefix(base, ".env.")
}
