package pty

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultShell picks the platform's interactive shell.
//
// On Unix it honors $SHELL when that file exists, then falls back to
// /bin/bash and finally /bin/sh, which POSIX guarantees.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" && isExecutableFile(sh) {
		return sh
	}
	if isExecutableFile("/bin/bash") {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// ResolveDir returns the requested directory when it exists, and the user's
// home directory otherwise. A leading "~" is expanded against home.
func ResolveDir(requested string) string {
	home := HomeDir()
	if requested == "" {
		return home
	}

	if requested == "~" {
		return home
	}
	if strings.HasPrefix(requested, "~/") {
		requested = filepath.Join(home, requested[2:])
	}

	info, err := os.Stat(requested)
	if err != nil || !info.IsDir() {
		return home
	}
	if abs, err := filepath.Abs(requested); err == nil {
		return abs
	}
	return requested
}

// HomeDir returns the current user's home directory, or the filesystem root
// if it cannot be determined.
func HomeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return string(filepath.Separator)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
