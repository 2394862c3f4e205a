package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	// This is a third-party library for creating PTYs (pseudo-terminals).
	// PTYs let us run a shell as if it were in a real terminal, so programs
	// keep their colors, line editing and full-screen behavior.
	"github.com/creack/pty"
	"go.uber.org/zap"

	apperrors "github.com/glowus/relay/internal/errors"
)

// ExitStatus describes how a session's child process ended.
type ExitStatus struct {
	// Code is the process exit code, or -1 if it was killed by a signal.
	Code int

	// Signal is the terminating signal number, nil for a normal exit.
	Signal *int
}

// Session manages one shell running inside a PTY.
//
// A PTY (pseudo-terminal) is a pair of virtual devices: a "master" (ptmx) and
// a "slave" (pts). The shell runs attached to the slave (thinking it's a
// real terminal), while we read/write the master to capture output and
// send input.
type Session struct {
	// ID is a unique identifier for this session (a UUID when created by the Manager).
	ID string

	// Shell is the program running in the PTY (e.g., "/bin/bash").
	Shell string

	// CreatedAt is when the session was started.
	CreatedAt time.Time

	cfg SessionConfig

	cmd  *exec.Cmd
	ptmx *os.File

	// done is closed when the child has exited and all output was delivered.
	done chan struct{}

	// outputDone is closed when output capture finishes.
	outputDone chan struct{}

	mu      sync.Mutex
	running bool
	cwd     string
	cols    int
	rows    int
	status  ExitStatus
	err     error

	// stopped is set by the first Stop call so a session is signalled at
	// most once, no matter how many teardown paths race.
	stopped bool

	// signalsSent counts termination signals delivered to the child.
	signalsSent atomic.Int32

	logger *zap.Logger
}

// SessionConfig holds configuration for a PTY session.
type SessionConfig struct {
	ID    string // Unique session identifier (optional, assigned by Manager)
	Shell string // Program to run; empty selects DefaultShell()
	Dir   string // Requested working directory; missing dirs fall back to home
	Cols  int    // Initial columns; an invalid size uses the defaults
	Rows  int    // Initial rows
	Env   []string

	// OnOutput is invoked for every chunk read from the PTY, in order,
	// from a single goroutine.
	OnOutput func(data string)

	// OnExit is invoked once after the child exited and every output chunk
	// has been passed to OnOutput.
	OnExit func(status ExitStatus)

	Logger *zap.Logger
}

// Default geometry used when a session config carries none.
const (
	DefaultCols = 120
	DefaultRows = 30
)

// maxDimension is the largest value a PTY window size field can hold.
const maxDimension = 0xffff

// ValidSize reports whether cols and rows fit a PTY window size.
func ValidSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= maxDimension && rows <= maxDimension
}

// NewSession creates a new PTY session with the given configuration.
// This only allocates the Session struct; call Start() to actually run the shell.
func NewSession(cfg SessionConfig) *Session {
	if !ValidSize(cfg.Cols, cfg.Rows) {
		cfg.Cols, cfg.Rows = DefaultCols, DefaultRows
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		ID:         cfg.ID,
		cfg:        cfg,
		cols:       cfg.Cols,
		rows:       cfg.Rows,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
		logger:     logger.With(zap.String("session", cfg.ID)),
	}
}

// Start spawns the shell in a new PTY.
//
// The working directory is the requested one when it exists, otherwise the
// user's home directory; a bad directory never fails the spawn. Two
// goroutines are launched: one to capture output, one to wait for exit.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("session stopped before start")
	}
	if s.running || s.cmd != nil {
		return fmt.Errorf("session already started")
	}

	shell := s.cfg.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	dir := ResolveDir(s.cfg.Dir)

	s.Shell = shell
	s.cwd = dir
	s.CreatedAt = time.Now()

	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, s.cfg.Env...)

	// StartWithSize creates the master/slave pair, attaches the shell's
	// stdin/stdout/stderr to the slave, applies the geometry and starts it.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(s.cols),
		Rows: uint16(s.rows),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.running = true

	s.logger.Info("PTY session started",
		zap.String("shell", shell),
		zap.String("cwd", dir),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("cols", s.cols),
		zap.Int("rows", s.rows))

	go s.captureOutput()
	go s.waitForExit()

	return nil
}

// captureOutput reads from the PTY and forwards every chunk to OnOutput.
// This runs in its own goroutine, which is what keeps per-session output
// strictly ordered.
func (s *Session) captureOutput() {
	defer close(s.outputDone)

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return
	}

	buf := make([]byte, 32*1024)

	// carry holds the bytes of a UTF-8 sequence that was split across two
	// reads. It never exceeds utf8.UTFMax-1 bytes.
	var carry []byte

	for {
		n, err := ptmx.Read(buf)

		if n > 0 {
			chunk := buf[:n]
			if len(carry) > 0 {
				chunk = append(carry, chunk...)
				carry = nil
			}
			cut := incompleteUTF8Tail(chunk)
			if cut < len(chunk) {
				carry = append([]byte(nil), chunk[cut:]...)
				chunk = chunk[:cut]
			}
			if len(chunk) > 0 {
				s.emit(string(chunk))
			}
		}

		if err != nil {
			if len(carry) > 0 {
				s.emit(string(carry))
			}

			// io.EOF or EIO on the master both mean the slave side closed.
			if err != io.EOF && !isClosedPTY(err) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

func (s *Session) emit(data string) {
	if s.cfg.OnOutput != nil {
		s.cfg.OnOutput(data)
	}
}

// isClosedPTY reports the errors Linux returns from a master whose slave
// side is gone, or whose fd was closed by Stop.
func isClosedPTY(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// incompleteUTF8Tail returns the index at which a trailing, not yet complete
// UTF-8 sequence starts, or len(p) when p ends on a rune boundary.
func incompleteUTF8Tail(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		b := p[i]
		if b < utf8.RuneSelf {
			return len(p)
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}

// waitForExit waits for the shell to finish and performs cleanup.
// This runs in its own goroutine.
func (s *Session) waitForExit() {
	_ = s.cmd.Wait()

	// All output must reach OnOutput before the exit is reported.
	<-s.outputDone

	status := exitStatusOf(s.cmd.ProcessState)

	s.mu.Lock()
	s.running = false
	s.status = status
	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()

	s.logger.Info("PTY session exited", zap.Int("exit_code", status.Code), zap.Any("signal", status.Signal))

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(status)
	}

	close(s.done)
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	status := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		status.Signal = &sig
	}
	return status
}

// Write sends input to the PTY (and thus to the shell).
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return 0, apperrors.NotRunning()
	}
	n, err := ptmx.Write(p)
	if err != nil {
		return n, apperrors.Wrap(apperrors.CodeSessionWriteFailed, "failed to write to PTY", err)
	}
	return n, nil
}

// Resize changes the terminal dimensions of the PTY.
//
// The kernel delivers SIGWINCH to the foreground process group, which makes
// full-screen programs redraw. Cols and rows must be greater than 0.
func (s *Session) Resize(cols, rows int) error {
	if !ValidSize(cols, rows) {
		return fmt.Errorf("invalid dimensions: cols=%d, rows=%d", cols, rows)
	}

	// Hold the lock for the whole Setsize so Stop cannot close the fd under us.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.ptmx == nil {
		return apperrors.NotRunning()
	}

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resize failed: %w", err)
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// Size returns the last geometry applied to the PTY.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// ChangeDir asks the shell itself to change directory and clear the screen.
// The server never changes the child's directory out-of-band.
func (s *Session) ChangeDir(dir string) error {
	line := fmt.Sprintf("cd %s && clear\r", shellQuote(dir))
	if _, err := s.Write([]byte(line)); err != nil {
		return err
	}
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
	return nil
}

// Cwd returns the shell's current directory. It prefers the live value the
// OS reports for the child and falls back to the last tracked directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	tracked := s.cwd
	pid := 0
	if s.running && s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if pid > 0 {
		if live, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil && live != "" {
			return live
		}
	}
	return tracked
}

// Pid returns the child's process id, or 0 if it never started.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done returns a channel that is closed when the session exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsRunning returns true if the child is still executing.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExitStatus returns how the child ended. Only meaningful after Done is closed.
func (s *Session) ExitStatus() ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Error returns any error that occurred while reading output.
func (s *Session) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop terminates the child forcefully.
//
// It is safe to call any number of times from any goroutine: the kill is
// issued at most once, and never for a child that already exited. Stopping a
// session that was never started closes Done and makes a later Start fail.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.cmd == nil {
		close(s.done)
		return nil
	}
	if !s.running {
		return nil
	}

	// Closing the master makes captureOutput's Read fail and hangs up
	// the slave side.
	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}

	// Kill sends SIGKILL on Unix, which cannot be caught or ignored.
	s.signalsSent.Add(1)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", s.cmd.Process.Pid, err)
	}
	return nil
}
