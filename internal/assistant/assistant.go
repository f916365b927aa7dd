// Package assistant supervises the interactive command-line coding
// assistant process for one client session, over a pseudo-terminal rather
// than a plain pipe, so the assistant sees a real TTY and emits prompts the
// way it would for an interactive user. It generalizes the teacher's
// host-agent/internal/streamer/manager.go process-lifecycle shape
// (Start/Stop/IsRunning, a goroutine draining cmd.Wait(), graceful-then-kill
// shutdown) from named-pipe IPC to pty I/O, per spec.md section 4.3.
package assistant

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	// readyFallback is how long Session waits for the prompt to appear in
	// stdout before marking the session ready anyway, per spec.md section
	// 4.3: "mark the session ready either when characteristic prompt text
	// appears in stdout or after a 500 ms fallback".
	readyFallback = 500 * time.Millisecond

	// quiescenceWindow is the period of silence on stdout that, absent a
	// prompt reappearance, marks a command complete.
	quiescenceWindow = 2 * time.Second

	// defaultCommandTimeout is the overall wall-clock cap on one command,
	// per spec.md section 4.3; configurable by RunCommand's caller.
	defaultCommandTimeout = 30 * time.Second

	// exitGrace is how long /exit waits for the assistant to exit on its
	// own before SIGTERM is sent, per spec.md section 4.3.
	exitGrace = 5 * time.Second

	// InactivityLimit is how long a Session may sit idle before the
	// periodic sweep destroys it, per spec.md section 4.3.
	InactivityLimit = 30 * time.Minute

	outputBufferCap = 64 * 1024

	// ptyRows and ptyCols fix the pty window geometry, per spec.md section
	// 4.3: "a fixed 120x30 window".
	ptyRows = 30
	ptyCols = 120

	defaultUser = "vibe-coder"
	defaultTerm = "xterm-256color"
)

// PromptDetector reports whether buf ends with text that indicates the
// assistant is ready for another command. The default implementation
// matches a ">" at the end of output, ignoring trailing whitespace and line
// breaks, which is characteristic of
// REPL-style coding assistants; callers running a different binary may
// supply their own.
type PromptDetector func(buf []byte) bool

// DefaultPromptDetector matches a trailing ">" prompt, once trailing
// spaces, tabs, and line breaks are trimmed.
func DefaultPromptDetector(buf []byte) bool {
	trimmed := bytes.TrimRight(buf, "\r\n \t")
	return bytes.HasSuffix(trimmed, []byte(">"))
}

// Session supervises one assistant child process for the lifetime of a
// client session, per spec.md section 3's AssistantSession record.
type Session struct {
	sessionID string
	command   string
	args      []string
	dir       string
	user      string
	term      string
	detector  PromptDetector
	log       *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	ptmx         fileLike
	ready        bool
	destroyed    bool
	lastActivity time.Time

	subMu       sync.Mutex
	subscribers map[int]chan []byte
	nextSubID   int

	exited chan struct{}
}

// fileLike is the minimal surface of *os.File that Session needs from the
// pty master, kept as an indirection so tests can substitute a pipe.
type fileLike = interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// Config describes how to launch the assistant process.
type Config struct {
	SessionID string
	Command   string   // e.g. "claude"
	Args      []string
	Dir       string // working directory; typically the host's configured workspace, also used as HOME
	User      string // $USER seen by the assistant; defaults to defaultUser
	Term      string // $TERM seen by the assistant; defaults to defaultTerm
	Detector  PromptDetector
	Logger    *slog.Logger
}

// NewSession constructs a Session without starting the process.
func NewSession(cfg Config) *Session {
	detector := cfg.Detector
	if detector == nil {
		detector = DefaultPromptDetector
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	user := cfg.User
	if user == "" {
		user = defaultUser
	}
	term := cfg.Term
	if term == "" {
		term = defaultTerm
	}
	return &Session{
		sessionID:    cfg.SessionID,
		command:      cfg.Command,
		args:         cfg.Args,
		dir:          cfg.Dir,
		user:         user,
		term:         term,
		detector:     detector,
		log:          log,
		subscribers:  make(map[int]chan []byte),
		lastActivity: time.Now(),
	}
}

// Start launches the assistant under a pty and begins pumping its output to
// subscribers. It blocks until the session is ready (prompt seen or the
// 500ms fallback elapses).
func (s *Session) Start() error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("assistant session %s already started", s.sessionID)
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = s.dir
	cmd.Env = []string{
		"HOME=" + s.dir,
		"USER=" + s.user,
		"TERM=" + s.term,
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("starting assistant process: %w", err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.lastActivity = time.Now()
	s.exited = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("assistant process started", "sessionId", s.sessionID, "pid", cmd.Process.Pid)

	readyCh := make(chan struct{})
	go s.pump(readyCh)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.destroyed = true
		exited := s.exited
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("assistant process exited", "sessionId", s.sessionID, "error", err)
		} else {
			s.log.Info("assistant process exited cleanly", "sessionId", s.sessionID)
		}
		s.broadcast(nil, true)
		close(exited)
	}()

	select {
	case <-readyCh:
	case <-time.After(readyFallback):
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// pump reads from the pty master and fans output out to subscribers,
// closing readyCh the first time the detector matches.
func (s *Session) pump(readyCh chan struct{}) {
	buf := make([]byte, 4096)
	var readyOnce sync.Once
	for {
		s.mu.Lock()
		ptmx := s.ptmx
		s.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()

			if s.detector(chunk) {
				readyOnce.Do(func() { close(readyCh) })
			}
			s.broadcast(chunk, false)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) broadcast(chunk []byte, terminal bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			s.log.Warn("dropping output for slow subscriber", "sessionId", s.sessionID)
		}
	}
	if terminal {
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = make(map[int]chan []byte)
	}
}

// Subscribe registers a new output listener. A nil chunk on the returned
// channel, followed by channel close, signals process termination. The
// cancel function unregisters the listener; callers must invoke it to avoid
// leaking the channel.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan []byte, 64)
	s.subscribers[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

// Write sends raw input to the assistant's stdin (the pty master), e.g. for
// a claude-command frame or interactive keystrokes.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed || ptmx == nil {
		return fmt.Errorf("assistant session %s is not running", s.sessionID)
	}
	_, err := ptmx.Write(data)
	if err == nil {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	return err
}

// RunCommand writes command followed by a newline and waits for completion:
// the prompt reappearing, or quiescenceWindow of silence, whichever comes
// first, bounded by an overall timeout. It returns the accumulated output.
func (s *Session) RunCommand(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	out, cancel := s.Subscribe()
	defer cancel()

	if err := s.Write([]byte(command + "\n")); err != nil {
		return "", err
	}

	var acc bytes.Buffer
	deadline := time.After(timeout)
	quiesce := time.NewTimer(quiescenceWindow)
	defer quiesce.Stop()

	for {
		select {
		case chunk, ok := <-out:
			if !ok || chunk == nil {
				return acc.String(), fmt.Errorf("assistant process exited during command")
			}
			acc.Write(chunk)
			if !quiesce.Stop() {
				select {
				case <-quiesce.C:
				default:
				}
			}
			quiesce.Reset(quiescenceWindow)
			if s.detector(chunk) {
				return acc.String(), nil
			}
		case <-quiesce.C:
			return acc.String(), nil
		case <-deadline:
			return acc.String(), fmt.Errorf("command timed out after %s", timeout)
		case <-ctx.Done():
			return acc.String(), ctx.Err()
		}
	}
}

// Exit forwards the reserved /exit command, waits exitGrace for the process
// to exit on its own, then SIGTERMs it, per spec.md section 4.3.
func (s *Session) Exit() error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_ = s.Write([]byte("/exit\n"))

	select {
	case <-exited:
		return nil
	case <-time.After(exitGrace):
	}

	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn("sending SIGTERM to assistant process failed", "sessionId", s.sessionID, "error", err)
		}
	}

	select {
	case <-exited:
	case <-time.After(exitGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}
	return nil
}

// IsRunning reports whether the assistant process is alive.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !s.destroyed
}

// Ready reports whether the assistant has signaled readiness for input.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Destroy force-terminates the process without waiting for a graceful
// /exit round trip, used for session-termination and inactivity cleanup.
func (s *Session) Destroy() {
	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.destroyed = true
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
