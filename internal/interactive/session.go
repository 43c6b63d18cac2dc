// Package interactive implements the Interactive Session Coordinator: long
// lived, TTY-attached containers that a websocket client can upsert files
// into, start a program in, and feed input to, one command line at a time.
package interactive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/metrics"
	"sandboxrunner/internal/sandbox"
)

// ErrSessionNotFound is returned by Attach when sessionID names no session.
var ErrSessionNotFound = errors.New("interactive: session not found")

// ErrBadCommand is returned when a client frame is structurally invalid for
// the session's language, e.g. startProgram on a Java session with no class name.
var ErrBadCommand = errors.New("interactive: bad command")

const historyBufferBytes = 64 * 1024

// sessionSubs fans live output out to attached clients, keyed by client ID.
type sessionSubs = map[string]chan []byte

// Session is a live, TTY-attached container plus its output history.
type Session struct {
	ID       string
	Language string

	workspaceRoot string
	container     *sandbox.Container
	conn          sandbox.HijackedConn

	mu          sync.Mutex
	history     []byte
	lastActive  time.Time
	closed      bool
	subscribers sessionSubs
}

func (s *Session) appendHistory(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.history = append(s.history, chunk...)
	if len(s.history) > historyBufferBytes {
		s.history = append([]byte(nil), s.history[len(s.history)-historyBufferBytes:]...)
	}
}

func (s *Session) snapshotHistory() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.history...)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// Coordinator owns the process-wide sessionID -> Session map.
type Coordinator struct {
	manager *sandbox.Manager

	mu       sync.RWMutex
	sessions map[string]*Session

	reapInterval time.Duration
	idleTimeout  time.Duration
}

// NewCoordinator builds a Coordinator over an already-configured Manager.
func NewCoordinator(manager *sandbox.Manager) *Coordinator {
	return &Coordinator{
		manager:      manager,
		sessions:     make(map[string]*Session),
		reapInterval: 30 * time.Second,
		idleTimeout:  30 * time.Minute,
	}
}

// CreateSession starts a long-lived TTY-attached container for language and
// registers it under a freshly minted session ID. The main class name (for
// Java) is not known at this point; it travels with each startProgram call.
func (co *Coordinator) CreateSession(ctx context.Context, language string) (string, error) {
	tmpl, ok := co.manager.Config().Template(language)
	if !ok {
		return "", fmt.Errorf("interactive: no template for language %q", language)
	}

	root, err := ioworkspace.NewWorkspaceRoot(co.manager.Config().WorkspaceRoot, "interactive")
	if err != nil {
		return "", err
	}

	quota := co.manager.Config().EffectiveQuota(language)
	spec := sandbox.ContainerSpec{
		Image:       tmpl.Image,
		Cmd:         []string{"/bin/sh", "-c", commandListenerScript(language)},
		WorkDir:     tmpl.WorkDir,
		Env:         envSlice(tmpl.Env),
		Mounts:      []sandbox.MountSpec{{HostPath: root, ContainerPath: tmpl.WorkDir, ReadOnly: false}},
		NanoCPUs:    quota.NanoCPUs,
		MemoryBytes: quota.MemoryBytes,
		PidsLimit:   quota.PidsLimit,
		TTY:         true,
		AttachStdin: true,
		// interactive sessions have no fixed wall-clock deadline; they are
		// reclaimed by the idle reaper or an explicit disconnect instead.
	}

	if err := co.manager.EnsureImage(ctx, tmpl.Image); err != nil {
		return "", err
	}

	c, err := co.manager.Start(ctx, spec)
	if err != nil {
		return "", err
	}

	conn, err := co.manager.Attach(ctx, c)
	if err != nil {
		_ = co.manager.Stop(ctx, c)
		return "", err
	}

	id := uuid.NewString()
	sess := &Session{
		ID:            id,
		Language:      language,
		workspaceRoot: root,
		container:     c,
		conn:          conn,
		lastActive:    time.Now(),
	}

	co.mu.Lock()
	co.sessions[id] = sess
	co.mu.Unlock()
	metrics.Get().SessionsActiveGauge.Inc()

	go sess.pumpContainerOutput()

	return id, nil
}

// pumpContainerOutput drains the attached TTY connection into the session's
// history buffer; Attach callers read history via Session.snapshotHistory
// and live output via the channel returned by Coordinator.Attach.
func (s *Session) pumpContainerOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.appendHistory(chunk)
			s.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

// broadcast delivers chunk to every subscriber without blocking; a client
// that cannot keep up drops chunks rather than stalling the container pump.
// Sends happen under s.mu so a concurrent Detach cannot close a channel
// mid-send.
func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Attachment is what Coordinator.Attach hands back to the websocket
// transport: a channel of live output chunks (after history replay) plus
// the command verbs the transport can invoke.
type Attachment struct {
	ClientID string
	Output   <-chan []byte
	Session  *Session

	Detach func()
}

// Attach subscribes a client to sess's live output, first returning any
// buffered history for replay.
func (co *Coordinator) Attach(sessionID string) (*Attachment, []byte, error) {
	co.mu.RLock()
	sess, ok := co.sessions[sessionID]
	co.mu.RUnlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}

	clientID := uuid.NewString()
	ch := make(chan []byte, 256)

	sess.mu.Lock()
	if sess.subscribers == nil {
		sess.subscribers = make(sessionSubs)
	}
	sess.subscribers[clientID] = ch
	sess.mu.Unlock()

	history := sess.snapshotHistory()

	return &Attachment{
		ClientID: clientID,
		Output:   ch,
		Session:  sess,
		Detach: func() {
			sess.mu.Lock()
			if ch, ok := sess.subscribers[clientID]; ok {
				delete(sess.subscribers, clientID)
				close(ch)
			}
			sess.mu.Unlock()
		},
	}, history, nil
}

// UpsertFiles writes one `upsert name b64` command per file into the
// session's stdin for the in-container listener to decode. Java files are
// placed under the package path their source declares, mirroring the batch
// workspace layout.
func (co *Coordinator) UpsertFiles(sessionID string, files map[string]string, isJava bool) error {
	sess, err := co.lookup(sessionID)
	if err != nil {
		return err
	}
	for name, content := range files {
		if err := ioworkspace.ValidateRelPath(name); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		if strings.ContainsAny(name, " \t\n") {
			return fmt.Errorf("%w: filename %q contains whitespace", ErrBadCommand, name)
		}
		target := name
		if isJava {
			if pkgDir := ioworkspace.JavaPackageDir(content); pkgDir != "" {
				target = pkgDir + "/" + name
			}
		}
		b64 := base64.StdEncoding.EncodeToString([]byte(content))
		if _, err := fmt.Fprintf(sess.conn, "upsert %s %s\n", target, b64); err != nil {
			return err
		}
	}
	sess.touch()
	return nil
}

// StartProgram writes the `run` command, carrying mainClassName (required
// for Java sessions, ignored otherwise) as the command's leading argument.
func (co *Coordinator) StartProgram(sessionID, mainClassName string) error {
	sess, err := co.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.Language == "java" && mainClassName == "" {
		return fmt.Errorf("%w: java session requires a main class name", ErrBadCommand)
	}
	if mainClassName != "" {
		if _, err := fmt.Fprintf(sess.conn, "run %s\n", mainClassName); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintln(sess.conn, "run"); err != nil {
		return err
	}
	sess.touch()
	return nil
}

// SendInput writes an `input <text>` command line.
func (co *Coordinator) SendInput(sessionID, text string) error {
	sess, err := co.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sess.conn, "input %s\n", text); err != nil {
		return err
	}
	sess.touch()
	return nil
}

// Disconnect stops and removes sess's container, deletes the workspace, and
// forgets the session.
func (co *Coordinator) Disconnect(ctx context.Context, sessionID string) error {
	return co.disconnect(ctx, sessionID, "client_disconnect")
}

func (co *Coordinator) disconnect(ctx context.Context, sessionID, reason string) error {
	co.mu.Lock()
	sess, ok := co.sessions[sessionID]
	if ok {
		delete(co.sessions, sessionID)
	}
	co.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.Get().SessionsActiveGauge.Dec()
	metrics.Get().RecordSessionReaped(reason)
	return co.teardown(ctx, sess)
}

func (co *Coordinator) teardown(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil
	}
	sess.closed = true
	for id, ch := range sess.subscribers {
		delete(sess.subscribers, id)
		close(ch)
	}
	sess.mu.Unlock()

	_ = sess.conn.Close()
	err := co.manager.Stop(ctx, sess.container)
	if rmErr := removeWorkspace(sess.workspaceRoot); rmErr != nil {
		logging.S().Warnw("interactive: workspace cleanup failed", "session", sess.ID, "error", rmErr)
	}
	return err
}

func (co *Coordinator) lookup(sessionID string) (*Session, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	sess, ok := co.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// StartReaper launches the background idle sweep: every reapInterval, any
// session with no container output and no client command for longer than
// idleTimeout is torn down, even if the client never sends `disconnect`.
// Attached subscribers and container state are not consulted.
func (co *Coordinator) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(co.reapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				co.reapIdle(ctx)
			}
		}
	}()
}

func (co *Coordinator) reapIdle(ctx context.Context) {
	co.mu.RLock()
	var stale []string
	for id, sess := range co.sessions {
		if sess.idleSince() > co.idleTimeout {
			stale = append(stale, id)
		}
	}
	co.mu.RUnlock()

	for _, id := range stale {
		if err := co.disconnect(ctx, id, "idle"); err != nil {
			logging.S().Warnw("interactive: idle reap failed", "session", id, "error", err)
		}
	}
}

func removeWorkspace(root string) error {
	if root == "" {
		return nil
	}
	return os.RemoveAll(root)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
