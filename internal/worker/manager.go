// Package worker supervises the external embedding process and speaks its
// line-delimited JSON protocol.
//
// The Manager spawns the worker, sends the start handshake, and matches
// replies to requests by message id. When the process dies, every pending
// call fails with a worker-crashed error and, if auto-respawn is enabled,
// a fresh process is started with exponential backoff. A worker that keeps
// dying shortly after it starts is given up on after Backoff.MaxRetries
// respawns.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// maxLineBytes bounds a single protocol line. Vector replies for a full
// batch are a few hundred kilobytes.
const maxLineBytes = 64 << 20

// stopGrace is how long Close waits for the worker to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// DefaultMinUptime is how long a worker must run before its exit no
// longer counts towards the respawn limit.
const DefaultMinUptime = 10 * time.Second

// Config configures a Manager.
type Config struct {
	// Command is the worker executable followed by its arguments.
	Command []string
	// Dir is the working directory of the worker. Empty inherits ours.
	Dir string
	// Env is appended to the current environment.
	Env []string

	Model     string
	Device    string
	BatchSize int

	// AutoRespawn restarts the worker after it exits unexpectedly.
	AutoRespawn bool
	// Backoff paces spawn attempts and respawns after early exits.
	Backoff scouterrors.RetryConfig
	// MinUptime separates early exits from crashes after a stable run.
	MinUptime time.Duration

	Logger *slog.Logger
	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

type reply struct {
	data json.RawMessage
	err  error
}

// process is one running worker.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	exited  chan struct{}
	waitErr error
}

func (p *process) send(msg Message) error {
	line, err := encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(line)
	return err
}

// Manager owns the worker process. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	wlog   *slog.Logger

	mu      sync.Mutex
	proc    *process
	ready   chan struct{}
	pending map[string]chan reply
	spawns  int
	started bool
	closed  bool
	failErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager. Nothing is spawned until Start.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, scouterrors.ConfigError("worker command is empty", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = scouterrors.DefaultRetryConfig()
	}
	if cfg.MinUptime <= 0 {
		cfg.MinUptime = DefaultMinUptime
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "worker"))

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		wlog:    logger.With(slog.String("source", "worker_process")),
		ready:   make(chan struct{}),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the supervisor. It returns immediately; use WaitReady to
// block until the first worker has completed its handshake.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.unavailable("worker manager is closed")
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	go m.supervise(ctx)
	return nil
}

// supervise keeps a worker running until ctx is cancelled, the worker
// cannot be spawned, it exits with auto-respawn disabled, or it exits
// early more than Backoff.MaxRetries times in a row.
func (m *Manager) supervise(ctx context.Context) {
	defer close(m.done)

	closed := func() { m.fail(m.unavailable("worker manager is closed")) }
	delay := m.cfg.Backoff.InitialDelay
	earlyExits := 0
	for {
		var p *process
		err := scouterrors.Retry(ctx, m.cfg.Backoff, func() error {
			var err error
			p, err = m.spawn()
			if err != nil {
				m.logger.Warn("worker_spawn_failed", slog.String("error", err.Error()))
			}
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				m.fail(scouterrors.New(scouterrors.ErrCodeWorkerUnavailable, "failed to start worker", err))
			} else {
				closed()
			}
			return
		}
		startedAt := time.Now()

		select {
		case <-p.exited:
			m.onExit(p)
		case <-ctx.Done():
			m.stop(p)
			m.onExit(p)
			closed()
			return
		}

		if !m.cfg.AutoRespawn {
			m.fail(scouterrors.New(scouterrors.ErrCodeWorkerCrashed, "worker exited", p.waitErr))
			return
		}

		uptime := time.Since(startedAt)
		if uptime >= m.cfg.MinUptime {
			earlyExits = 0
			delay = m.cfg.Backoff.InitialDelay
			m.logger.Warn("worker_respawning", slog.Duration("uptime", uptime))
			continue
		}

		earlyExits++
		if m.cfg.Backoff.MaxRetries >= 0 && earlyExits > m.cfg.Backoff.MaxRetries {
			m.logger.Error("worker_respawn_abandoned",
				slog.Int("early_exits", earlyExits),
				slog.Duration("min_uptime", m.cfg.MinUptime))
			m.fail(scouterrors.New(scouterrors.ErrCodeWorkerCrashed,
				fmt.Sprintf("worker exited %d times within %s of starting", earlyExits, m.cfg.MinUptime), p.waitErr).
				WithSuggestion("Check worker.model and worker.device, and the worker's stderr"))
			return
		}
		m.logger.Warn("worker_respawning",
			slog.Duration("uptime", uptime),
			slog.Int("early_exits", earlyExits),
			slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			closed()
			return
		}
		delay = m.cfg.Backoff.Next(delay)
	}
}

// spawn starts a process and completes the handshake. The process only
// becomes visible to callers once the start message has been written.
func (m *Manager) spawn() (*process, error) {
	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.Dir
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	cmd.Stderr = m.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go func() {
		m.readLoop(p, stdout)
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	data, err := json.Marshal(StartData{
		ModelClip: m.cfg.Model,
		Device:    m.cfg.Device,
		BatchSize: m.cfg.BatchSize,
	})
	if err != nil {
		m.stop(p)
		return nil, err
	}
	if err := p.send(Message{Event: EventStart, Data: data}); err != nil {
		m.stop(p)
		return nil, fmt.Errorf("handshake: %w", err)
	}

	m.mu.Lock()
	m.proc = p
	m.spawns++
	close(m.ready)
	spawns := m.spawns
	m.mu.Unlock()

	m.logger.Info("worker_started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("spawns", spawns),
		slog.String("model", m.cfg.Model),
		slog.String("device", m.cfg.Device))
	return p, nil
}

// onExit detaches p and fails every call still waiting on it.
func (m *Manager) onExit(p *process) {
	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
		m.ready = make(chan struct{})
	}
	pending := m.pending
	m.pending = make(map[string]chan reply)
	m.mu.Unlock()

	if len(pending) > 0 || p.waitErr != nil {
		m.logger.Warn("worker_exited",
			slog.Int("pending", len(pending)),
			slog.Any("error", p.waitErr))
	}

	crashed := scouterrors.New(scouterrors.ErrCodeWorkerCrashed, "worker exited before replying", p.waitErr)
	for _, ch := range pending {
		ch <- reply{err: crashed}
	}
}

// stop closes the worker's stdin and kills it if it does not exit.
func (m *Manager) stop(p *process) {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// fail makes the manager permanently unavailable.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr == nil {
		m.failErr = err
	}
	m.closed = true
}

func (m *Manager) readLoop(p *process, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		msg, err := decode(scanner.Bytes())
		if err != nil {
			m.logger.Warn("worker_message_discarded", slog.String("error", err.Error()))
			continue
		}
		if isControl(msg.Event) {
			m.logControl(msg)
			continue
		}
		m.resolve(msg)
	}

	if err := scanner.Err(); err != nil {
		m.logger.Error("worker_stdout_failed", slog.String("error", err.Error()))
		_ = p.cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (m *Manager) logControl(msg Message) {
	level := slog.LevelInfo
	switch msg.Event {
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var text string
	if err := json.Unmarshal(msg.Data, &text); err != nil {
		text = string(msg.Data)
	}
	m.wlog.Log(context.Background(), level, "worker_says", slog.String("message", text))
}

func (m *Manager) resolve(msg Message) {
	m.mu.Lock()
	ch, ok := m.pending[msg.MsgID]
	if ok {
		delete(m.pending, msg.MsgID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("worker_reply_unmatched",
			slog.String("event", msg.Event),
			slog.String("msgid", msg.MsgID))
		return
	}

	var je jobError
	if err := json.Unmarshal(msg.Data, &je); err == nil && je.Error != "" {
		ch <- reply{err: scouterrors.New(scouterrors.ErrCodeWorkerJobFailed, je.Error, nil).
			WithDetail("event", msg.Event)}
		return
	}
	ch <- reply{data: msg.Data}
}

// WaitReady blocks until a worker has completed its handshake.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.failErr != nil {
			err := m.failErr
			m.mu.Unlock()
			return err
		}
		if m.proc != nil {
			m.mu.Unlock()
			return nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ready reports whether a worker is currently accepting jobs.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && m.failErr == nil
}

// Call sends a job and waits for the reply with the same message id.
// Calls made while the worker is restarting wait for it to come back.
func (m *Manager) Call(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, scouterrors.New(scouterrors.ErrCodeWorkerProtocol, "failed to encode job", err)
	}

	for {
		if err := m.WaitReady(ctx); err != nil {
			return nil, err
		}

		m.mu.Lock()
		p := m.proc
		if p == nil {
			m.mu.Unlock()
			continue
		}
		id := uuid.NewString()
		ch := make(chan reply, 1)
		m.pending[id] = ch
		m.mu.Unlock()

		if err := p.send(Message{Event: event, MsgID: id, Data: data}); err != nil {
			select {
			case r := <-ch:
				return r.data, r.err
			default:
			}
			m.forget(id)
			return nil, scouterrors.New(scouterrors.ErrCodeWorkerCrashed, "failed to send job to worker", err)
		}

		select {
		case r := <-ch:
			return r.data, r.err
		case <-ctx.Done():
			m.forget(id)
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Close stops the worker and fails pending calls. Safe to call more than
// once.
func (m *Manager) Close() error {
	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	if !started {
		m.closed = true
		if m.failErr == nil {
			m.failErr = m.unavailable("worker manager is closed")
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cancel()
	<-m.done
	return nil
}

// Stats describes the supervisor state.
type Stats struct {
	Ready   bool `json:"ready"`
	Spawns  int  `json:"spawns"`
	Pending int  `json:"pending"`
}

// Stats returns a snapshot of the supervisor state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Ready:   m.proc != nil && m.failErr == nil,
		Spawns:  m.spawns,
		Pending: len(m.pending),
	}
}

func (m *Manager) unavailable(msg string) error {
	return scouterrors.New(scouterrors.ErrCodeWorkerUnavailable, msg, nil)
}

// IsUnavailable reports whether err means the worker will not come back.
func IsUnavailable(err error) bool {
	return errors.Is(err, scouterrors.Code(scouterrors.ErrCodeWorkerUnavailable))
}
