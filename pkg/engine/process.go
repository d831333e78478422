package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxMessageSize bounds a single engine message. Transaction histories can
// be large, so this is generous.
const maxMessageSize = 16 << 20

// ProcessOptions configures a stdio engine process.
type ProcessOptions struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// StopTimeout is how long Close waits after closing stdin before
	// killing the process.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Process runs the engine as a child process speaking one JSON message per
// line on stdin and stdout. Stderr is forwarded to the logger.
type Process struct {
	opts   ProcessOptions
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	onMessage func(string)
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	writeMu sync.Mutex

	stderrDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	exitErr    error
}

var _ Adapter = (*Process)(nil)

// NewProcess prepares an engine process. Nothing is launched until Start.
func NewProcess(opts ProcessOptions) *Process {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Process{
		opts:       opts,
		logger:     logger.With("engine", opts.Command),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnMessage implements Adapter.
func (p *Process) OnMessage(fn func(string)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// Start launches the engine. It fails with ErrAlreadyStarted on a second
// call. ctx only bounds the launch itself.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	if p.opts.Command == "" {
		return errors.New("engine command is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.onMessage == nil {
		return errors.New("engine message callback not registered")
	}

	cmd := exec.Command(p.opts.Command, p.opts.Args...)
	if p.opts.Dir != "" {
		cmd.Dir = p.opts.Dir
	}
	if len(p.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), p.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch engine: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.started = true

	go p.forwardStderr(stderr)
	go p.readLoop(stdout, p.onMessage)
	p.logger.Info("engine started", "pid", cmd.Process.Pid)
	return nil
}

// Send implements Adapter.
func (p *Process) Send(text string) error {
	p.mu.Lock()
	started, stdin := p.started, p.stdin
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	if strings.ContainsRune(text, '\n') {
		return errors.New("engine message must not contain a newline")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	return nil
}

// Done is closed once the engine process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the engine's exit error after Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.exitErr
}

// Close stops the engine, killing it if it does not exit within
// StopTimeout after stdin is closed.
func (p *Process) Close() error {
	p.mu.Lock()
	started, stdin, cmd := p.started, p.stdin, p.cmd
	p.mu.Unlock()
	if !started {
		p.closeOnce.Do(func() { close(p.done) })
		return nil
	}
	_ = stdin.Close()
	select {
	case <-p.done:
	case <-time.After(p.opts.StopTimeout):
		p.logger.Warn("engine did not exit, killing")
		_ = cmd.Process.Kill()
		<-p.done
	}
	return nil
}

func (p *Process) readLoop(stdout io.Reader, deliver func(string)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		deliver(line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("engine output unreadable, killing engine", "err", err)
		_ = p.cmd.Process.Kill()
	}
	<-p.stderrDone
	err := p.cmd.Wait()
	p.closeOnce.Do(func() {
		p.exitErr = err
		close(p.done)
	})
	if err != nil {
		p.logger.Error("engine exited", "err", err)
	} else {
		p.logger.Info("engine exited")
	}
}

func (p *Process) forwardStderr(stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("engine stderr", "line", scanner.Text())
	}
}
