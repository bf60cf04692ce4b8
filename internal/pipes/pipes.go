// Package pipes spawns a native worker process and owns its three streams:
// input (stdin), output (stdout) and diagnostic (stderr). It knows nothing
// about the protocol spoken over them.
package pipes

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// readyMarker is the handshake line the worker prints on its diagnostic
// stream once initialization finished. Fixed by the worker contract.
const readyMarker = "ready"

// diagnosticTailLines bounds how much stderr is retained for error reports.
const diagnosticTailLines = 20

// Command describes the worker executable to spawn.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Pipes is the byte-stream channel to one spawned worker. A single manager
// owns the input side, a single result processor owns the output side.
type Pipes struct {
	mx      sync.RWMutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	state   *os.ProcessState
	started time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	waitErr   error

	tailMx sync.Mutex
	tail   []string
}

// Spawn starts the worker and begins monitoring its diagnostic stream and
// exit. onExit, if non-nil, runs exactly once when the process ends, with
// the wait error. It fires for every exit, expected or not; callers that
// only care about crashes check liveness expectations themselves.
func Spawn(ctx context.Context, command Command, onExit func(error)) (*Pipes, error) {
	// deliberately not CommandContext: the lifecycle manager decides when
	// the worker dies, a canceled spawn context must not SIGKILL it
	cmd := exec.Command(command.Path, command.Args...)
	if command.Env != nil {
		cmd.Env = command.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}

	p := &Pipes{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now().UTC(),
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	go p.processDiagnostic(ctx, stderr)
	go p.wait(onExit)
	return p, nil
}

func (p *Pipes) processDiagnostic(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, readyMarker) {
			p.readyOnce.Do(func() { close(p.ready) })
			continue
		}
		p.appendTail(line)
		slog.DebugContext(ctx, "worker diagnostic", "line", line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading worker diagnostic stream", "error", err)
	}
}

func (p *Pipes) appendTail(line string) {
	p.tailMx.Lock()
	defer p.tailMx.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > diagnosticTailLines {
		p.tail = p.tail[len(p.tail)-diagnosticTailLines:]
	}
}

func (p *Pipes) wait(onExit func(error)) {
	err := p.cmd.Wait()

	p.mx.Lock()
	p.state = p.cmd.ProcessState
	p.waitErr = err
	p.mx.Unlock()

	close(p.done)
	if onExit != nil {
		onExit(err)
	}
}

// Stdin returns the worker's input stream. Owned by the lifecycle manager;
// never written concurrently.
func (p *Pipes) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the worker's output stream. Owned by the result processor.
func (p *Pipes) Stdout() io.Reader { return p.stdout }

// IsAlive reports whether the process is still running.
func (p *Pipes) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// IsReady reports whether the worker completed its startup handshake.
func (p *Pipes) IsReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// AwaitReady blocks until the handshake arrives, the process exits, the
// timeout elapses or ctx is canceled.
func (p *Pipes) AwaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return errors.New("worker exited before handshake: " + p.Diagnostic())
	case <-timer.C:
		return errors.New("timed out waiting for worker handshake")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Diagnostic returns the last captured diagnostic-stream text.
func (p *Pipes) Diagnostic() string {
	p.tailMx.Lock()
	defer p.tailMx.Unlock()
	return strings.Join(p.tail, "\n")
}

// StartTime is when the process was spawned.
func (p *Pipes) StartTime() time.Time { return p.started }

// CloseStdin signals end of input, letting an orderly worker finish and
// exit on its own.
func (p *Pipes) CloseStdin() error {
	return p.stdin.Close()
}

// Kill terminates the process immediately. Safe to call on an already dead
// process.
func (p *Pipes) Kill() {
	if !p.IsAlive() {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("killing worker process", "error", err)
	}
}

// Await blocks until the process has exited or ctx is canceled, returning
// the process wait error.
func (p *Pipes) Await(ctx context.Context) error {
	select {
	case <-p.done:
		p.mx.RLock()
		defer p.mx.RUnlock()
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
