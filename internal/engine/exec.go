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
	"path/filepath"
	"sync"
	"time"

	"github.com/0x6d61/autoar/internal/scan"
)

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// engine exits, in case a background child still holds the pipe.
const DefaultWaitDelay = 10 * time.Second

// maxLineSize is the longest output line delivered unsplit; longer lines
// are split into chunks of this size.
const maxLineSize = 1 << 20

// ExecConfig configures ExecEngine.
type ExecConfig struct {
	// Script is the engine executable (autoAr.sh in a stock install).
	Script string

	// WorkDir is the working directory of the engine. Empty means the
	// directory containing Script.
	WorkDir string

	// Env is appended to the orchestrator's environment.
	Env []string

	// PassWebhook forwards the per-scan webhook URL to the engine with -w.
	PassWebhook bool

	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

// ExecEngine runs the engine as a local child process.
type ExecEngine struct {
	cfg    ExecConfig
	logger *slog.Logger
}

var _ Engine = (*ExecEngine)(nil)

// NewExecEngine validates cfg and returns an engine using it. A missing
// script is not an error here; it is reported by each Launch.
func NewExecEngine(cfg ExecConfig, logger *slog.Logger) (*ExecEngine, error) {
	if cfg.Script == "" {
		return nil, errors.New("engine: script path is required")
	}
	script, err := filepath.Abs(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving script path: %w", err)
	}
	cfg.Script = script
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Dir(script)
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecEngine{cfg: cfg, logger: logger}, nil
}

// Launch starts the engine process.
func (e *ExecEngine) Launch(ctx context.Context, target scan.Target, opts scan.Options) (Handle, error) {
	info, err := os.Stat(e.cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("engine: %s is a directory", e.cfg.Script)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := BuildArgs(target, opts, e.cfg.PassWebhook)
	// The process must outlive ctx, so it is not a CommandContext.
	cmd := exec.Command(e.cfg.Script, args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.WaitDelay = e.cfg.WaitDelay
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	// Same writer for both streams keeps their relative order.
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("engine: start %s: %w", filepath.Base(e.cfg.Script), err)
	}
	e.logger.DebugContext(ctx, "engine started", "pid", cmd.Process.Pid, "args", args)

	h := &execHandle{
		cmd:     cmd,
		output:  make(chan string, 64),
		result:  make(chan Result, 1),
		discard: make(chan struct{}),
		logger:  e.logger,
	}
	pumped := make(chan struct{})
	go h.pump(pr, pumped)
	go h.wait(pw, pumped)
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	output chan string
	result chan Result
	logger *slog.Logger

	discardOnce sync.Once
	discard     chan struct{}

	mu     sync.Mutex
	exited bool
}

func (h *execHandle) Output() <-chan string { return h.output }

func (h *execHandle) Result() <-chan Result { return h.result }

func (h *execHandle) pump(r io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	defer close(h.output)
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				h.emit(line)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				h.logger.Warn("reading engine output", "error", err)
			}
			return
		}
		line = append(line, frag...)
		// Lines longer than maxLineSize arrive as consecutive chunks.
		for len(line) > maxLineSize {
			h.emit(line[:maxLineSize])
			line = append(line[:0], line[maxLineSize:]...)
		}
		if !isPrefix {
			h.emit(line)
			line = line[:0]
		}
	}
}

// emit delivers one line unless output is being discarded.
func (h *execHandle) emit(line []byte) {
	select {
	case h.output <- string(line):
	case <-h.discard:
	}
}

func (h *execHandle) wait(w *io.PipeWriter, pumped <-chan struct{}) {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	w.Close()
	<-pumped

	res := Result{ExitCode: -1, Err: err}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) && res.ExitCode == 0 {
		// Clean exit; a leftover child held the output open.
		res.Err = nil
	}
	h.result <- res
	close(h.result)
}

func (h *execHandle) hasExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *execHandle) Cancel() error {
	if h.hasExited() {
		return nil
	}
	return ignoreDone(terminate(h.cmd))
}

func (h *execHandle) Kill() error {
	h.discardOnce.Do(func() { close(h.discard) })
	if h.hasExited() {
		return nil
	}
	return ignoreDone(kill(h.cmd))
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
