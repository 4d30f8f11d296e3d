package service

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

	"github.com/windsim/simrunner/internal/model"

	"golang.org/x/sync/errgroup"
)

var (
	ErrJobNotStarted = errors.New("job not started")
	ErrJobInProgress = errors.New("job in progress")
)

const (
	linesBuffer = 256
	maxLine     = 1024 * 1024
	// DefaultDrainGrace bounds how long output is read after the process
	// exited while a left behind child still holds the pipes.
	DefaultDrainGrace = 5 * time.Second
)

// LogWriter receives every raw output line.
type LogWriter interface {
	WriteLine(line string) error
}

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output without the line terminator.
type Line struct {
	Stream Stream
	Text   string
}

type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	lines      chan Line
	waits      []chan Result
	log        LogWriter
}

// NewRunner returns a runner which appends output to log. A nil log
// discards it.
func NewRunner(log LogWriter) *Runner {
	return &Runner{
		result: Result{Err: ErrJobNotStarted, ExitCode: -1},
		log:    log,
	}
}

type Command struct {
	Path       string
	Args       []string
	Env        []string // nil inherits the environment of simrunner
	Dir        string
	Timeout    time.Duration
	DrainGrace time.Duration // 0 means DefaultDrainGrace
}

type Result struct {
	Path     string
	Args     []string
	Dir      string
	Pid      int
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	ExitCode int // -1 when the process did not exit normally
	Err      error
}

// Start spawns the process and returns once it is running. It returns
// ErrJobInProgress while a previous process is alive and *model.SpawnError
// when the executable cannot be started, in which case no output is ever
// delivered.
//
// The process leads its own process group. Timeout, cancellation of ctx
// and Kill signal the whole group, so children of a shell script die with
// it. Both output streams are drained concurrently. Each line is written
// to the log first and then sent to Lines. Once the process exited and
// both streams are drained Lines is closed and the Result is sent to every
// WaitChan.
func (r *Runner) Start(ctx context.Context, proto Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrJobInProgress
	}

	r.result = Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		Dir:      proto.Dir,
		ExitCode: -1,
	}

	r.cancelFunc = nil
	if proto.Timeout > 0 {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append([]string(nil), proto.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	spawnErr := func(err error) error {
		closeAll()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		if r.cancelFunc != nil {
			r.cancelFunc()
			r.cancelFunc = nil
		}
		return &model.SpawnError{Path: proto.Path, Err: err}
	}
	// the runner owns the read ends, cmd.Wait does not close them
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnErr(err)
	}
	files = append(files, stdout, stdoutW)
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		return spawnErr(err)
	}
	files = append(files, stderr, stderrW)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return spawnErr(err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	r.result.Pid = cmd.Process.Pid
	r.cmd = cmd
	lines := make(chan Line, linesBuffer)
	r.lines = lines

	var g errgroup.Group
	g.Go(func() error { return r.drain(ctx, stdout, Stdout, lines) })
	g.Go(func() error { return r.drain(ctx, stderr, Stderr, lines) })

	grace := proto.DrainGrace
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	go r.wait(ctx, cmd, &g, grace, lines, stdout, stderr)
	return nil
}

// drain reads rd line by line until EOF. Lines longer than maxLine are
// split.
func (r *Runner) drain(ctx context.Context, rd io.Reader, stream Stream, lines chan<- Line) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err == nil {
			sb.Write(chunk)
			if !isPrefix || sb.Len() >= maxLine {
				r.emit(ctx, stream, sb.String(), lines)
				sb.Reset()
			}
			continue
		}

		if sb.Len() > 0 {
			r.emit(ctx, stream, sb.String(), lines)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, os.ErrClosed) {
			// closed by wait after the grace period
			return err
		}
		slog.ErrorContext(ctx, "reading process output", "stream", stream.String(), "error", err)
		// keep the pipe flowing so the process does not block on write
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
}

func (r *Runner) emit(ctx context.Context, stream Stream, text string, lines chan<- Line) {
	logged := text
	if stream == Stderr {
		logged = "ERROR: " + text
		slog.WarnContext(ctx, "process stderr", "line", text)
	}
	if r.log != nil {
		if err := r.log.WriteLine(logged); err != nil {
			slog.ErrorContext(ctx, "writing calculation log", "error", err)
		}
	}
	lines <- Line{Stream: stream, Text: text}
}

// wait reaps the process and then waits for both streams to hit EOF. A
// child which outlives the process and keeps the pipes open is killed
// after grace and the pipes are closed.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, g *errgroup.Group, grace time.Duration, lines chan Line, pipes ...*os.File) {
	err := cmd.Wait()

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()
	var drainErr error
	select {
	case drainErr = <-drained:
	case <-time.After(grace):
		slog.WarnContext(ctx, "process output still open after exit, killing leftovers", "pid", cmd.Process.Pid, "grace", grace.String())
		_ = killProcessGroup(cmd)
		for _, p := range pipes {
			_ = p.Close()
		}
		drainErr = <-drained
	}
	if drainErr != nil {
		slog.WarnContext(ctx, "process output incomplete", "error", drainErr)
	}
	for _, p := range pipes {
		_ = p.Close()
	}
	close(lines)
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	if cmd.ProcessState != nil {
		r.result.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// Lines returns the output of the current process. The channel is closed
// once the process exited and its output was drained.
func (r *Runner) Lines() <-chan Line {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.lines
}

// WaitChan returns a channel obtaining the result of the running process.
// If no process is running the channel yields the last result at once.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns the last result, carrying ErrJobNotStarted when nothing
// has run yet and ErrJobInProgress while the process runs.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		ret := r.result
		ret.Err = ErrJobInProgress
		return ret
	}
	return r.result
}

// Kill terminates the running process and its process group, if any.
func (r *Runner) Kill() error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	err := killProcessGroup(r.cmd)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
