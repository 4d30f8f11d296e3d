package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/windsim/simrunner/internal/broadcast"
	"github.com/windsim/simrunner/internal/classify"
	"github.com/windsim/simrunner/internal/joblog"
	"github.com/windsim/simrunner/internal/log"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"
	"github.com/windsim/simrunner/internal/store"
	"github.com/windsim/simrunner/internal/tasks"

	"github.com/jonboulle/clockwork"
)

var ErrClosed = errors.New("supervisor closed")

// RunState is the in-memory state of an active run.
type RunState string

const (
	RunStarting       RunState = "starting"
	RunRunning        RunState = "running"
	RunPostProcessing RunState = "post_processing"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
)

// Sink receives a copy of every stored event. Send must not block.
type Sink interface {
	Send(ev model.Event)
}

type Config struct {
	CasesDir    string
	Command     model.Command
	PostProcess *model.Command
	LogsKeep    int
}

// ConfigFrom extracts the supervisor settings from the config file.
func ConfigFrom(cfg model.Config) Config {
	return Config{
		CasesDir:    cfg.Service.CasesDir,
		Command:     cfg.Command,
		PostProcess: cfg.PostProcess,
		LogsKeep:    cfg.Logs.Keep,
	}
}

type Deps struct {
	Registry    tasks.Registry
	Classifier  *classify.Classifier
	Store       *store.Store
	Broadcaster *broadcast.Broadcaster
	Metrics     *observability.Metrics
	Clock       clockwork.Clock
	Sinks       []Sink
}

// Run is a handle to one accepted start of a job.
type Run struct {
	JobID  string
	Number int

	mx    sync.Mutex
	state RunState
	job   model.Job
	done  chan struct{}
}

func (r *Run) State() RunState {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

func (r *Run) setState(state RunState) {
	r.mx.Lock()
	r.state = state
	r.mx.Unlock()
}

// Done is closed once the process terminated and the job reached its
// terminal phase.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the process terminates and returns the terminal job
// record.
func (r *Run) Wait(ctx context.Context) (model.Job, error) {
	select {
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	case <-r.done:
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.job, nil
}

func (r *Run) finish(state RunState, job model.Job) {
	r.mx.Lock()
	r.state = state
	r.job = job
	r.mx.Unlock()
	close(r.done)
}

// Supervisor starts calculations and feeds their output through the
// classifier into the store, the broadcaster and the sinks.
type Supervisor struct {
	cfg   Config
	deps  Deps
	base  context.Context
	kill  context.CancelFunc
	mx    sync.Mutex
	runs  map[string]*Run
	close bool
	wg    sync.WaitGroup
}

func NewSupervisor(cfg Config, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetricsForTesting()
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New(deps.Registry, deps.Metrics)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.New(broadcast.DefaultQueueSize, broadcast.WithMetrics(deps.Metrics))
	}
	base, kill := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:  cfg,
		deps: deps,
		base: base,
		kill: kill,
		runs: make(map[string]*Run),
	}
}

func (s *Supervisor) Broadcaster() *broadcast.Broadcaster {
	return s.deps.Broadcaster
}

// CaseDir returns the working directory of a case.
func (s *Supervisor) CaseDir(id string) string {
	return filepath.Join(s.cfg.CasesDir, id)
}

// Start launches the calculation of case id and returns as soon as the
// process runs. It fails with model.ErrInvalidJobID, model.ErrCaseNotFound,
// *model.ConflictError when the job is already active and
// *model.SpawnError when the process cannot be launched. Everything else
// is reported through the event stream and the job record.
func (s *Supervisor) Start(ctx context.Context, id string) (*Run, error) {
	if err := model.ValidateJobID(id); err != nil {
		return nil, err
	}
	caseDir := s.CaseDir(id)
	if fi, err := os.Stat(caseDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", model.ErrCaseNotFound, id)
	}

	run := &Run{JobID: id, state: RunStarting, done: make(chan struct{})}
	s.mx.Lock()
	if s.close {
		s.mx.Unlock()
		return nil, ErrClosed
	}
	if active, ok := s.runs[id]; ok {
		s.mx.Unlock()
		return nil, &model.ConflictError{JobID: id, Phase: string(active.State())}
	}
	s.runs[id] = run
	s.wg.Add(1)
	s.mx.Unlock()

	// the run outlives the request which started it
	runCtx := log.ContextAttrs(s.base, log.Attrs(ctx)...)
	err := s.start(runCtx, run, caseDir)
	if err != nil {
		s.release(run)
		s.wg.Done()
		return nil, err
	}
	return run, nil
}

func (s *Supervisor) start(ctx context.Context, run *Run, caseDir string) error {
	id := run.JobID
	job, err := s.deps.Store.Begin(context.WithoutCancel(ctx), id, s.deps.Registry.IDs())
	if errors.Is(err, store.ErrAlreadyRunning) {
		return &model.ConflictError{JobID: id, Phase: string(model.PhaseRunning)}
	}
	if err != nil {
		return fmt.Errorf("recording start of %s: %w", id, err)
	}
	run.Number = job.Run
	ctx = log.WithJob(ctx, id, job.Run)
	storeCtx := context.WithoutCancel(ctx)

	jl, err := joblog.Create(caseDir, s.deps.Clock.Now(), s.cfg.LogsKeep)
	if err != nil {
		spawnErr := &model.SpawnError{JobID: id, Path: s.cfg.Command.Path, Err: err}
		s.spawnFailed(storeCtx, run, spawnErr)
		return spawnErr
	}

	runner := NewRunner(jl)
	cmd := NewCommand(s.cfg.Command, caseDir)
	if err := runner.Start(ctx, cmd); err != nil {
		_ = jl.Close()
		var spawnErr *model.SpawnError
		if !errors.As(err, &spawnErr) {
			spawnErr = &model.SpawnError{Path: cmd.Path, Err: err}
		}
		spawnErr.JobID = id
		s.spawnFailed(storeCtx, run, spawnErr)
		return spawnErr
	}
	res := runner.Result()
	slog.InfoContext(ctx, "calculation started", "cmd", cmd.Path, "pid", res.Pid, "log", jl.Path())
	s.deps.Metrics.JobsStarted.Inc()
	s.deps.Metrics.JobsRunning.Inc()

	go func() {
		defer s.wg.Done()
		defer s.release(run)
		defer func() { _ = jl.Close() }()
		s.pipeline(ctx, run, runner, caseDir, jl)
	}()
	return nil
}

func (s *Supervisor) spawnFailed(ctx context.Context, run *Run, spawnErr *model.SpawnError) {
	slog.ErrorContext(ctx, "calculation not started", "error", spawnErr)
	s.emit(ctx, run.JobID, model.Error("", spawnErr.Error()))
	code := -1
	job, err := s.finish(ctx, run.JobID, model.PhaseFailed, &code, spawnErr.Error())
	if err != nil {
		slog.ErrorContext(ctx, "recording failed start", "error", err)
	}
	ev := model.JobFailed(code)
	ev.Message = spawnErr.Error()
	s.emit(ctx, run.JobID, ev)
	s.deps.Metrics.JobsFinished.WithLabelValues(string(model.PhaseFailed)).Inc()
	run.finish(RunFailed, job)
}

// pipeline is the single ordered path of one job: every line is
// classified and each resulting event is stored before it is published.
func (s *Supervisor) pipeline(ctx context.Context, run *Run, runner *Runner, caseDir string, jl *joblog.Log) {
	id := run.JobID
	storeCtx := context.WithoutCancel(ctx)
	wait := runner.WaitChan()

	for line := range runner.Lines() {
		if run.State() == RunStarting {
			s.markRunning(storeCtx, run, s.deps.Clock.Now())
		}
		for _, ev := range s.deps.Classifier.Classify(ctx, line.Text) {
			s.emit(storeCtx, id, ev)
		}
	}
	res := <-wait
	if run.State() == RunStarting {
		// no output at all
		s.markRunning(storeCtx, run, res.Started)
	}
	s.deps.Metrics.JobsRunning.Dec()
	s.deps.Metrics.RunDuration.Observe(res.Stopped.Sub(res.Started).Seconds())

	code := res.ExitCode
	if code == 0 && res.Err == nil {
		job, err := s.finish(storeCtx, id, model.PhaseCompleted, &code, "")
		if err != nil {
			slog.ErrorContext(ctx, "recording completion", "error", err)
		}
		s.emit(storeCtx, id, model.JobCompleted())
		s.deps.Metrics.JobsFinished.WithLabelValues(string(model.PhaseCompleted)).Inc()
		slog.InfoContext(ctx, "calculation completed", "duration", res.Stopped.Sub(res.Started).String())

		if s.cfg.PostProcess != nil {
			// the job is terminal but stays active until post processing ends
			run.finish(RunPostProcessing, job)
			s.postProcess(ctx, run, caseDir, jl)
			run.setState(RunCompleted)
			return
		}
		run.finish(RunCompleted, job)
		return
	}

	reason := fmt.Sprintf("exit code %d", code)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	job, err := s.finish(storeCtx, id, model.PhaseFailed, &code, reason)
	if err != nil {
		slog.ErrorContext(ctx, "recording failure", "error", err)
	}
	ev := model.JobFailed(code)
	ev.Message = reason
	s.emit(storeCtx, id, ev)
	s.deps.Metrics.JobsFinished.WithLabelValues(string(model.PhaseFailed)).Inc()
	slog.WarnContext(ctx, "calculation failed", "exit_code", code, "reason", reason)
	run.finish(RunFailed, job)
}

const finishAttempts = 8

// finish records the terminal phase. It retries on store errors so a job
// is not left running because of a transient lock.
func (s *Supervisor) finish(ctx context.Context, id string, phase model.Phase, code *int, reason string) (model.Job, error) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		job, err := s.deps.Store.Finish(ctx, id, phase, code, reason)
		if err == nil || errors.Is(err, store.ErrAlreadyFinished) || errors.Is(err, store.ErrNotFound) || attempt == finishAttempts {
			return job, err
		}
		slog.WarnContext(ctx, "recording terminal phase failed, retrying", "phase", phase, "attempt", attempt, "error", err)
		select {
		case <-s.deps.Clock.After(backoff):
		case <-s.base.Done():
			return job, err
		}
		backoff = min(2*backoff, 5*time.Second)
	}
}

func (s *Supervisor) markRunning(ctx context.Context, run *Run, at time.Time) {
	run.setState(RunRunning)
	if err := s.deps.Store.MarkStarted(ctx, run.JobID, at); err != nil {
		slog.ErrorContext(ctx, "recording startedAt", "error", err)
	}
}

// emit stores ev and then hands it to the subscribers and sinks. A store
// failure is logged and the event is still published.
func (s *Supervisor) emit(ctx context.Context, id string, ev model.Event) {
	stored, err := s.deps.Store.Append(ctx, id, ev)
	if err != nil {
		slog.ErrorContext(ctx, "storing event", "event", ev.String(), "error", err)
		stored = ev
		stored.JobID = id
		stored.Time = s.deps.Clock.Now().UTC()
	}
	s.deps.Broadcaster.Publish(id, stored)
	for _, sink := range s.deps.Sinks {
		sink.Send(stored)
	}
}

// postProcess runs the optional step after a successful calculation. Its
// outcome is kept apart from the job phase.
func (s *Supervisor) postProcess(ctx context.Context, run *Run, caseDir string, jl *joblog.Log) {
	id := run.JobID
	storeCtx := context.WithoutCancel(ctx)
	setStatus := func(status string, code *int) {
		if err := s.deps.Store.SetPostStatus(storeCtx, id, status); err != nil {
			slog.ErrorContext(ctx, "recording post process status", "error", err)
		}
		s.emit(storeCtx, id, model.PostProcess(status, code))
	}

	setStatus(model.PostStarting, nil)
	runner := NewRunner(jl)
	cmd := NewCommand(*s.cfg.PostProcess, caseDir)
	if err := runner.Start(ctx, cmd); err != nil {
		slog.ErrorContext(ctx, "post process not started", "error", err)
		setStatus(model.PostFailed, nil)
		return
	}
	wait := runner.WaitChan()
	for line := range runner.Lines() {
		slog.DebugContext(ctx, "post process output", "line", line.Text)
	}
	res := <-wait
	code := res.ExitCode
	if code == 0 && res.Err == nil {
		setStatus(model.PostCompleted, &code)
		return
	}
	slog.WarnContext(ctx, "post process failed", "exit_code", code, "error", res.Err)
	setStatus(model.PostFailed, &code)
}

func (s *Supervisor) release(run *Run) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.runs[run.JobID] == run {
		delete(s.runs, run.JobID)
	}
}

// Active returns the run of id if it is starting or running.
func (s *Supervisor) Active(id string) (*Run, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Status reads the durable phase of a job. It never fails: a job without
// a record is not_started and an unreadable record is unknown.
func (s *Supervisor) Status(ctx context.Context, id string) model.Phase {
	if model.ValidateJobID(id) != nil {
		return model.PhaseNotStarted
	}
	job, err := s.deps.Store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.PhaseNotStarted
	case err != nil:
		slog.ErrorContext(ctx, "reading job status", "job_id", id, "error", err)
		return model.PhaseUnknown
	case !job.Phase.Valid():
		return model.PhaseUnknown
	}
	return job.Phase
}

// Job returns the durable record, a not_started record for an unknown job.
func (s *Supervisor) Job(ctx context.Context, id string) (model.Job, error) {
	if err := model.ValidateJobID(id); err != nil {
		return model.Job{}, err
	}
	job, err := s.deps.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Job{ID: id, Phase: model.PhaseNotStarted}, nil
	}
	return job, err
}

// Progress returns the task snapshot of the current or last run. A job
// which never ran reports every task pending.
func (s *Supervisor) Progress(ctx context.Context, id string) (model.Progress, error) {
	if err := model.ValidateJobID(id); err != nil {
		return model.Progress{}, err
	}
	p, err := s.deps.Store.Progress(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		p = model.Progress{
			JobID: id,
			Tasks: make(map[string]model.TaskState, s.deps.Registry.Len()),
		}
		for _, taskID := range s.deps.Registry.IDs() {
			p.Tasks[taskID] = model.TaskStatePending
		}
		return p, nil
	}
	return p, err
}

// History returns the stored events of the current run after seq.
func (s *Supervisor) History(ctx context.Context, id string, after int64) ([]model.Event, error) {
	if err := model.ValidateJobID(id); err != nil {
		return nil, err
	}
	events, err := s.deps.Store.Events(ctx, id, after)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Event{}, nil
	}
	return events, err
}

// Reset forgets the job so its next status is not_started.
func (s *Supervisor) Reset(ctx context.Context, id string) error {
	if err := model.ValidateJobID(id); err != nil {
		return err
	}
	if run, ok := s.Active(id); ok {
		return &model.ConflictError{JobID: id, Phase: string(run.State())}
	}
	err := s.deps.Store.Reset(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, store.ErrAlreadyRunning):
		return &model.ConflictError{JobID: id, Phase: string(model.PhaseRunning)}
	}
	return err
}

// Recover demotes jobs left running by a previous process. Call it before
// the first Start.
func (s *Supervisor) Recover(ctx context.Context) ([]string, error) {
	ids, err := s.deps.Store.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling stale jobs: %w", err)
	}
	for _, id := range ids {
		slog.WarnContext(ctx, "stale running job demoted", "job_id", id, "phase", model.PhaseUnknown)
	}
	return ids, nil
}

// Close refuses new starts and waits for active runs. When ctx ends first
// the remaining processes are killed and their failure is recorded.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mx.Lock()
	s.close = true
	s.mx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.kill()
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "killing active calculations")
		s.kill()
		<-done
		return ctx.Err()
	}
}
