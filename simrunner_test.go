package simrunner_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/model"

	"github.com/stretchr/testify/require"
)

var (
	simrunnerPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("simrunner-ci") {
		slog.Error("cannot locate simrunner-ci binary: run go build -race -cover -covermode=atomic -o simrunner-ci ./cmd/simrunner/ first")
		os.Exit(1)
	}

	var err error
	simrunnerPath, err = filepath.Abs("simrunner-ci")
	if err != nil {
		slog.Error("can't get abspath for simrunner-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for simrunner-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for simrunner-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
service:
    data_dir: data
    cases_dir: uploads
command:
    path: sh
    args: ["run.sh"]
postprocess:
    path: sh
    args: ["-c", "echo precomputing"]
mirror: {}
`

func simrunner(t *testing.T, args ...string) (stdout, stderr bytes.Buffer, err error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, simrunnerPath, append(args, "--config", "simrunner.yaml")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return
}

func TestRun(t *testing.T) {
	dir := tmpDir(t)
	t.Chdir(dir)
	creat(t, "simrunner.yaml", []byte(config))
	require.NoError(t, os.MkdirAll(filepath.Join("uploads", "case1"), 0o755))
	creat(t, filepath.Join("uploads", "case1", "run.sh"), []byte(`
echo 'TaskStart: modeling'
echo 'Progress: 100% Task: modeling'
echo 'TaskStart: run_admfoam'
`))

	stdout, stderr, err := simrunner(t, "run", "case1")
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	creat(t, t.Name()+".jsonl", stdout.Bytes())

	var kinds []model.EventKind
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var ev model.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		require.Equal(t, "case1", ev.JobID)
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []model.EventKind{
		model.EventTaskStarted,
		model.EventProgress,
		model.EventTaskCompleted,
		model.EventTaskStarted,
		model.EventJobCompleted,
		model.EventPostProcess,
		model.EventPostProcess,
	}, kinds)

	stdout, stderr, err = simrunner(t, "status", "case1")
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	var status struct {
		CalculationStatus model.Phase    `json:"calculationStatus"`
		Job               model.Job      `json:"job"`
		Progress          model.Progress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &status))
	require.Equal(t, model.PhaseCompleted, status.CalculationStatus)
	require.Equal(t, 100, status.Progress.Percent)
	require.NotNil(t, status.Job.PostStatus)
	require.Equal(t, model.PostCompleted, *status.Job.PostStatus)

	logs, err := filepath.Glob(filepath.Join("uploads", "case1", "run", "calculation_log_*.txt"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	_, stderr, err = simrunner(t, "reset", "case1")
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	stdout, _, err = simrunner(t, "status", "case1")
	require.NoError(t, err)
	require.Contains(t, stdout.String(), `"calculationStatus": "not_started"`)
}

func TestRunFailed(t *testing.T) {
	dir := tmpDir(t)
	t.Chdir(dir)
	creat(t, "simrunner.yaml", []byte(config))
	require.NoError(t, os.MkdirAll(filepath.Join("uploads", "case2"), 0o755))
	creat(t, filepath.Join("uploads", "case2", "run.sh"), []byte("echo 'ERROR Task: modeling'\nexit 4\n"))

	stdout, _, err := simrunner(t, "run", "case2")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 1, exitErr.ExitCode())
	require.Contains(t, stdout.String(), `"kind":"job_failed"`)
	require.Contains(t, stdout.String(), `"exitCode":4`)
}

func TestInvalidConfig(t *testing.T) {
	dir := tmpDir(t)
	t.Chdir(dir)
	creat(t, "simrunner.yaml", []byte("version: 0\ncommand:\n    args: [run.sh]\n"))

	_, stderr, err := simrunner(t, "status", "case1")
	require.Error(t, err)
	require.Contains(t, stderr.String(), "parsing config")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
