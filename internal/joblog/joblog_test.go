package joblog_test

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/joblog"

	"github.com/stretchr/testify/require"
)

func TestCreateAndRead(t *testing.T) {
	t.Parallel()
	caseDir := t.TempDir()

	_, err := joblog.Latest(caseDir)
	require.ErrorIs(t, err, joblog.ErrNoLog)

	now := time.UnixMilli(1_700_000_000_000)
	l, err := joblog.Create(caseDir, now, 1)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(caseDir, "run", "calculation_log_1700000000000.txt"), l.Path())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Go(func() {
			errs <- l.WriteLine("line")
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, l.WriteLine("ERROR: last"))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.WriteLine("closed"), os.ErrClosed)

	rc, err := joblog.Open(caseDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	want := ""
	for range 10 {
		want += "line\n"
	}
	want += "ERROR: last\n"
	require.Equal(t, want, string(b))
}

func TestRetention(t *testing.T) {
	t.Parallel()
	caseDir := t.TempDir()
	base := time.UnixMilli(1_000)

	for i := range 4 {
		l, err := joblog.Create(caseDir, base.Add(time.Duration(i)*time.Second), 1)
		require.NoError(t, err)
		require.NoError(t, l.Close())
	}

	names := logNames(t, caseDir)
	// the new log plus one older
	require.Equal(t, []string{
		joblog.FileName(base.Add(2 * time.Second)),
		joblog.FileName(base.Add(3 * time.Second)),
	}, names)

	latest, err := joblog.Latest(caseDir)
	require.NoError(t, err)
	require.Equal(t, joblog.FileName(base.Add(3*time.Second)), filepath.Base(latest))
}

func TestPrune(t *testing.T) {
	t.Parallel()
	cases := t.TempDir()
	base := time.UnixMilli(5_000)

	for _, id := range []string{"a", "b"} {
		for i := range 3 {
			l, err := joblog.Create(filepath.Join(cases, id), base.Add(time.Duration(i)*time.Millisecond), 10)
			require.NoError(t, err)
			require.NoError(t, l.Close())
		}
	}
	// unrelated files survive
	require.NoError(t, os.WriteFile(filepath.Join(cases, "a", "run", "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cases, "stray"), nil, 0o644))

	n, err := joblog.Prune(t.Context(), cases, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.Equal(t, []string{joblog.FileName(base.Add(2 * time.Millisecond)), "notes.txt"}, logNames(t, filepath.Join(cases, "a")))
	require.Equal(t, []string{joblog.FileName(base.Add(2 * time.Millisecond))}, logNames(t, filepath.Join(cases, "b")))

	n, err = joblog.Prune(t.Context(), filepath.Join(cases, "missing"), 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func logNames(t *testing.T, caseDir string) []string {
	t.Helper()
	des, err := os.ReadDir(filepath.Join(caseDir, "run"))
	require.NoError(t, err)
	names := make([]string, 0, len(des))
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}
