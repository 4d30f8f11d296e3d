// Package joblog keeps the raw output of calculations as newline
// delimited text files under <case>/run/calculation_log_<unix-ms>.txt.
package joblog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/windsim/simrunner/internal/parallel"
)

const (
	RunDir = "run"
	prefix = "calculation_log_"
	suffix = ".txt"
)

var ErrNoLog = errors.New("no calculation log")

// Log is an append-only calculation log. It is safe for concurrent use
// and every WriteLine call lands as one complete line.
type Log struct {
	mx   sync.Mutex
	f    *os.File
	path string
}

// Create opens a fresh log in caseDir/run stamped with now and removes
// older logs so at most keep of them remain besides the new one.
func Create(caseDir string, now time.Time, keep int) (*Log, error) {
	dir := filepath.Join(caseDir, RunDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	if _, err := pruneDir(dir, keep); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening calculation log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

func FileName(t time.Time) string {
	return prefix + strconv.FormatInt(t.UnixMilli(), 10) + suffix
}

func (l *Log) Path() string {
	return l.path
}

// WriteLine appends line terminated by a newline.
func (l *Log) WriteLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := l.Write(buf)
	return err
}

func (l *Log) Write(p []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.f == nil {
		return 0, os.ErrClosed
	}
	return l.f.Write(p)
}

func (l *Log) Close() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Latest returns the path of the newest log of a case.
func Latest(caseDir string) (string, error) {
	logs, err := list(filepath.Join(caseDir, RunDir))
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", ErrNoLog
	}
	return logs[len(logs)-1].path, nil
}

// Open returns the newest log of a case for reading.
func Open(caseDir string) (io.ReadCloser, error) {
	path, err := Latest(caseDir)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// pruneWorkers bounds the case directories pruned at once.
const pruneWorkers = 4

// Prune applies the retention to every case directory under casesDir and
// returns the number of removed files. The newest log of a case always
// survives, keep counts the older ones.
func Prune(ctx context.Context, casesDir string, keep int) (int, error) {
	entries, err := os.ReadDir(casesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	dirs := func(yield func(string, error) bool) {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if !yield(filepath.Join(casesDir, e.Name(), RunDir), nil) {
				return
			}
		}
	}
	type pruned struct {
		n   int
		err error
	}
	prune := func(_ context.Context, dir string) (pruned, error) {
		n, err := pruneDir(dir, keep+1)
		return pruned{n: n, err: err}, nil
	}

	var total int
	var errs []error
	for p, err := range parallel.Map(ctx, pruneWorkers, dirs, prune) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += p.n
		if p.err != nil {
			errs = append(errs, p.err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

type entry struct {
	path  string
	stamp int64
}

// list returns logs in dir ordered from the oldest.
func list(dir string) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ret []entry
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		stamp, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix), 10, 64)
		if err != nil {
			continue
		}
		ret = append(ret, entry{path: filepath.Join(dir, name), stamp: stamp})
	}
	slices.SortFunc(ret, func(a, b entry) int {
		switch {
		case a.stamp < b.stamp:
			return -1
		case a.stamp > b.stamp:
			return 1
		}
		return 0
	})
	return ret, nil
}

// pruneDir removes the oldest logs until at most keep are left.
func pruneDir(dir string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	logs, err := list(dir)
	if err != nil {
		return 0, err
	}
	if len(logs) <= keep {
		return 0, nil
	}
	var removed int
	var errs []error
	for _, e := range logs[:len(logs)-keep] {
		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
