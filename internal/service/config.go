package service

import (
	"os"
	"slices"
	"strings"

	"github.com/windsim/simrunner/internal/model"
)

// NewCommand builds the command executed for a case. The process runs
// in caseDir and inherits the environment of simrunner extended by the
// configured variables. Values starting with $ are expanded.
func NewCommand(cfg model.Command, caseDir string) Command {
	var env []string
	if len(cfg.Env) > 0 {
		env = os.Environ()
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			v := cfg.Env[k]
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, strings.ToUpper(k)+"="+v)
		}
	}
	return Command{
		Path:    cfg.Path,
		Args:    append([]string(nil), cfg.Args...),
		Env:     env,
		Dir:     caseDir,
		Timeout: cfg.Timeout.Duration,
	}
}
