package model

import (
	"context"
	"errors"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int          `json:"version" yaml:"version"` // fixed 0 for now
	Service     Service      `json:"service" yaml:"service"`
	Command     Command      `json:"command" yaml:"command"`
	PostProcess *Command     `json:"postprocess,omitempty" yaml:"postprocess,omitempty"`
	Broadcast   Broadcast    `json:"broadcast" yaml:"broadcast"`
	Logs        Logs         `json:"logs" yaml:"logs"`
	Janitor     *Janitor     `json:"janitor,omitempty" yaml:"janitor,omitempty"`
	Tasks       []TaskConfig `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Mirror      Mirror       `json:"mirror" yaml:"mirror"`
}

// Service holds the process wide settings.
type Service struct {
	Verbose         bool     `json:"verbose" yaml:"verbose"`
	Addr            string   `json:"addr" yaml:"addr"`
	DataDir         string   `json:"data_dir" yaml:"data_dir"`   // status database lives here
	CasesDir        string   `json:"cases_dir" yaml:"cases_dir"` // one working directory per case
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// Command describes the external computation. It is executed with the
// case directory as its working directory.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"` // 0 means no limit
}

type Broadcast struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Logs controls how many previous calculation logs are kept per case.
type Logs struct {
	Keep int `json:"keep" yaml:"keep"`
}

type Janitor struct {
	Schedule Schedule `json:"schedule" yaml:"schedule"`
	Keep     int      `json:"keep" yaml:"keep"`
}

type TaskConfig struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type Mirror struct {
	Kafka *KafkaMirror `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	Redis *RedisMirror `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type KafkaMirror struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Brokers   []string `json:"brokers" yaml:"brokers"`
	Topic     string   `json:"topic" yaml:"topic"`
	QueueSize int      `json:"queue_size" yaml:"queue_size"`
}

type RedisMirror struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	URL       string `json:"url" yaml:"url"` // redis://[:password@]host:port/db
	Prefix    string `json:"prefix" yaml:"prefix"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

// Duration is a time.Duration written as "15s" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig is written to the user config directory when no config file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Addr:            ":8080",
			DataDir:         "data",
			CasesDir:        "uploads",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Command: Command{
			Path: "bash",
			Args: []string{"run.sh"},
		},
		Broadcast: Broadcast{QueueSize: 64},
		Logs:      Logs{Keep: 1},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if out.Janitor != nil {
		if err := out.Janitor.Schedule.Validate(); err != nil {
			return Config{}, err
		}
	}

	return out, nil
}
