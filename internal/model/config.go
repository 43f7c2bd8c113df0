package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultShell = "/bin/sh"
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the resolved jobq configuration shared by the CLI and the daemon.
type Config struct {
	Version   int               `json:"version" yaml:"version"`
	StateDir  string            `json:"state_dir" yaml:"state_dir"`
	Shell     string            `json:"shell" yaml:"shell"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Scheduler Scheduler         `json:"scheduler" yaml:"scheduler"`
	Log       string            `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Verbose   bool              `json:"verbose" yaml:"verbose"`
}

type Scheduler struct {
	MaxRunning     int      `json:"max_running" yaml:"max_running"`
	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval"`
	GracePeriod    Duration `json:"grace_period" yaml:"grace_period"`
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout"`
}

// DefaultConfig runs one job at a time.
func DefaultConfig() Config {
	stateDir := "jobs"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".jobq")
	}
	return Config{
		Version:  0,
		StateDir: stateDir,
		Shell:    DefaultShell,
		Scheduler: Scheduler{
			MaxRunning:     1,
			PollInterval:   Duration(2 * time.Second),
			GracePeriod:    Duration(10 * time.Second),
			DefaultTimeout: Duration(time.Hour),
		},
		Log: LogStderr,
	}
}

// EnvList returns the configured job environment as KEY=VALUE pairs.
// Values starting with $ are expanded from the daemon environment.
func (c Config) EnvList() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// the shape of the file as validated by the cue schema
type fileConfig struct {
	Version   int               `json:"version"`
	StateDir  *string           `json:"state_dir,omitempty"`
	Shell     *string           `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Scheduler *struct {
		MaxRunning     *int    `json:"max_running,omitempty"`
		PollInterval   *string `json:"poll_interval,omitempty"`
		GracePeriod    *string `json:"grace_period,omitempty"`
		DefaultTimeout *string `json:"default_timeout,omitempty"`
	} `json:"scheduler,omitempty"`
	Log     *string `json:"log,omitempty"`
	Verbose *bool   `json:"verbose,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and merges it over DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("jobq.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var raw fileConfig
	if err := unified.Decode(&raw); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Version = raw.Version
	set(&cfg.StateDir, raw.StateDir)
	set(&cfg.Shell, raw.Shell)
	set(&cfg.Log, raw.Log)
	set(&cfg.Verbose, raw.Verbose)
	if raw.Env != nil {
		cfg.Env = raw.Env
	}
	if s := raw.Scheduler; s != nil {
		set(&cfg.Scheduler.MaxRunning, s.MaxRunning)
		for _, d := range []struct {
			name     string
			dst      *Duration
			src      *string
			positive bool
		}{
			{"scheduler.poll_interval", &cfg.Scheduler.PollInterval, s.PollInterval, true},
			{"scheduler.grace_period", &cfg.Scheduler.GracePeriod, s.GracePeriod, false},
			{"scheduler.default_timeout", &cfg.Scheduler.DefaultTimeout, s.DefaultTimeout, false},
		} {
			if d.src == nil {
				continue
			}
			parsed, err := ParseDuration(*d.src)
			if err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", d.name, err)
			}
			if d.positive && parsed == 0 {
				return Config{}, fmt.Errorf("%s must be positive", d.name)
			}
			*d.dst = Duration(parsed)
		}
	}
	return cfg, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Duration is a time.Duration written as a human readable string in config files.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON also accepts a plain number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		if secs < 0 {
			return fmt.Errorf("negative duration %gs", secs)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
