package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
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
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
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
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Rsync   Rsync   `json:"rsync" yaml:"rsync"`
	Service Service `json:"service" yaml:"service"`
	Jobs    []Job   `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// Rsync settings shared by all jobs.
type Rsync struct {
	Binary       string `json:"binary" yaml:"binary"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"` // Go duration
	FlushTimeout string `json:"flush_timeout" yaml:"flush_timeout"` // Go duration
}

// PollIntervalDuration returns the parsed poll interval, zero if unset or invalid.
func (r Rsync) PollIntervalDuration() time.Duration {
	return parseDuration(r.PollInterval)
}

// FlushTimeoutDuration returns the parsed flush timeout, zero if unset or invalid.
func (r Rsync) FlushTimeoutDuration() time.Duration {
	return parseDuration(r.FlushTimeout)
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool           `json:"verbose" yaml:"verbose"`
	Parallel int            `json:"parallel" yaml:"parallel"` // jobs running at once in manual mode
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// TimerSchedule is either a 5 fields cron expression or a duration like 1d2h.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Job is one named source to target synchronization.
type Job struct {
	Name      string `json:"name" yaml:"name"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Recursive bool   `json:"recursive" yaml:"recursive"`
	Verbose   bool   `json:"verbose" yaml:"verbose"`
	Progress  bool   `json:"progress" yaml:"progress"`
}

// DefaultConfig is the configuration stored when none exists yet.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Rsync: Rsync{
			Binary:       "rsync",
			PollInterval: "50ms",
			FlushTimeout: "2s",
		},
		Service: Service{
			Mode:     ServiceModeManual,
			Parallel: 2,
		},
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

	seen := make(map[string]struct{}, len(out.Jobs))
	for _, job := range out.Jobs {
		if _, ok := seen[job.Name]; ok {
			return Config{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
		seen[job.Name] = struct{}{}
	}

	return out, nil
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
