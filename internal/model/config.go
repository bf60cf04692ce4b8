package model

import (
	"io"
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
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version"` // fixed 0 for now
	Process Process `json:"process"`
	Store   Store   `json:"store"`
	Service Service `json:"service"`
}

// Process configures how native worker processes are spawned and waited on.
type Process struct {
	Binary             string   `json:"binary"`
	Args               []string `json:"args,omitempty"`
	StartTimeout       string   `json:"start_timeout"`
	FlushRetryInterval string   `json:"flush_retry_interval"`
	FlushRetries       int      `json:"flush_retries"`
	MaxOpenJobs        int      `json:"max_open_jobs"`
}

// StartTimeoutDuration returns the parsed start_timeout. The schema already
// constrained the format, so parse errors mean a schema/helper mismatch.
func (p Process) StartTimeoutDuration() (time.Duration, error) {
	return ParseCueDuration(p.StartTimeout)
}

func (p Process) FlushRetryIntervalDuration() (time.Duration, error) {
	return ParseCueDuration(p.FlushRetryInterval)
}

// Store configures the results and snapshot database.
type Store struct {
	Path string `json:"path"`
}

type Service struct {
	Verbose       bool    `json:"verbose"`
	Log           string  `json:"log"`
	MetricsListen *string `json:"metrics_listen,omitempty"`
	RetentionCron string  `json:"retention_cron"`
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
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

	return out, nil
}

// DefaultConfig returns the schema defaults with the given worker binary.
func DefaultConfig(binary string) Config {
	return Config{
		Version: 0,
		Process: Process{
			Binary:             binary,
			StartTimeout:       "30s",
			FlushRetryInterval: "1s",
			FlushRetries:       120,
			MaxOpenJobs:        20,
		},
		Store: Store{Path: "anomalyd.db"},
		Service: Service{
			Log:           LogStderr,
			RetentionCron: "0 3 * * *",
		},
	}
}
