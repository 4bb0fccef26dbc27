package config

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the engine's knobs: retry bounds, timeouts, storage
// locations and the collaborator services.
type Pipeline struct {
	MaxFixIterations int                      `yaml:"max_fix_iterations"`
	ErrorRetries     *int                     `yaml:"error_retries"`
	CallTimeout      string                   `yaml:"call_timeout"`
	BatchConcurrency int                      `yaml:"batch_concurrency"`
	RunsDir          string                   `yaml:"runs_dir"`
	LedgerPath       string                   `yaml:"ledger_path"`
	Generation       Service                  `yaml:"generation"`
	Validation       Service                  `yaml:"validation"`
	Skip             []string                 `yaml:"skip"`
	Stages           map[string]StageOverride `yaml:"stages"`
}

// Service configures one external collaborator endpoint.
type Service struct {
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// StageOverride holds per-stage settings that differ from the pipeline
// defaults.
type StageOverride struct {
	MaxFixIterations *int `yaml:"max_fix_iterations"`
}

// ErrorRetryCount returns the configured number of immediate retries of a
// failed collaborator call. Zero is a valid explicit setting; unset means
// one retry.
func (p *Pipeline) ErrorRetryCount() int {
	if p.ErrorRetries == nil {
		return DefaultErrorRetries
	}
	if *p.ErrorRetries < 0 {
		return 0
	}
	return *p.ErrorRetries
}
