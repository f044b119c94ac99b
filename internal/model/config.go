package model

// Config is the engine's top-level configuration, loaded from YAML at
// startup. Field names mirror the tunables named in the external
// interfaces: every timing knob is expressed in seconds so the file stays
// free of duration-string parsing ambiguity, matching the teacher's own
// *Sec-suffixed convention.
type Config struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	DataDir       string         `yaml:"data_dir"`
	HTTP          HTTPConfig     `yaml:"http"`
	Admin         AdminConfig    `yaml:"admin"`
	Queue         QueueConfig    `yaml:"queue"`
	Supervisor    SupervisorConfig `yaml:"supervisor"`
	EventLog      EventLogConfig `yaml:"event_log"`
	Backends      BackendsConfig `yaml:"backends"`
	Logging       LoggingConfig  `yaml:"logging"`
	Quality       QualityConfig  `yaml:"quality"`
}

// QualityConfig configures the supplemental Quality Gate Layer (§4.11).
type QualityConfig struct {
	Enabled bool `yaml:"enabled"`
	// ConfigDir is the root the gate loader scans; gate definitions
	// themselves live under ConfigDir/quality_gates/*.yaml.
	ConfigDir string `yaml:"config_dir"`
}

// HTTPConfig configures the external Dispatch API listener.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AdminConfig configures the local UDS admin control plane.
type AdminConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// QueueConfig configures job-queue scheduling.
type QueueConfig struct {
	LeaseTTLSec      int `yaml:"lease_ttl_sec"`       // default 300
	MaxAttempts      int `yaml:"max_attempts"`        // default 3
	AgeThresholdSec  int `yaml:"age_threshold_sec"`   // default 60
	ReaperIntervalSec int `yaml:"reaper_interval_sec"` // how often the background reaper scans for lease expiry
}

// SupervisorConfig configures the Dual-Engine Supervisor.
type SupervisorConfig struct {
	MaxReworkRounds   int `yaml:"max_rework_rounds"`   // default 2
	MaxRewrites       int `yaml:"max_rewrites"`        // default 3
	BackendTimeoutSec int `yaml:"backend_timeout_sec"` // default 300
}

// EventLogConfig configures the append-only event log.
type EventLogConfig struct {
	ArchiveAfterDays int  `yaml:"archive_after_days"` // default 7
	EnableChecksum   bool `yaml:"enable_checksum"`
}

// BackendProfile names a concrete LLM backend: provider + model +
// optional custom base URL.
type BackendProfile struct {
	Provider string `yaml:"provider"` // "anthropic" | "openai"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// BackendStage is the supervisor stage a backend call is made for.
type BackendStage string

const (
	StageWriter  BackendStage = "writer"
	StageAuditor BackendStage = "auditor"
	StageStamp   BackendStage = "stamp"
)

// BackendsConfig is the static (role, stage) -> profile routing table
// (§4.9).
type BackendsConfig struct {
	APIKeyEnvAnthropic string                              `yaml:"api_key_env_anthropic"`
	APIKeyEnvOpenAI    string                              `yaml:"api_key_env_openai"`
	Routes             map[Role]map[BackendStage]BackendProfile `yaml:"routes"`
}

// LoggingConfig configures the leveled logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// DefaultConfig returns a Config populated with the defaults named in the
// external interfaces section.
func DefaultConfig() Config {
	return Config{
		SchemaVersion: 1,
		FileType:      "config",
		DataDir:       ".pipelinecore",
		HTTP:          HTTPConfig{ListenAddr: ":8080"},
		Admin:         AdminConfig{SocketPath: ".pipelinecore/daemon.sock"},
		Queue: QueueConfig{
			LeaseTTLSec:       300,
			MaxAttempts:       3,
			AgeThresholdSec:   60,
			ReaperIntervalSec: 10,
		},
		Supervisor: SupervisorConfig{
			MaxReworkRounds:   2,
			MaxRewrites:       3,
			BackendTimeoutSec: 300,
		},
		EventLog: EventLogConfig{
			ArchiveAfterDays: 7,
			EnableChecksum:   true,
		},
		Backends: BackendsConfig{
			APIKeyEnvAnthropic: "ANTHROPIC_API_KEY",
			APIKeyEnvOpenAI:    "OPENAI_API_KEY",
			Routes:             make(map[Role]map[BackendStage]BackendProfile),
		},
		Logging: LoggingConfig{Level: "info"},
		Quality: QualityConfig{Enabled: false, ConfigDir: ".pipelinecore"},
	}
}
