package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	Render      RenderConfig    `yaml:"render"`
	Synth       SynthConfig     `yaml:"synth"`
	TextPrep    TextPrepConfig  `yaml:"textprep"`
	Encoder     EncoderConfig   `yaml:"encoder"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RenderConfig struct {
	OutputDir       string `yaml:"output_dir"`
	WorkTTLHours    int    `yaml:"work_ttl_hours"`
	ProgressTickMS  int    `yaml:"progress_tick_ms"`
	MaxSegmentChars int    `yaml:"max_segment_chars"`
}

// SynthConfig selects and parameterizes the active speech backend. All
// fields are scalar on purpose: two configs are equal iff every field
// matches, and equality gates whether the supervisor restarts the backend.
type SynthConfig struct {
	Kind           string `yaml:"kind"` // server, process, mock
	ModelsDir      string `yaml:"models_dir"`
	ServerURL      string `yaml:"server_url"`
	ServerCommand  string `yaml:"server_command"`
	WorkerCommand  string `yaml:"worker_command"`
	WorkerMode     string `yaml:"worker_mode"`
	WakePolicy     string `yaml:"wake_policy"` // strict, permissive
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
}

type TextPrepConfig struct {
	Mode     string `yaml:"mode"` // rules, mock, ollama
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "talecast-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		JobStore: JobStoreConfig{
			Path:          "./data/talecast-jobs.db",
			RetentionDays: 30,
		},
		Render: RenderConfig{
			OutputDir:       "./renders",
			WorkTTLHours:    24,
			ProgressTickMS:  700,
			MaxSegmentChars: 400,
		},
		Synth: SynthConfig{
			Kind:           "mock",
			WakePolicy:     "strict",
			IdleTimeoutSec: 300,
			WorkerMode:     "auto",
		},
		TextPrep: TextPrepConfig{
			Mode:     "rules",
			Endpoint: "http://localhost:11434",
		},
		Encoder: EncoderConfig{
			FFmpegPath: "ffmpeg",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TALECAST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TALECAST_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TALECAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TALECAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TALECAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TALECAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TALECAST_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TALECAST_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TALECAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TALECAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TALECAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TALECAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TALECAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TALECAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TALECAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TALECAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "TALECAST_JOB_STORE_PATH")
	overrideInt(&cfg.JobStore.RetentionDays, "TALECAST_JOB_STORE_RETENTION_DAYS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "TALECAST_JOB_STORE_VACUUM_ON_START")
	overrideString(&cfg.Render.OutputDir, "TALECAST_RENDER_OUTPUT_DIR")
	overrideInt(&cfg.Render.WorkTTLHours, "TALECAST_RENDER_WORK_TTL_HOURS")
	overrideInt(&cfg.Render.ProgressTickMS, "TALECAST_RENDER_PROGRESS_TICK_MS")
	overrideInt(&cfg.Render.MaxSegmentChars, "TALECAST_RENDER_MAX_SEGMENT_CHARS")
	overrideString(&cfg.Synth.Kind, "TALECAST_SYNTH_KIND")
	overrideString(&cfg.Synth.ModelsDir, "TALECAST_SYNTH_MODELS_DIR")
	overrideString(&cfg.Synth.ServerURL, "TALECAST_SYNTH_SERVER_URL")
	overrideString(&cfg.Synth.ServerCommand, "TALECAST_SYNTH_SERVER_COMMAND")
	overrideString(&cfg.Synth.WorkerCommand, "TALECAST_SYNTH_WORKER_COMMAND")
	overrideString(&cfg.Synth.WorkerMode, "TALECAST_SYNTH_WORKER_MODE")
	overrideString(&cfg.Synth.WakePolicy, "TALECAST_SYNTH_WAKE_POLICY")
	overrideInt(&cfg.Synth.IdleTimeoutSec, "TALECAST_SYNTH_IDLE_TIMEOUT_SEC")
	overrideString(&cfg.TextPrep.Mode, "TALECAST_TEXTPREP_MODE")
	overrideString(&cfg.TextPrep.Endpoint, "TALECAST_TEXTPREP_ENDPOINT")
	overrideString(&cfg.TextPrep.Model, "TALECAST_TEXTPREP_MODEL")
	overrideString(&cfg.Encoder.FFmpegPath, "TALECAST_ENCODER_FFMPEG_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Render.WorkTTLHours <= 0 {
		return errors.New("render.work_ttl_hours must be positive")
	}
	if cfg.Render.ProgressTickMS <= 0 {
		return errors.New("render.progress_tick_ms must be positive")
	}
	if cfg.Render.MaxSegmentChars <= 0 {
		return errors.New("render.max_segment_chars must be positive")
	}
	switch cfg.Synth.Kind {
	case "server", "process", "mock":
	default:
		return errors.New("synth.kind must be one of server|process|mock")
	}
	if cfg.Synth.Kind == "server" && cfg.Synth.ServerURL == "" && cfg.Synth.ServerCommand == "" {
		return errors.New("synth.server_url or synth.server_command must be set when kind=server")
	}
	if cfg.Synth.Kind == "process" && cfg.Synth.WorkerCommand == "" {
		return errors.New("synth.worker_command must be set when kind=process")
	}
	switch cfg.Synth.WakePolicy {
	case "strict", "permissive":
	default:
		return errors.New("synth.wake_policy must be one of strict|permissive")
	}
	if cfg.Synth.IdleTimeoutSec <= 0 {
		return errors.New("synth.idle_timeout_sec must be positive")
	}
	switch cfg.TextPrep.Mode {
	case "rules", "mock", "ollama":
	default:
		return errors.New("textprep.mode must be one of rules|mock|ollama")
	}
	if cfg.TextPrep.Mode == "ollama" && cfg.TextPrep.Endpoint == "" {
		return errors.New("textprep.endpoint must be set when mode=ollama")
	}
	if cfg.Encoder.FFmpegPath == "" {
		return errors.New("encoder.ffmpeg_path must not be empty")
	}
	return nil
}
