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

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// VisionConfig drives the camera capture loop and the OCR engine wrapper.
type VisionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CameraIndex    int    `yaml:"camera_index"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	OCRMode        string `yaml:"ocr_mode"` // mock, exec
	OCRCommand     string `yaml:"ocr_command"`
	OCRTimeoutMS   int    `yaml:"ocr_timeout_ms"`
}

// AudioConfig drives the microphone capture loop, the energy endpointer and
// the speech recognition wrapper.
type AudioConfig struct {
	Enabled           bool   `yaml:"enabled"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	ChunkDurationMS   int    `yaml:"chunk_duration_ms"`
	SilenceRMS        int    `yaml:"silence_rms"`
	TrailingSilenceMS int    `yaml:"trailing_silence_ms"`
	MaxUtteranceMS    int    `yaml:"max_utterance_ms"`
	MinUtteranceMS    int    `yaml:"min_utterance_ms"`
	SpeechMode        string `yaml:"speech_mode"` // mock, exec
	SpeechCommand     string `yaml:"speech_command"`
	SpeechTimeoutMS   int    `yaml:"speech_timeout_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryBackoffMS    int    `yaml:"retry_backoff_ms"`
}

type FusionConfig struct {
	MinConfidence  float64 `yaml:"min_confidence"`
	MergeThreshold float64 `yaml:"merge_threshold"`
	DedupWindowMS  int     `yaml:"dedup_window_ms"`
	IntakeBuffer   int     `yaml:"intake_buffer"`
}

type OutputConfig struct {
	NotesFile      string `yaml:"notes_file"`
	WriteRetries   int    `yaml:"write_retries"`
	WriteBackoffMS int    `yaml:"write_backoff_ms"`
	TTSEnabled     bool   `yaml:"tts_enabled"`
	TTSMode        string `yaml:"tts_mode"` // mock, exec
	TTSCommand     string `yaml:"tts_command"`
	TTSQueueSize   int    `yaml:"tts_queue_size"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

type SupervisorConfig struct {
	RestartLimit      int `yaml:"restart_limit"`
	RestartWindowMS   int `yaml:"restart_window_ms"`
	RestartDelayMS    int `yaml:"restart_delay_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Language    string           `yaml:"language"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Vision      VisionConfig     `yaml:"vision"`
	Audio       AudioConfig      `yaml:"audio"`
	Fusion      FusionConfig     `yaml:"fusion"`
	Output      OutputConfig     `yaml:"output"`
	Store       StoreConfig      `yaml:"store"`
	Supervisor  SupervisorConfig `yaml:"supervisor"`
}

func Default() Config {
	return Config{
		RuntimeName: "clearcap-runtime",
		Environment: "development",
		Language:    "en-US",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Vision: VisionConfig{
			Enabled:        true,
			CameraIndex:    0,
			PollIntervalMS: 500,
			OCRMode:        "mock",
			OCRTimeoutMS:   15000,
		},
		Audio: AudioConfig{
			Enabled:           true,
			SampleRate:        16000,
			Channels:          1,
			ChunkDurationMS:   20,
			SilenceRMS:        500,
			TrailingSilenceMS: 700,
			MaxUtteranceMS:    10000,
			MinUtteranceMS:    300,
			SpeechMode:        "mock",
			SpeechTimeoutMS:   30000,
			MaxRetries:        3,
			RetryBackoffMS:    250,
		},
		Fusion: FusionConfig{
			MinConfidence:  0.4,
			MergeThreshold: 0.8,
			DedupWindowMS:  2000,
			IntakeBuffer:   256,
		},
		Output: OutputConfig{
			NotesFile:      "./notes.txt",
			WriteRetries:   5,
			WriteBackoffMS: 200,
			TTSEnabled:     false,
			TTSMode:        "mock",
			TTSQueueSize:   8,
		},
		Store: StoreConfig{
			Path:          "./data/clearcap-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Supervisor: SupervisorConfig{
			RestartLimit:      3,
			RestartWindowMS:   60000,
			RestartDelayMS:    500,
			ShutdownTimeoutMS: 10000,
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
	overrideString(&cfg.RuntimeName, "CLEARCAP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CLEARCAP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Language, "CLEARCAP_LANGUAGE")
	overrideString(&cfg.HTTP.Bind, "CLEARCAP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CLEARCAP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CLEARCAP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CLEARCAP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CLEARCAP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CLEARCAP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CLEARCAP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CLEARCAP_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CLEARCAP_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CLEARCAP_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "CLEARCAP_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Vision.Enabled, "CLEARCAP_VISION_ENABLED")
	overrideInt(&cfg.Vision.CameraIndex, "CLEARCAP_VISION_CAMERA_INDEX")
	overrideInt(&cfg.Vision.PollIntervalMS, "CLEARCAP_VISION_POLL_INTERVAL_MS")
	overrideString(&cfg.Vision.OCRMode, "CLEARCAP_VISION_OCR_MODE")
	overrideString(&cfg.Vision.OCRCommand, "CLEARCAP_VISION_OCR_COMMAND")
	overrideInt(&cfg.Vision.OCRTimeoutMS, "CLEARCAP_VISION_OCR_TIMEOUT_MS")
	overrideBool(&cfg.Audio.Enabled, "CLEARCAP_AUDIO_ENABLED")
	overrideInt(&cfg.Audio.SampleRate, "CLEARCAP_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "CLEARCAP_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "CLEARCAP_AUDIO_CHUNK_DURATION_MS")
	overrideInt(&cfg.Audio.SilenceRMS, "CLEARCAP_AUDIO_SILENCE_RMS")
	overrideInt(&cfg.Audio.TrailingSilenceMS, "CLEARCAP_AUDIO_TRAILING_SILENCE_MS")
	overrideInt(&cfg.Audio.MaxUtteranceMS, "CLEARCAP_AUDIO_MAX_UTTERANCE_MS")
	overrideInt(&cfg.Audio.MinUtteranceMS, "CLEARCAP_AUDIO_MIN_UTTERANCE_MS")
	overrideString(&cfg.Audio.SpeechMode, "CLEARCAP_AUDIO_SPEECH_MODE")
	overrideString(&cfg.Audio.SpeechCommand, "CLEARCAP_AUDIO_SPEECH_COMMAND")
	overrideInt(&cfg.Audio.SpeechTimeoutMS, "CLEARCAP_AUDIO_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Audio.MaxRetries, "CLEARCAP_AUDIO_MAX_RETRIES")
	overrideInt(&cfg.Audio.RetryBackoffMS, "CLEARCAP_AUDIO_RETRY_BACKOFF_MS")
	overrideFloat(&cfg.Fusion.MinConfidence, "CLEARCAP_FUSION_MIN_CONFIDENCE")
	overrideFloat(&cfg.Fusion.MergeThreshold, "CLEARCAP_FUSION_MERGE_THRESHOLD")
	overrideInt(&cfg.Fusion.DedupWindowMS, "CLEARCAP_FUSION_DEDUP_WINDOW_MS")
	overrideInt(&cfg.Fusion.IntakeBuffer, "CLEARCAP_FUSION_INTAKE_BUFFER")
	overrideString(&cfg.Output.NotesFile, "CLEARCAP_OUTPUT_NOTES_FILE")
	overrideInt(&cfg.Output.WriteRetries, "CLEARCAP_OUTPUT_WRITE_RETRIES")
	overrideInt(&cfg.Output.WriteBackoffMS, "CLEARCAP_OUTPUT_WRITE_BACKOFF_MS")
	overrideBool(&cfg.Output.TTSEnabled, "CLEARCAP_OUTPUT_TTS_ENABLED")
	overrideString(&cfg.Output.TTSMode, "CLEARCAP_OUTPUT_TTS_MODE")
	overrideString(&cfg.Output.TTSCommand, "CLEARCAP_OUTPUT_TTS_COMMAND")
	overrideInt(&cfg.Output.TTSQueueSize, "CLEARCAP_OUTPUT_TTS_QUEUE_SIZE")
	overrideString(&cfg.Store.Path, "CLEARCAP_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "CLEARCAP_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "CLEARCAP_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "CLEARCAP_STORE_MAX_SESSIONS")
	overrideInt(&cfg.Supervisor.RestartLimit, "CLEARCAP_SUPERVISOR_RESTART_LIMIT")
	overrideInt(&cfg.Supervisor.RestartWindowMS, "CLEARCAP_SUPERVISOR_RESTART_WINDOW_MS")
	overrideInt(&cfg.Supervisor.RestartDelayMS, "CLEARCAP_SUPERVISOR_RESTART_DELAY_MS")
	overrideInt(&cfg.Supervisor.ShutdownTimeoutMS, "CLEARCAP_SUPERVISOR_SHUTDOWN_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Language == "" {
		return errors.New("language must not be empty")
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
	if !cfg.Vision.Enabled && !cfg.Audio.Enabled {
		return errors.New("at least one of vision and audio must be enabled")
	}
	if cfg.Vision.Enabled {
		if cfg.Vision.CameraIndex < 0 {
			return errors.New("vision.camera_index must be >= 0")
		}
		if cfg.Vision.PollIntervalMS <= 0 {
			return errors.New("vision.poll_interval_ms must be positive")
		}
		switch cfg.Vision.OCRMode {
		case "mock", "exec":
		default:
			return errors.New("vision.ocr_mode must be one of mock|exec")
		}
		if cfg.Vision.OCRMode == "exec" && cfg.Vision.OCRCommand == "" {
			return errors.New("vision.ocr_command must be set when ocr_mode=exec")
		}
	}
	if cfg.Audio.Enabled {
		if cfg.Audio.SampleRate <= 0 {
			return errors.New("audio.sample_rate must be positive")
		}
		if cfg.Audio.Channels <= 0 {
			return errors.New("audio.channels must be positive")
		}
		if cfg.Audio.ChunkDurationMS <= 0 {
			return errors.New("audio.chunk_duration_ms must be positive")
		}
		if cfg.Audio.TrailingSilenceMS <= 0 {
			return errors.New("audio.trailing_silence_ms must be positive")
		}
		if cfg.Audio.MaxUtteranceMS <= cfg.Audio.MinUtteranceMS {
			return errors.New("audio.max_utterance_ms must be greater than min_utterance_ms")
		}
		switch cfg.Audio.SpeechMode {
		case "mock", "exec":
		default:
			return errors.New("audio.speech_mode must be one of mock|exec")
		}
		if cfg.Audio.SpeechMode == "exec" && cfg.Audio.SpeechCommand == "" {
			return errors.New("audio.speech_command must be set when speech_mode=exec")
		}
		if cfg.Audio.MaxRetries < 0 {
			return errors.New("audio.max_retries must be >= 0")
		}
	}
	if cfg.Fusion.MinConfidence < 0 || cfg.Fusion.MinConfidence > 1 {
		return errors.New("fusion.min_confidence must be within [0,1]")
	}
	if cfg.Fusion.MergeThreshold <= 0 || cfg.Fusion.MergeThreshold > 1 {
		return errors.New("fusion.merge_threshold must be within (0,1]")
	}
	if cfg.Fusion.DedupWindowMS <= 0 {
		return errors.New("fusion.dedup_window_ms must be positive")
	}
	if cfg.Output.NotesFile == "" {
		return errors.New("output.notes_file must not be empty")
	}
	if cfg.Output.TTSEnabled {
		switch cfg.Output.TTSMode {
		case "mock", "exec":
		default:
			return errors.New("output.tts_mode must be one of mock|exec")
		}
		if cfg.Output.TTSMode == "exec" && cfg.Output.TTSCommand == "" {
			return errors.New("output.tts_command must be set when tts_mode=exec")
		}
		if cfg.Output.TTSQueueSize <= 0 {
			return errors.New("output.tts_queue_size must be >= 1")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Supervisor.RestartLimit < 0 {
		return errors.New("supervisor.restart_limit must be >= 0")
	}
	if cfg.Supervisor.RestartWindowMS <= 0 {
		return errors.New("supervisor.restart_window_ms must be positive")
	}
	if cfg.Supervisor.ShutdownTimeoutMS <= 0 {
		return errors.New("supervisor.shutdown_timeout_ms must be positive")
	}
	return nil
}
