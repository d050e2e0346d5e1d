package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	Traces       string `yaml:"traces"`     // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Script      ScriptConfig    `yaml:"script"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Audio       AudioConfig     `yaml:"audio"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Output      OutputConfig    `yaml:"output"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ScriptConfig holds the marker vocabulary understood by the segmenter.
type ScriptConfig struct {
	EndMarker       string   `yaml:"end_marker"`
	MidMarker       string   `yaml:"mid_marker"`
	ChapterKeywords []string `yaml:"chapter_keywords"`
	ChapterPattern  string   `yaml:"chapter_pattern"` // overrides chapter_keywords when set
	CTAIntroMarkers []string `yaml:"cta_intro_markers"`
	NumberLanguage  string   `yaml:"number_language"`
}

type SynthesisConfig struct {
	Mode              string `yaml:"mode"` // google, exec, mock
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	Command           string `yaml:"command"`
	Voice             string `yaml:"voice"`
	LanguageCode      string `yaml:"language_code"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	MaxChars          int    `yaml:"max_chars"`
	MaxRetries        int    `yaml:"max_retries"`
	BackoffStepMS     int    `yaml:"backoff_step_ms"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CacheDir          string `yaml:"cache_dir"`
	CacheLevel        int    `yaml:"cache_compression_level"`
}

type AudioConfig struct {
	Tool          string `yaml:"tool"` // ffmpeg, native
	FFmpegCommand string `yaml:"ffmpeg_command"`
}

type PipelineConfig struct {
	Workers          int    `yaml:"workers"`
	WorkspaceDir     string `yaml:"workspace_dir"`
	BatchTimeoutMS   int    `yaml:"batch_timeout_ms"`
	RemoveRetries    int    `yaml:"remove_retries"`
	RemoveRetryDelay int    `yaml:"remove_retry_delay_ms"`
}

type OutputConfig struct {
	Directory string `yaml:"directory"`
	Suffix    string `yaml:"suffix"`
}

// RequestTimeout returns the per-request synthesis timeout.
func (c SynthesisConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c SynthesisConfig) BackoffStep() time.Duration {
	return time.Duration(c.BackoffStepMS) * time.Millisecond
}

func (c PipelineConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMS) * time.Millisecond
}

func (c PipelineConfig) RemoveDelay() time.Duration {
	return time.Duration(c.RemoveRetryDelay) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9464,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			Traces:       "none",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/narrator.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   200,
		},
		Script: ScriptConfig{
			EndMarker:       "[CTA FIM AQUI]",
			MidMarker:       "[CTA MEIO AQUI]",
			ChapterKeywords: []string{"Chapter", "Section", "Part", "Conclusion"},
			CTAIntroMarkers: []string{
				"comment below",
				"Comment this right now",
				"Say it, write it, declare it",
			},
			NumberLanguage: "en",
		},
		Synthesis: SynthesisConfig{
			Mode:              "google",
			Endpoint:          "https://texttospeech.googleapis.com/v1/text:synthesize",
			Voice:             "en-US-Chirp3-HD-Charon",
			SampleRate:        24000,
			Channels:          1,
			MaxChars:          4800,
			MaxRetries:        3,
			BackoffStepMS:     2000,
			RequestTimeoutMS:  180000,
			RequestsPerMinute: 0,
			CacheLevel:        3,
		},
		Audio: AudioConfig{
			Tool:          "ffmpeg",
			FFmpegCommand: "ffmpeg",
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			WorkspaceDir:     "./tts_temp_en",
			RemoveRetries:    5,
			RemoveRetryDelay: 200,
		},
		Output: OutputConfig{
			Directory: ".",
			Suffix:    "en",
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
	applyDerived(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "NARRATOR_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "NARRATOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.Traces, "NARRATOR_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "NARRATOR_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "NARRATOR_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "NARRATOR_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "NARRATOR_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "NARRATOR_STORE_VACUUM_ON_START")
	overrideString(&cfg.Script.EndMarker, "NARRATOR_SCRIPT_END_MARKER")
	overrideString(&cfg.Script.MidMarker, "NARRATOR_SCRIPT_MID_MARKER")
	overrideStringSlice(&cfg.Script.ChapterKeywords, "NARRATOR_SCRIPT_CHAPTER_KEYWORDS")
	overrideString(&cfg.Script.ChapterPattern, "NARRATOR_SCRIPT_CHAPTER_PATTERN")
	overrideStringSlice(&cfg.Script.CTAIntroMarkers, "NARRATOR_SCRIPT_CTA_INTRO_MARKERS")
	overrideString(&cfg.Script.NumberLanguage, "NARRATOR_SCRIPT_NUMBER_LANGUAGE")
	overrideString(&cfg.Synthesis.Mode, "NARRATOR_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "NARRATOR_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "NARRATOR_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Command, "NARRATOR_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "NARRATOR_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.LanguageCode, "NARRATOR_SYNTHESIS_LANGUAGE_CODE")
	overrideInt(&cfg.Synthesis.SampleRate, "NARRATOR_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "NARRATOR_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.MaxChars, "NARRATOR_SYNTHESIS_MAX_CHARS")
	overrideInt(&cfg.Synthesis.MaxRetries, "NARRATOR_SYNTHESIS_MAX_RETRIES")
	overrideInt(&cfg.Synthesis.BackoffStepMS, "NARRATOR_SYNTHESIS_BACKOFF_STEP_MS")
	overrideInt(&cfg.Synthesis.RequestTimeoutMS, "NARRATOR_SYNTHESIS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.RequestsPerMinute, "NARRATOR_SYNTHESIS_REQUESTS_PER_MINUTE")
	overrideString(&cfg.Synthesis.CacheDir, "NARRATOR_SYNTHESIS_CACHE_DIR")
	overrideInt(&cfg.Synthesis.CacheLevel, "NARRATOR_SYNTHESIS_CACHE_COMPRESSION_LEVEL")
	overrideString(&cfg.Audio.Tool, "NARRATOR_AUDIO_TOOL")
	overrideString(&cfg.Audio.FFmpegCommand, "NARRATOR_AUDIO_FFMPEG_COMMAND")
	overrideInt(&cfg.Pipeline.Workers, "NARRATOR_PIPELINE_WORKERS")
	overrideString(&cfg.Pipeline.WorkspaceDir, "NARRATOR_PIPELINE_WORKSPACE_DIR")
	overrideInt(&cfg.Pipeline.BatchTimeoutMS, "NARRATOR_PIPELINE_BATCH_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.RemoveRetries, "NARRATOR_PIPELINE_REMOVE_RETRIES")
	overrideInt(&cfg.Pipeline.RemoveRetryDelay, "NARRATOR_PIPELINE_REMOVE_RETRY_DELAY_MS")
	overrideString(&cfg.Output.Directory, "NARRATOR_OUTPUT_DIRECTORY")
	overrideString(&cfg.Output.Suffix, "NARRATOR_OUTPUT_SUFFIX")

	// The Google client conventionally reads its key from this variable.
	if cfg.Synthesis.APIKey == "" {
		overrideString(&cfg.Synthesis.APIKey, "GOOGLE_API_KEY")
	}
}

// applyDerived fills values that default from other settings.
func applyDerived(cfg *Config) {
	if cfg.Synthesis.LanguageCode == "" {
		cfg.Synthesis.LanguageCode = LanguageFromVoice(cfg.Synthesis.Voice)
	}
}

// LanguageFromVoice extracts the "en-US" prefix from a voice name such as
// "en-US-Chirp3-HD-Charon".
func LanguageFromVoice(voice string) string {
	parts := strings.Split(voice, "-")
	if len(parts) < 2 {
		return voice
	}
	return parts[0] + "-" + parts[1]
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	if cfg.Script.ChapterPattern == "" && len(cfg.Script.ChapterKeywords) == 0 {
		return errors.New("script.chapter_keywords must not be empty when chapter_pattern is unset")
	}
	switch cfg.Synthesis.Mode {
	case "google":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=google")
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("synthesis.mode must be one of google|exec|mock")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Synthesis.MaxChars <= 1 {
		return errors.New("synthesis.max_chars must be greater than 1")
	}
	if cfg.Synthesis.MaxRetries <= 0 {
		return errors.New("synthesis.max_retries must be >= 1")
	}
	if cfg.Synthesis.BackoffStepMS < 0 {
		return errors.New("synthesis.backoff_step_ms must be >= 0")
	}
	if cfg.Synthesis.RequestTimeoutMS <= 0 {
		return errors.New("synthesis.request_timeout_ms must be positive")
	}
	if cfg.Synthesis.RequestsPerMinute < 0 {
		return errors.New("synthesis.requests_per_minute must be >= 0")
	}
	switch cfg.Audio.Tool {
	case "ffmpeg":
		if cfg.Audio.FFmpegCommand == "" {
			return errors.New("audio.ffmpeg_command must not be empty when tool=ffmpeg")
		}
	case "native":
	default:
		return errors.New("audio.tool must be one of ffmpeg|native")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.WorkspaceDir == "" {
		return errors.New("pipeline.workspace_dir must not be empty")
	}
	if cfg.Pipeline.BatchTimeoutMS < 0 {
		return errors.New("pipeline.batch_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.RemoveRetries < 0 {
		return errors.New("pipeline.remove_retries must be >= 0")
	}
	return nil
}
