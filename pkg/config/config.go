package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved runtime configuration for the pulsera service.
type Config struct {
	HTTPPort    int      `yaml:"http_port"`
	DatabaseURL string   `yaml:"database_url"`
	CORSOrigins []string `yaml:"cors_origins"`

	WS        WSConfig        `yaml:"websocket"`
	Detection DetectionConfig `yaml:"detection"`
	Inference InferenceConfig `yaml:"inference"`
	Agent     AgentConfig     `yaml:"agent"`
	TTS       TTSConfig       `yaml:"tts"`
	Fusion    FusionConfig    `yaml:"fusion"`
	VAD       VADConfig       `yaml:"vad"`
}

// WSConfig holds connection-plane settings.
type WSConfig struct {
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DetectionConfig holds anomaly and aggregation thresholds.
type DetectionConfig struct {
	AnomalyThreshold          float64       `yaml:"anomaly_threshold"`
	CommunityAnomalyThreshold float64       `yaml:"community_anomaly_threshold"`
	CommunityMinAffected      int           `yaml:"community_min_affected"`
	ZoneAggregationWindow     time.Duration `yaml:"zone_aggregation_window"`
}

// InferenceConfig holds the window-inference collaborator settings.
type InferenceConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Workers    int           `yaml:"workers"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AgentConfig holds credentials for the external conversational agent.
// An empty APIKey disables conversational sessions; the session engine
// still runs its non-conversational automation.
type AgentConfig struct {
	APIKey     string `yaml:"api_key"`
	AgentID    string `yaml:"agent_id"`
	DistressID string `yaml:"distress_agent_id"`
	BaseURL    string `yaml:"base_url"`
}

// TTSConfig holds the standalone text-to-speech settings.
type TTSConfig struct {
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
	Format  string `yaml:"output_format"`
	BaseURL string `yaml:"base_url"`
}

// FusionConfig holds the generative fusion collaborator settings.
// An empty APIKey disables AI fusion; the episode engine falls back to
// threshold fusion.
type FusionConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// VADConfig holds voice-activity-detection tuning for the session engine.
type VADConfig struct {
	StartFrames int           `yaml:"start_frames"`
	StopFrames  int           `yaml:"stop_frames"`
	PreRollMS   int           `yaml:"pre_roll_ms"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Default returns the built-in configuration. YAML and environment
// variables override individual fields.
func Default() *Config {
	return &Config{
		HTTPPort:    8000,
		CORSOrigins: []string{"*"},
		WS: WSConfig{
			AuthTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Detection: DetectionConfig{
			AnomalyThreshold:          0.5,
			CommunityAnomalyThreshold: 0.6,
			CommunityMinAffected:      3,
			ZoneAggregationWindow:     300 * time.Second,
		},
		Inference: InferenceConfig{
			ServiceURL: "http://localhost:8100",
			Workers:    2,
			Timeout:    10 * time.Second,
		},
		Agent: AgentConfig{
			BaseURL: "wss://api.elevenlabs.io/v1/convai/conversation",
		},
		TTS: TTSConfig{
			ModelID: "eleven_turbo_v2_5",
			Format:  "pcm_16000",
			BaseURL: "https://api.elevenlabs.io",
		},
		Fusion: FusionConfig{
			Model:   "gemini-2.0-flash",
			BaseURL: "https://generativelanguage.googleapis.com",
		},
		VAD: VADConfig{
			StartFrames: 3,
			StopFrames:  8,
			PreRollMS:   320,
			IdleTimeout: 2 * time.Second,
		},
	}
}

// applyEnv overrides configuration from process environment variables.
func (c *Config) applyEnv() {
	envStr(&c.DatabaseURL, "DATABASE_URL")
	envInt(&c.HTTPPort, "PORT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	envSeconds(&c.WS.AuthTimeout, "WS_AUTH_TIMEOUT")
	envFloat(&c.Detection.AnomalyThreshold, "ANOMALY_THRESHOLD")
	envFloat(&c.Detection.CommunityAnomalyThreshold, "COMMUNITY_ANOMALY_THRESHOLD")
	envInt(&c.Detection.CommunityMinAffected, "COMMUNITY_MIN_AFFECTED")
	envSeconds(&c.Detection.ZoneAggregationWindow, "ZONE_AGGREGATION_WINDOW")
	envStr(&c.Inference.ServiceURL, "INFERENCE_SERVICE_URL")
	envInt(&c.Inference.Workers, "INFERENCE_WORKERS")
	envStr(&c.Agent.APIKey, "AGENT_API_KEY")
	envStr(&c.Agent.AgentID, "AGENT_ID")
	envStr(&c.Agent.DistressID, "AGENT_DISTRESS_ID")
	envStr(&c.TTS.APIKey, "TTS_API_KEY")
	envStr(&c.TTS.VoiceID, "TTS_VOICE_ID")
	envStr(&c.TTS.ModelID, "TTS_MODEL_ID")
	envStr(&c.Fusion.APIKey, "FUSION_API_KEY")
	envStr(&c.Fusion.Model, "FUSION_MODEL")
	envInt(&c.VAD.StartFrames, "VAD_START_FRAMES")
	envInt(&c.VAD.StopFrames, "VAD_STOP_FRAMES")
	envSeconds(&c.VAD.IdleTimeout, "VAD_IDLE_TIMEOUT")
}

// Validate checks the resolved configuration for values the service
// cannot run with.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.WS.AuthTimeout <= 0 {
		return fmt.Errorf("websocket auth_timeout must be positive, got %s", c.WS.AuthTimeout)
	}
	if c.Detection.AnomalyThreshold <= 0 || c.Detection.AnomalyThreshold >= 1 {
		return fmt.Errorf("anomaly_threshold must be in (0,1), got %v", c.Detection.AnomalyThreshold)
	}
	if c.Inference.Workers <= 0 {
		return fmt.Errorf("inference workers must be positive, got %d", c.Inference.Workers)
	}
	if c.VAD.StartFrames <= 0 || c.VAD.StopFrames <= 0 {
		return fmt.Errorf("vad frame thresholds must be positive")
	}
	return nil
}

// AgentEnabled reports whether conversational sessions are configured.
func (c *Config) AgentEnabled() bool {
	return c.Agent.APIKey != "" && c.Agent.AgentID != ""
}

// FusionEnabled reports whether generative fusion is configured.
func (c *Config) FusionEnabled() bool {
	return c.Fusion.APIKey != ""
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
