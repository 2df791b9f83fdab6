// Package config loads service configuration from the environment (and an
// optional config file) via viper. All knobs have defaults except the Zoom
// credentials and the Moveris API key, which are required for a production
// boot and validated explicitly.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every tunable of the RTMS liveness service.
type Settings struct {
	// Zoom RTMS credentials.
	ZoomClientID          string `mapstructure:"zoom_client_id"`
	ZoomClientSecret      string `mapstructure:"zoom_client_secret"`
	ZoomWebhookSecret     string `mapstructure:"zoom_webhook_secret_token"`

	// Moveris liveness API.
	MoverisAPIKey  string `mapstructure:"moveris_api_key"`
	MoverisBaseURL string `mapstructure:"moveris_base_url"`

	// Session limits and pipeline tuning.
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	FrameQueueSize        int           `mapstructure:"frame_queue_size"`
	DecoderQueueSize      int           `mapstructure:"decoder_queue_size"`
	FrameWait             time.Duration `mapstructure:"frame_wait"`
	SharpnessThreshold    float64       `mapstructure:"sharpness_threshold"`

	// HTTP surface.
	ListenAddr string `mapstructure:"listen_addr"`

	// Optional DynamoDB-backed result store. Empty means in-memory.
	ResultsTable string `mapstructure:"results_table"`

	// Optional external face-extraction worker command. Empty disables the
	// subprocess extractor (the orchestrator then needs one injected).
	ExtractorCommand string `mapstructure:"extractor_command"`
}

// Load reads settings from environment variables prefixed with RTMS_
// (e.g. RTMS_ZOOM_CLIENT_ID) with defaults applied for every tunable.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("RTMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("moveris_base_url", "https://api.moveris.com")
	v.SetDefault("max_concurrent_sessions", 50)
	v.SetDefault("frame_queue_size", 100)
	v.SetDefault("decoder_queue_size", 30)
	v.SetDefault("frame_wait", 30*time.Second)
	v.SetDefault("sharpness_threshold", 50.0)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("results_table", "")
	v.SetDefault("extractor_command", "")

	// viper's AutomaticEnv does not surface env-only keys through Unmarshal,
	// so each key is bound explicitly.
	for _, key := range []string{
		"zoom_client_id", "zoom_client_secret", "zoom_webhook_secret_token",
		"moveris_api_key", "moveris_base_url",
		"max_concurrent_sessions", "frame_queue_size", "decoder_queue_size",
		"frame_wait", "sharpness_threshold",
		"listen_addr", "results_table", "extractor_command",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that required credentials are present and numeric knobs
// are sane. Called by Load; exposed for tests constructing Settings directly.
func (s *Settings) Validate() error {
	var missing []string
	if s.ZoomClientID == "" {
		missing = append(missing, "RTMS_ZOOM_CLIENT_ID")
	}
	if s.ZoomClientSecret == "" {
		missing = append(missing, "RTMS_ZOOM_CLIENT_SECRET")
	}
	if s.ZoomWebhookSecret == "" {
		missing = append(missing, "RTMS_ZOOM_WEBHOOK_SECRET_TOKEN")
	}
	if s.MoverisAPIKey == "" {
		missing = append(missing, "RTMS_MOVERIS_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if s.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive, got %d", s.MaxConcurrentSessions)
	}
	if s.FrameQueueSize <= 0 || s.DecoderQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive (frame=%d decoder=%d)",
			s.FrameQueueSize, s.DecoderQueueSize)
	}
	if s.FrameWait <= 0 {
		return fmt.Errorf("frame_wait must be positive, got %s", s.FrameWait)
	}
	return nil
}
