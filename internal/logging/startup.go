package logging

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects service identity, configuration, and feature flags,
// then emits a single structured zerolog event summarising the boot state.
// This makes it easy to understand exactly how the service was configured
// when troubleshooting from aggregated logs.
type StartupLogger struct {
	name      string
	bootTime  time.Duration
	resources map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the given service name.
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		resources: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// Resource registers an external resource used by the service
// (e.g. the ffmpeg binary path or the DynamoDB results table).
func (s *StartupLogger) Resource(label, value string) *StartupLogger {
	s.resources[label] = value
	return s
}

// Feature registers a boolean feature flag (e.g. "dynamoStore").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
// Secrets (client secret, API key) must never be passed here.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// BootDuration records how long startup wiring took to complete.
func (s *StartupLogger) BootDuration(d time.Duration) *StartupLogger {
	s.bootTime = d
	return s
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info().
		Dict("service", zerolog.Dict().
			Str("name", s.name).
			Str("goVersion", runtime.Version()).
			Str("arch", runtime.GOARCH))

	if len(s.resources) > 0 {
		evt = evt.Dict("resources", dictFromMap(s.resources))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.bootTime > 0 {
		evt = evt.Dur("bootDuration", s.bootTime)
	}

	evt.Msg("Service startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
