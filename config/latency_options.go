package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// LatencyOptionsSource serves the latency section and swaps it atomically on
// Reload so readers always see a complete set of thresholds.
type LatencyOptionsSource struct {
	path    string
	current atomic.Pointer[LatencyConfig]
}

// NewLatencyOptionsSource seeds the source with initial values. Reload reads
// from path; an empty path makes Reload a no-op.
func NewLatencyOptionsSource(path string, initial LatencyConfig) *LatencyOptionsSource {
	s := &LatencyOptionsSource{path: path}
	s.current.Store(&initial)
	return s
}

// Current returns the active thresholds.
func (s *LatencyOptionsSource) Current() LatencyConfig {
	return *s.current.Load()
}

// Set replaces the active thresholds after validation.
func (s *LatencyOptionsSource) Set(opts LatencyConfig) error {
	if err := validateLatency(opts); err != nil {
		return err
	}
	s.current.Store(&opts)
	return nil
}

// Reload re-reads the latency section from the config file. On any error the
// previous values stay active.
func (s *LatencyOptionsSource) Reload() (LatencyConfig, error) {
	if s.path == "" {
		return s.Current(), nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.Current(), fmt.Errorf("failed to read config file: %w", err)
	}
	wrapper := struct {
		Latency LatencyConfig `yaml:"latency"`
	}{Latency: DefaultLatency()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return s.Current(), fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := s.Set(wrapper.Latency); err != nil {
		return s.Current(), fmt.Errorf("latency reload rejected: %w", err)
	}
	return wrapper.Latency, nil
}
