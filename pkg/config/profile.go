package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an operator-managed YAML overlay for tunables that change per
// deployment but are awkward as raw env vars. Zero values leave the env
// configuration untouched, so a profile only needs the keys it overrides.
type Profile struct {
	Name   string        `yaml:"name"`
	LLM    LLMProfile    `yaml:"llm"`
	DB     DBProfile     `yaml:"db"`
	Queue  QueueProfile  `yaml:"queue"`
	Listen ListenProfile `yaml:"listen"`
}

// LLMProfile tunes the reasoner gateway.
type LLMProfile struct {
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Model             string  `yaml:"model"`
}

// DBProfile tunes persistence behaviour.
type DBProfile struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// QueueProfile names the Redis handoff queue.
type QueueProfile struct {
	Name string `yaml:"name"`
}

// ListenProfile overrides HTTP listen addresses.
type ListenProfile struct {
	Ingest string `yaml:"ingest"`
	Admin  string `yaml:"admin"`
}

// LoadProfile parses the profile YAML at path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &p, nil
}

// Apply overlays the profile's non-zero values onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.LLM.TimeoutSeconds > 0 {
		cfg.LLMTimeout = time.Duration(p.LLM.TimeoutSeconds) * time.Second
	}
	if p.LLM.RequestsPerSecond > 0 {
		cfg.LLMRequestsPerSec = p.LLM.RequestsPerSecond
	}
	if p.LLM.Model != "" {
		cfg.GeminiModel = p.LLM.Model
	}
	if p.DB.TimeoutSeconds > 0 {
		cfg.DBTimeout = time.Duration(p.DB.TimeoutSeconds) * time.Second
	}
	if p.Queue.Name != "" {
		cfg.QueueName = p.Queue.Name
	}
	if p.Listen.Ingest != "" {
		cfg.IngestAddr = p.Listen.Ingest
	}
	if p.Listen.Admin != "" {
		cfg.AdminAddr = p.Listen.Admin
	}
}
