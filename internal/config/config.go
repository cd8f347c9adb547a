package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Runtime   RuntimeConfig    `json:"runtime"`
	SkillsDir string           `json:"skills_dir"`
	Agents    []AgentConfig    `json:"agents"`
	Teams     []TeamConfig     `json:"teams"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// Provider converts the entry into a provider client config.
func (p ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ID:       p.ID,
		Type:     p.Type,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Timeout:  millis(p.TimeoutMS),
	}
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// RuntimeConfig holds defaults applied to agents that leave a field unset.
type RuntimeConfig struct {
	DefaultTimeoutMS int         `json:"default_timeout_ms"`
	Retry            RetryConfig `json:"retry"`
	EpisodeLimit     int         `json:"episode_limit"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	DelayMS     int `json:"delay_ms"`
}

// AgentConfig declares one agent runtime. With a non-empty Plan the agent
// uses a static planner; otherwise it plans through the LLM named by LLM.
type AgentConfig struct {
	Name            string           `json:"name"`
	Tools           []string         `json:"tools"`
	Skills          []string         `json:"skills"`
	Capabilities    []string         `json:"capabilities"`
	LLM             string           `json:"llm"`
	Fallbacks       []string         `json:"fallbacks"`
	Model           string           `json:"model"`
	MaxCalls        int              `json:"max_calls"`
	RequireApproval bool             `json:"require_approval"`
	TimeoutMS       int              `json:"timeout_ms"`
	Retry           *RetryConfig     `json:"retry,omitempty"`
	Plan            []agent.PlanStep `json:"plan,omitempty"`
}

// Runtime builds the runtime config, filling unset fields from defaults.
// extraTools are appended to the declared tools when the agent declares any.
func (a AgentConfig) Runtime(defaults RuntimeConfig, extraTools []string) agent.Config {
	cfg := agent.Config{
		Name:            a.Name,
		Skills:          append([]string(nil), a.Skills...),
		MaxCalls:        a.MaxCalls,
		RequireApproval: a.RequireApproval,
		Timeout:         millis(a.TimeoutMS),
		Retry: agent.RetryPolicy{
			MaxAttempts: defaults.Retry.MaxAttempts,
			Delay:       millis(defaults.Retry.DelayMS),
		},
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = millis(defaults.DefaultTimeoutMS)
	}
	if a.Retry != nil {
		cfg.Retry = agent.RetryPolicy{MaxAttempts: a.Retry.MaxAttempts, Delay: millis(a.Retry.DelayMS)}
	}
	if len(a.Tools) > 0 {
		cfg.Tools = append([]string(nil), a.Tools...)
		for _, t := range extraTools {
			if !slices.Contains(cfg.Tools, t) {
				cfg.Tools = append(cfg.Tools, t)
			}
		}
	}
	return cfg
}

// TeamConfig declares a team over named agents.
type TeamConfig struct {
	Name               string   `json:"name"`
	Agents             []string `json:"agents"`
	Strategy           string   `json:"strategy"`
	MaxConcurrency     int      `json:"max_concurrency"`
	MaxRounds          int      `json:"max_rounds"`
	ConsensusThreshold float64  `json:"consensus_threshold"`
	RequireConsensus   bool     `json:"require_consensus"`
	TimeoutMS          int      `json:"timeout_ms"`
}

// Team builds the coordinator config for the given members.
func (t TeamConfig) Team(members []orchestrator.Member) (orchestrator.TeamConfig, error) {
	strat, err := orchestrator.ParseStrategy(t.Strategy)
	if err != nil {
		return orchestrator.TeamConfig{}, err
	}
	return orchestrator.TeamConfig{
		Name:               t.Name,
		Members:            members,
		Strategy:           strat,
		MaxConcurrency:     t.MaxConcurrency,
		MaxRounds:          t.MaxRounds,
		ConsensusThreshold: t.ConsensusThreshold,
		RequireConsensus:   t.RequireConsensus,
		Timeout:            millis(t.TimeoutMS),
	}, nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Runtime.Retry.MaxAttempts == 0 {
		c.Runtime.Retry.MaxAttempts = 1
	}
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	var errs []error

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, errors.New("provider without id"))
			continue
		}
		if providers[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.ID))
		}
		providers[p.ID] = true
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, errors.New("agent without name"))
			continue
		}
		if agents[a.Name] {
			errs = append(errs, fmt.Errorf("duplicate agent %q", a.Name))
		}
		agents[a.Name] = true
		for _, ref := range append([]string{a.LLM}, a.Fallbacks...) {
			if ref != "" && !providers[ref] {
				errs = append(errs, fmt.Errorf("agent %q: unknown provider %q", a.Name, ref))
			}
		}
		if len(a.Plan) == 0 && len(c.Providers) == 0 {
			errs = append(errs, fmt.Errorf("agent %q: no plan and no provider to plan with", a.Name))
		}
	}

	teams := make(map[string]bool, len(c.Teams))
	for _, t := range c.Teams {
		if t.Name == "" {
			errs = append(errs, errors.New("team without name"))
			continue
		}
		if teams[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate team %q", t.Name))
		}
		teams[t.Name] = true
		if len(t.Agents) == 0 {
			errs = append(errs, fmt.Errorf("team %q: no agents", t.Name))
		}
		for _, name := range t.Agents {
			if !agents[name] {
				errs = append(errs, fmt.Errorf("team %q: unknown agent %q", t.Name, name))
			}
		}
		if _, err := orchestrator.ParseStrategy(t.Strategy); err != nil {
			errs = append(errs, fmt.Errorf("team %q: %w", t.Name, err))
		}
		if t.ConsensusThreshold < 0 || t.ConsensusThreshold > 1 {
			errs = append(errs, fmt.Errorf("team %q: consensus_threshold must be within [0,1]", t.Name))
		}
	}
	return errors.Join(errs...)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
