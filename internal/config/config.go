// Package config loads the gateway's space configuration: the gateway's
// own network settings, and the roster of participants a space expects,
// their tokens, static capabilities, and optional auto-start commands.
//
// Grounded on cellorg/internal/config/config.go's Load/defaults-after-
// unmarshal idiom (read whole file, yaml.Unmarshal into a struct, then
// fill zero-valued fields with defaults) and its LoadCells multi-document
// decode loop, generalized from GOX's cell/pool/agent-type files to MEW
// spaces, each of which may span multiple YAML documents.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration: its own listener
// settings plus every space it serves.
type Config struct {
	Debug   bool           `yaml:"debug"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Spaces  []string       `yaml:"spaces"` // file globs, resolved relative to BaseDir
	BaseDir string         `yaml:"basedir"`
}

// GatewayConfig holds the gateway's own network and journal settings.
type GatewayConfig struct {
	PipeAddr       string `yaml:"pipe_addr"`       // TCP address for pipe-transport participants
	SocketAddr     string `yaml:"socket_addr"`     // TCP address for websocket-transport participants
	HistoryDir     string `yaml:"history_dir"`     // empty = memory-only history log
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"` // 0 = idle reaping disabled
}

// SpaceConfig describes one MEW space: its participant roster and
// per-space policy knobs.
type SpaceConfig struct {
	ID                 string                `yaml:"id"`
	Description        string                `yaml:"description"`
	Debug              bool                  `yaml:"debug"`
	DefaultProposalTTLSeconds int64          `yaml:"default_proposal_ttl_seconds"`
	Participants       []ParticipantConfig   `yaml:"participants"`

	// PipeAddr/SocketAddr override the gateway's default listener
	// addresses for this space alone; empty means "use the gateway's
	// defaults" (spaces are the scalability unit per spec.md §7, so each
	// typically gets its own listener pair when more than one is served
	// from a single process).
	PipeAddr   string `yaml:"pipe_addr,omitempty"`
	SocketAddr string `yaml:"socket_addr,omitempty"`

	// IdleTimeoutSeconds overrides the gateway's default idle-disconnect
	// timeout for this space; 0 means "use the gateway default" (itself
	// 0 = disabled, spec.md §7: "idle reaping policy is intentionally
	// unspecified; default off").
	IdleTimeoutSeconds int64 `yaml:"idle_timeout_seconds,omitempty"`
}

// ParticipantConfig describes one configured participant: its identity,
// authentication tokens, static capability grants, and how (if at all)
// the gateway should spawn it.
type ParticipantConfig struct {
	ID                 string             `yaml:"id"`
	Tokens             []string           `yaml:"tokens"`
	StaticCapabilities []CapabilityConfig `yaml:"capabilities"`
	AutoStart          *AutoStartConfig   `yaml:"auto_start,omitempty"`
	DefaultRecipient   string             `yaml:"default_recipient,omitempty"`
	TransportPreference string           `yaml:"transport_preference,omitempty"` // "pipe" or "socket"
}

// CapabilityConfig is the YAML shape of a static capability grant; it
// mirrors internal/capability.Capability's fields so it can be converted
// with a single pass (kept separate to avoid coupling the config package
// to capability's json-shaped Payload type).
type CapabilityConfig struct {
	Kind    string                 `yaml:"kind"`
	To      []string               `yaml:"to,omitempty"`
	Payload map[string]interface{} `yaml:"payload,omitempty"`
}

// AutoStartConfig describes a locally spawned participant process.
type AutoStartConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// Load reads and defaults the gateway's top-level configuration.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Gateway.PipeAddr == "" {
		cfg.Gateway.PipeAddr = ":9001"
	}
	if cfg.Gateway.SocketAddr == "" {
		cfg.Gateway.SocketAddr = ":9002"
	}
	if cfg.Gateway.IdleTimeoutSeconds < 0 {
		return nil, fmt.Errorf("idle_timeout_seconds cannot be negative: %d", cfg.Gateway.IdleTimeoutSeconds)
	}

	return &cfg, nil
}

// LoadSpaces resolves every glob in Spaces and decodes each matched file
// as one or more YAML documents (separated by "---"), matching cellorg's
// LoadCells multi-document decode loop.
func (c *Config) LoadSpaces() ([]SpaceConfig, error) {
	var spaces []SpaceConfig

	for _, pattern := range c.Spaces {
		resolved := pattern
		if !filepath.IsAbs(resolved) && c.BaseDir != "" {
			resolved = filepath.Join(c.BaseDir, resolved)
		}

		matches, err := filepath.Glob(resolved)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %s: %w", pattern, err)
		}

		for _, file := range matches {
			docs, err := decodeSpaceFile(file)
			if err != nil {
				return nil, err
			}
			spaces = append(spaces, docs...)
		}
	}

	for i := range spaces {
		applySpaceDefaults(&spaces[i])
	}
	return spaces, nil
}

func decodeSpaceFile(path string) ([]SpaceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read space file %s: %w", path, err)
	}

	var docs []SpaceConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc struct {
			Space SpaceConfig `yaml:"space"`
		}
		if err := decoder.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to parse space file %s: %w", path, err)
		}
		if doc.Space.ID != "" {
			docs = append(docs, doc.Space)
		}
	}
	return docs, nil
}

func applySpaceDefaults(s *SpaceConfig) {
	if s.DefaultProposalTTLSeconds == 0 {
		s.DefaultProposalTTLSeconds = int64(5 * time.Minute / time.Second)
	}
}

// Validate checks that a space's participant roster is internally
// consistent: unique ids, non-empty tokens.
func Validate(spaces []SpaceConfig) error {
	var errs []string
	for _, s := range spaces {
		seen := make(map[string]bool)
		for _, p := range s.Participants {
			if p.ID == "" {
				errs = append(errs, fmt.Sprintf("space '%s': participant with empty id", s.ID))
				continue
			}
			if seen[p.ID] {
				errs = append(errs, fmt.Sprintf("space '%s': duplicate participant id '%s'", s.ID, p.ID))
			}
			seen[p.ID] = true
			if len(p.Tokens) == 0 {
				errs = append(errs, fmt.Sprintf("space '%s': participant '%s' has no tokens configured", s.ID, p.ID))
			}
		}
	}
	if len(errs) > 0 {
		msg := "space configuration validation failed:\n"
		for _, e := range errs {
			msg += "  - " + e + "\n"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
