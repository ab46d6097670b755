package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a single file.
func Load(configPath string) (*Config, error) {
	return LoadMerged(configPath, "")
}

// LoadMerged reads the project-local config file and, when present, the
// user-level override file. Values from the override win: non-zero scalars
// replace project values and a tool defined in both files is taken whole from
// the override.
func LoadMerged(projectPath, userPath string) (*Config, error) {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", projectPath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	if userPath != "" {
		if _, err := os.Stat(userPath); err == nil {
			override, err := loadConfigFile(userPath)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", userPath, err)
			}
			mergeConfig(cfg, override)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access user config %s: %w", userPath, err)
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	// Parse YAML into partial config (don't apply defaults yet)
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}

	if src.Platform.BaseURL != "" {
		dst.Platform.BaseURL = src.Platform.BaseURL
	}
	if src.Platform.Token != "" {
		dst.Platform.Token = src.Platform.Token
	}
	if src.Platform.Timeout != 0 {
		dst.Platform.Timeout = src.Platform.Timeout
	}
	if src.Platform.Workers != 0 {
		dst.Platform.Workers = src.Platform.Workers
	}
	if src.Platform.ResultsDataProviderID != 0 {
		dst.Platform.ResultsDataProviderID = src.Platform.ResultsDataProviderID
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	// Tools are replaced whole; merging cluster lists field by field would let a
	// stale project cluster survive an override.
	if src.Tools != nil {
		if dst.Tools == nil {
			dst.Tools = make(map[string]ToolConfig)
		}
		for name, tool := range src.Tools {
			dst.Tools[name] = tool
		}
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Platform.BaseURL == "" {
		cfg.Platform.BaseURL = defaults.Platform.BaseURL
	}
	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = defaults.Platform.Timeout
	}
	if cfg.Platform.Workers == 0 {
		cfg.Platform.Workers = defaults.Platform.Workers
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Tools == nil {
		cfg.Tools = defaults.Tools
	}

	for name, tool := range cfg.Tools {
		if tool.DefaultCluster == "" && len(tool.Clusters) == 1 {
			tool.DefaultCluster = tool.Clusters[0].Name
			cfg.Tools[name] = tool
		}
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration. Tool profile
// invariants are checked when the profile registry is built.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Platform.Timeout <= 0 {
		return fmt.Errorf("platform.timeout must be positive")
	}
	if cfg.Platform.Workers < 1 {
		return fmt.Errorf("platform.workers must be at least 1")
	}
	if envVarPattern.MatchString(cfg.Platform.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.Platform.Token)
		return fmt.Errorf("platform.token: environment variable ${%s} is not set", matches[1])
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	for name, tool := range cfg.Tools {
		if len(tool.Clusters) == 0 {
			return fmt.Errorf("tool %q: at least one cluster is required", name)
		}
	}
	return nil
}
