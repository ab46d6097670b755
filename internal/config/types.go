package config

import "time"

// Config represents the complete cbrainctl configuration.
type Config struct {
	Service  ServiceConfig         `yaml:"service"`
	Platform PlatformConfig        `yaml:"platform"`
	State    StateConfig           `yaml:"state"`
	Tools    map[string]ToolConfig `yaml:"tools"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PlatformConfig defines how the remote execution platform is reached.
type PlatformConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	// Workers bounds parallelism of bulk operations. 1 means sequential.
	Workers int `yaml:"workers"`
	// ResultsDataProviderID is used when a launch does not name one. 0 leaves
	// the choice to the platform.
	ResultsDataProviderID int `yaml:"results_data_provider_id,omitempty"`
}

// StateConfig defines where the local operation journal lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ToolConfig describes one analysis tool and its execution configurations.
type ToolConfig struct {
	Version        string          `yaml:"version"`
	TaskType       string          `yaml:"task_type"`
	DefaultCluster string          `yaml:"default_cluster"`
	Clusters       []ClusterConfig `yaml:"clusters"`
	KeepDirs       []string        `yaml:"keep_dirs,omitempty"`
	RequiredParams []string        `yaml:"required_params,omitempty"`
	FileParams     []string        `yaml:"file_params,omitempty"`
	BatchParam     string          `yaml:"batch_param,omitempty"`
	OutputParam    string          `yaml:"output_param,omitempty"`
}

// ClusterConfig is one (tool config, bourreau) pair a tool can run on.
type ClusterConfig struct {
	Name         string `yaml:"name"`
	ToolConfigID int    `yaml:"tool_config_id"`
	BourreauID   int    `yaml:"bourreau_id"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Platform: PlatformConfig{
			BaseURL: "https://portal.cbrain.mcgill.ca",
			Timeout: 60 * time.Second,
			Workers: 1,
		},
		State: StateConfig{
			Path: "./data/journal.db",
		},
		Tools: make(map[string]ToolConfig),
	}
}
