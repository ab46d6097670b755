package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigFile finds the project-local config file.
// Priority order: $CBRAINCTL_CONFIG, ./cbrainctl.yaml, ./.cbrainctl.yaml
func DiscoverConfigFile() (string, error) {
	if p := os.Getenv("CBRAINCTL_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("$CBRAINCTL_CONFIG points to a missing file: %s", p)
	}

	for _, candidate := range []string{"./cbrainctl.yaml", "./.cbrainctl.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $CBRAINCTL_CONFIG, ./cbrainctl.yaml, ./.cbrainctl.yaml)")
}

// UserConfigFile returns the user-level override path. The file may not exist.
func UserConfigFile() string {
	if dir := os.Getenv("CBRAINCTL_USER_CONFIG"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "cbrainctl", "config.yaml")
}
