package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const defaultStateDirName = ".freegooglebard"

// StateDir resolves the directory holding persistent bot state (the
// preference database). An explicit file_state_dir wins; otherwise the
// state lives under the user's home directory.
func StateDir() string {
	configured := strings.TrimSpace(viper.GetString("file_state_dir"))
	if configured != "" {
		return expandHomePath(configured)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultStateDirName
	}
	return filepath.Join(home, defaultStateDirName)
}

func PrefsDir() string {
	return filepath.Join(StateDir(), "db")
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}
