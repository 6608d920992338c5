package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - GBFS_CONFIG_PATH: config file location (default: ~/.config/gbfs.toml)
//   - GBFS_HOME: base directory for gbfs data (default: ~/.local/share/gbfs)
//   - GBFS_ENV_FILE: dotenv file with store secrets (default: <base dir>/.env)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	envFile := os.Getenv("GBFS_ENV_FILE")
	if envFile == "" {
		envFile = filepath.Join(baseDir, ".env")
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"env_file":    envFile,
	}, nil
}

// LogLevel returns the level named by GBFS_LOG_LEVEL ("debug", "info",
// "warn", "error"), or info when unset.
func LogLevel() (slog.Level, error) {
	var level slog.Level
	v := os.Getenv("GBFS_LOG_LEVEL")
	if v == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid GBFS_LOG_LEVEL %q: %w", v, err)
	}
	return level, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("GBFS_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "gbfs.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("GBFS_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "gbfs"), nil
}
