package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultAppName names the config and data directories when no app name is given.
const DefaultAppName = "stockcount"

// Environment overrides read by Resolve and EnvDefaults.
const (
	EnvConfigPath = "STOCKCOUNT_CONFIG"
	EnvDBPath     = "STOCKCOUNT_DB_PATH"
	EnvDevMode    = "STOCKCOUNT_DEV_MODE"
	EnvAppName    = "STOCKCOUNT_APP_NAME"
)

// Source records where a resolved path came from.
type Source string

// Source values, in precedence order.
const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceDefault Source = "default"
)

// Getenv looks up one environment variable. os.Getenv satisfies it.
type Getenv func(string) string

// Request carries the caller's app identity and explicit path flags.
type Request struct {
	AppName    string
	DevMode    bool
	ConfigFlag string
	DBFlag     string
}

// Layout is where one stockcount install keeps its config, catalog and count log.
type Layout struct {
	AppName      string
	DevMode      bool
	ConfigPath   string
	ConfigSource Source
	DataDir      string
	DBPath       string
	DBSource     Source
}

// DBOverridden reports whether the database path was chosen by flag or environment.
func (l Layout) DBOverridden() bool {
	return l.DBSource != SourceDefault
}

// EnsureDBDir creates the directory holding the sqlite database.
func (l Layout) EnsureDBDir() error {
	dir := filepath.Dir(l.DBPath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %q: %w", dir, err)
	}
	return nil
}

// EnvDefaults returns the app name and dev mode from the environment.
// devFallback is used when the dev mode variable is unset or unparseable.
func EnvDefaults(getenv Getenv, devFallback bool) (string, bool) {
	appName := strings.TrimSpace(getenv(EnvAppName))
	if appName == "" {
		appName = DefaultAppName
	}
	devMode := devFallback
	if raw := strings.TrimSpace(getenv(EnvDevMode)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			devMode = v
		}
	}
	return appName, devMode
}

// Detect resolves the layout for the running OS and process environment.
func Detect(req Request) (Layout, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return Layout{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	if runtime.GOOS == "linux" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return Layout{}, fmt.Errorf("user home dir: %w", homeErr)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return Resolve(runtime.GOOS, os.Getenv, configDir, dataDir, req)
}

// Resolve computes the layout for goos. Flags beat STOCKCOUNT_* variables, which
// beat the per-OS defaults. Dev mode suffixes the app directories with -dev so a
// development build never touches a production catalog.
func Resolve(goos string, getenv Getenv, userConfigDir, userDataDir string, req Request) (Layout, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if userConfigDir == "" || userDataDir == "" {
		return Layout{}, fmt.Errorf("empty base dirs")
	}
	appName := strings.TrimSpace(req.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	if strings.ContainsAny(appName, `/\`) {
		return Layout{}, fmt.Errorf("app name %q must not contain path separators", appName)
	}
	dirName := appName
	if req.DevMode {
		dirName += "-dev"
	}

	configBase, dataBase := baseDirs(goos, getenv, userConfigDir, userDataDir)
	layout := Layout{
		AppName: appName,
		DevMode: req.DevMode,
		DataDir: filepath.Join(dataBase, dirName),
	}
	layout.ConfigPath, layout.ConfigSource = pick(req.ConfigFlag, getenv(EnvConfigPath), filepath.Join(configBase, dirName, "config.toml"))
	layout.DBPath, layout.DBSource = pick(req.DBFlag, getenv(EnvDBPath), filepath.Join(layout.DataDir, dirName+".db"))
	return layout, nil
}

// baseDirs applies the XDG and AppData conventions for goos.
func baseDirs(goos string, getenv Getenv, configBase, dataBase string) (string, string) {
	switch goos {
	case "linux":
		if v := strings.TrimSpace(getenv("XDG_CONFIG_HOME")); v != "" {
			configBase = v
		}
		if v := strings.TrimSpace(getenv("XDG_DATA_HOME")); v != "" {
			dataBase = v
		}
	case "windows":
		if v := strings.TrimSpace(getenv("APPDATA")); v != "" {
			configBase = v
		}
		if v := strings.TrimSpace(getenv("LOCALAPPDATA")); v != "" {
			dataBase = v
		}
	}
	return configBase, dataBase
}

func pick(flag, env, fallback string) (string, Source) {
	if v := strings.TrimSpace(flag); v != "" {
		return v, SourceFlag
	}
	if v := strings.TrimSpace(env); v != "" {
		return v, SourceEnv
	}
	return fallback, SourceDefault
}
