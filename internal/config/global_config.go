package config

import (
	"sync"
)

// GlobalConfig holds the process-wide Config singleton. The proxy reads its
// own flags and config file once at startup; this wrapper exists so
// goroutines that only need to read config — the admin server's /api/config
// route, in particular — don't need it threaded through every call. The
// config-file watcher (watcher.go) is the one goroutine that writes back
// into it, via Update, whenever the file changes on disk.
type GlobalConfig struct {
	mu         sync.RWMutex
	instance   *Config
	configPath string
}

var (
	global *GlobalConfig
	once   sync.Once
)

func Init() {
	once.Do(func() {
		global = &GlobalConfig{}
	})
}

// SetOnce records the process's initial Config and the path it was loaded
// from. Called exactly once, at startup, after flags have been merged on top
// of the loaded file; panics if called twice.
func SetOnce(cfg *Config, cfgPath string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.instance != nil {
		panic("config already initialized")
	}
	global.instance = cfg
	global.configPath = cfgPath
}

// Update replaces the live Config, used by the hot-reload watcher whenever
// the config file on disk changes. Unlike SetOnce this may be called any
// number of times.
func Update(cfg *Config) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.instance = cfg
}

// GetCfg returns a copy of the current Config. Panics if SetOnce hasn't run
// yet; callers that may run before startup has finished should use
// GetCfgIfSet instead.
func GetCfg() *Config {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.instance == nil {
		panic("config not initialized")
	}
	cloned := *global.instance
	return &cloned
}

// GetCfgIfSet returns a copy of the current Config and true, or false if
// SetOnce hasn't been called yet. Used by request handlers that must not
// crash the process just because they raced startup.
func GetCfgIfSet() (*Config, bool) {
	if global == nil {
		return nil, false
	}
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.instance == nil {
		return nil, false
	}
	cloned := *global.instance
	return &cloned, true
}

// GetConfigPath returns the path SetOnce was given, which may be empty if
// the process was configured entirely by flags/environment.
func GetConfigPath() string {
	if global == nil {
		return ""
	}
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.configPath
}
