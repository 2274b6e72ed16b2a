package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"

	"github.com/standardbeagle/ctxdriver/internal/portguard"
)

// ConfigFileName is the project configuration file.
const ConfigFileName = ".ctxdriver.kdl"

// KDLConfig represents the KDL configuration structure.
type KDLConfig struct {
	Device    KDLDevice    `kdl:"device"`
	Discovery KDLDiscovery `kdl:"discovery"`
	Ports     KDLPorts     `kdl:"ports"`
	Driver    KDLDriver    `kdl:"driver"`
	Log       KDLLog       `kdl:"log"`
}

// KDLDevice holds the device section.
type KDLDevice struct {
	Serial string `kdl:"serial"`
	ADB    string `kdl:"adb"`
	Socket string `kdl:"socket"`
}

// KDLDiscovery holds the discovery section.
type KDLDiscovery struct {
	DevtoolsPorts  []string `kdl:"devtools-ports"`
	CollectDetails *bool    `kdl:"collect-details"`
	EnsurePages    *bool    `kdl:"ensure-pages"`
	ProbeTimeoutMs int      `kdl:"probe-timeout-ms"`
	CacheSize      int      `kdl:"cache-size"`
}

// KDLPorts holds the ports section.
type KDLPorts struct {
	LockFile     string   `kdl:"lock-file"`
	LockWaitMs   int      `kdl:"lock-wait-ms"`
	LockStaleMs  int      `kdl:"lock-stale-ms"`
	ControlPorts []string `kdl:"control-ports"`
}

// KDLDriver holds the driver section.
type KDLDriver struct {
	Executable        string            `kdl:"executable"`
	Args              []string          `kdl:"args"`
	Package           string            `kdl:"package"`
	AppPackage        string            `kdl:"app-package"`
	AutoWebviewName   string            `kdl:"auto-webview-name"`
	RecreateSessions  *bool             `kdl:"recreate-sessions"`
	StartTimeoutMs    int               `kdl:"start-timeout-ms"`
	LivenessTimeoutMs int               `kdl:"liveness-timeout-ms"`
	Listen            string            `kdl:"listen"`
	EngineArgs        []string          `kdl:"engine-args"`
	EngineOptions     map[string]string `kdl:"engine-options"`
}

// KDLLog holds the log section.
type KDLLog struct {
	Level  string `kdl:"level"`
	Format string `kdl:"format"`
}

// Load finds the config file for dir and loads it. It returns defaults and
// an empty path when no file exists.
func Load(dir string) (*Config, string, error) {
	path := FindConfigFile(dir)
	if path == "" {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// FindConfigFile searches for .ctxdriver.kdl starting from dir and walking up.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			break
		}
		absDir = parent
	}

	return ""
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	return kdlConfigToConfig(&kdlCfg)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(k *KDLConfig) (*Config, error) {
	cfg := DefaultConfig()

	// Device
	if k.Device.Serial != "" {
		cfg.Device.Serial = k.Device.Serial
	}
	if k.Device.ADB != "" {
		cfg.Device.ADBPath = k.Device.ADB
	}
	if k.Device.Socket != "" {
		cfg.Device.SocketFilter = k.Device.Socket
	}

	// Discovery
	if len(k.Discovery.DevtoolsPorts) > 0 {
		ranges, err := portguard.ParseRanges(k.Discovery.DevtoolsPorts)
		if err != nil {
			return nil, fmt.Errorf("discovery devtools-ports: %w", err)
		}
		cfg.Discovery.DevtoolsPorts = ranges
	}
	if k.Discovery.CollectDetails != nil {
		cfg.Discovery.CollectDetails = *k.Discovery.CollectDetails
	}
	if k.Discovery.EnsurePages != nil {
		cfg.Discovery.EnsurePages = *k.Discovery.EnsurePages
	}
	if k.Discovery.ProbeTimeoutMs > 0 {
		cfg.Discovery.ProbeTimeout = millis(k.Discovery.ProbeTimeoutMs)
	}
	if k.Discovery.CacheSize > 0 {
		cfg.Discovery.CacheSize = k.Discovery.CacheSize
	}

	// Ports
	if k.Ports.LockFile != "" {
		cfg.Ports.LockFile = k.Ports.LockFile
	}
	if k.Ports.LockWaitMs > 0 {
		cfg.Ports.LockWait = millis(k.Ports.LockWaitMs)
	}
	if k.Ports.LockStaleMs > 0 {
		cfg.Ports.LockStale = millis(k.Ports.LockStaleMs)
	}
	if len(k.Ports.ControlPorts) > 0 {
		ranges, err := portguard.ParseRanges(k.Ports.ControlPorts)
		if err != nil {
			return nil, fmt.Errorf("ports control-ports: %w", err)
		}
		cfg.Ports.ControlPorts = ranges
	}

	// Driver
	d := k.Driver
	if d.Executable != "" {
		cfg.Driver.Executable = d.Executable
	}
	if len(d.Args) > 0 {
		cfg.Driver.Args = d.Args
	}
	cfg.Driver.Package = d.Package
	cfg.Driver.AppPackage = d.AppPackage
	cfg.Driver.AutoWebviewName = d.AutoWebviewName
	if d.RecreateSessions != nil {
		cfg.Driver.RecreateSessions = *d.RecreateSessions
	}
	if d.StartTimeoutMs > 0 {
		cfg.Driver.StartTimeout = millis(d.StartTimeoutMs)
	}
	if d.LivenessTimeoutMs > 0 {
		cfg.Driver.LivenessTimeout = millis(d.LivenessTimeoutMs)
	}
	if d.Listen != "" {
		cfg.Driver.Listen = d.Listen
	}
	if len(d.EngineOptions) > 0 || len(d.EngineArgs) > 0 {
		opts := make(map[string]any, len(d.EngineOptions)+1)
		for key, v := range d.EngineOptions {
			opts[key] = v
		}
		if len(d.EngineArgs) > 0 {
			opts["args"] = d.EngineArgs
		}
		cfg.Driver.EngineOptions = opts
	}

	// Log
	if k.Log.Level != "" {
		cfg.Log.Level = strings.ToLower(k.Log.Level)
	}
	if k.Log.Format != "" {
		cfg.Log.Format = strings.ToLower(k.Log.Format)
	}

	return cfg, nil
}

// WriteDefaultConfig writes a documented config file to path.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// ctxdriver configuration

device {
    // adb -s serial; omit to use the only attached device
    // serial "emulator-5554"
    adb "adb"
    // Only consider this debug socket, e.g. chrome_devtools_remote
    // socket "chrome_devtools_remote"
}

discovery {
    devtools-ports "10900-11000"
    probe-timeout-ms 2000
    cache-size 100
}

ports {
    lock-wait-ms 7000
    lock-stale-ms 30000
    // control-ports "9515-9615"
}

driver {
    executable "chromedriver"
    start-timeout-ms 20000
    liveness-timeout-ms 5000
    listen "127.0.0.1:4723"
    // app-package "com.example.app"
    // engine-args "--disable-gpu"
}

log {
    level "info"
    format "console"
}
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
