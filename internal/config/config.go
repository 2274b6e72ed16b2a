// Package config loads ctxdriver settings from .ctxdriver.kdl.
package config

import (
	"time"

	"github.com/standardbeagle/ctxdriver/internal/portguard"
)

// Config holds the complete ctxdriver configuration.
type Config struct {
	Device    DeviceConfig    `json:"device"`
	Discovery DiscoveryConfig `json:"discovery"`
	Ports     PortsConfig     `json:"ports"`
	Driver    DriverConfig    `json:"driver"`
	Log       LogConfig       `json:"log"`
}

// DeviceConfig selects the device and how to reach it.
type DeviceConfig struct {
	// Serial is passed to adb -s; empty uses the only attached device.
	Serial string `json:"serial,omitempty"`
	// ADBPath is the adb executable.
	ADBPath string `json:"adb"`
	// SocketFilter limits discovery to one debug socket.
	SocketFilter string `json:"socket,omitempty"`
}

// DiscoveryConfig controls webview discovery.
type DiscoveryConfig struct {
	// DevtoolsPorts are searched for probe forwards.
	DevtoolsPorts []portguard.Range `json:"devtools_ports"`
	// CollectDetails enables CDP probing.
	CollectDetails bool `json:"collect_details"`
	// EnsurePages hides webviews that report no pages.
	EnsurePages  bool          `json:"ensure_pages"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
	// CacheSize bounds the metadata cache.
	CacheSize int `json:"cache_size"`
}

// PortsConfig configures the cross-process port lock and backend ports.
type PortsConfig struct {
	LockFile  string        `json:"lock_file"`
	LockWait  time.Duration `json:"lock_wait"`
	LockStale time.Duration `json:"lock_stale"`
	// ControlPorts are searched for backend ports; empty means any free port.
	ControlPorts []portguard.Range `json:"control_ports,omitempty"`
}

// DriverConfig configures backend sessions.
type DriverConfig struct {
	// Executable is the backend binary.
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
	// Package forces the engine package for every session.
	Package         string `json:"package,omitempty"`
	AppPackage      string `json:"app_package,omitempty"`
	AutoWebviewName string `json:"auto_webview_name,omitempty"`
	// RecreateSessions stops every backend when leaving a webview.
	RecreateSessions bool          `json:"recreate_sessions"`
	StartTimeout     time.Duration `json:"start_timeout"`
	LivenessTimeout  time.Duration `json:"liveness_timeout"`
	// Listen is the command proxy address.
	Listen string `json:"listen"`
	// EngineOptions are caller goog:chromeOptions.
	EngineOptions map[string]any `json:"engine_options,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ADBPath: "adb",
		},
		Discovery: DiscoveryConfig{
			DevtoolsPorts:  []portguard.Range{{Start: 10900, End: 11000}},
			CollectDetails: true,
			ProbeTimeout:   2 * time.Second,
			CacheSize:      100,
		},
		Ports: PortsConfig{
			LockFile:  portguard.DefaultLockPath(),
			LockWait:  portguard.DefaultLockWait,
			LockStale: portguard.DefaultLockStale,
		},
		Driver: DriverConfig{
			Executable:      "chromedriver",
			StartTimeout:    20 * time.Second,
			LivenessTimeout: 5 * time.Second,
			Listen:          "127.0.0.1:4723",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
