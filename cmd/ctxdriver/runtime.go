package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/standardbeagle/ctxdriver/internal/cache"
	"github.com/standardbeagle/ctxdriver/internal/config"
	"github.com/standardbeagle/ctxdriver/internal/contexts"
	"github.com/standardbeagle/ctxdriver/internal/device"
	"github.com/standardbeagle/ctxdriver/internal/driver"
	"github.com/standardbeagle/ctxdriver/internal/logging"
	"github.com/standardbeagle/ctxdriver/internal/portguard"
	"github.com/standardbeagle/ctxdriver/internal/proxy"
	"github.com/standardbeagle/ctxdriver/internal/webview"
)

type rootOptions struct {
	configPath string
	serial     string
	adb        string
	socket     string
	appPackage string
	logLevel   string
	logFormat  string
	json       bool
}

var rootOpts rootOptions

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if rootOpts.configPath != "" {
		cfg, err = config.LoadConfigFile(rootOpts.configPath)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, wdErr
		}
		cfg, _, err = config.Load(wd)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("serial") {
		cfg.Device.Serial = rootOpts.serial
	}
	if flags.Changed("adb") {
		cfg.Device.ADBPath = rootOpts.adb
	}
	if flags.Changed("socket") {
		cfg.Device.SocketFilter = rootOpts.socket
	}
	if flags.Changed("app-package") {
		cfg.Driver.AppPackage = rootOpts.appPackage
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = rootOpts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = rootOpts.logFormat
	}
	return cfg, nil
}

// runtime is the wired component graph for one device.
type runtime struct {
	cfg        *config.Config
	log        *zap.Logger
	bridge     *device.ADB
	guard      *portguard.Guard
	discoverer *webview.Discoverer
	proxy      *proxy.CommandProxy
	manager    *driver.Manager
	registry   *contexts.Registry
}

func newRuntime(cmd *cobra.Command, onFatal func(error)) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format)})
	if err != nil {
		return nil, err
	}

	bridge := device.NewADB(cfg.Device.ADBPath, cfg.Device.Serial)
	lock := portguard.NewFileLock(portguard.FileLockConfig{
		Path:  cfg.Ports.LockFile,
		Wait:  cfg.Ports.LockWait,
		Stale: cfg.Ports.LockStale,
	}, log)
	guard := portguard.NewGuard(bridge, lock, log)

	discoverer := webview.NewDiscoverer(bridge, guard, cache.New[webview.Metadata](cfg.Discovery.CacheSize), webview.Options{
		SocketFilter:   cfg.Device.SocketFilter,
		CollectDetails: cfg.Discovery.CollectDetails,
		EnsurePages:    cfg.Discovery.EnsurePages,
		PortRanges:     cfg.Discovery.DevtoolsPorts,
		ProbeTimeout:   cfg.Discovery.ProbeTimeout,
	}, log.Named("discovery"))

	px := proxy.NewCommandProxy(nil, log.Named("proxy"))
	starter := driver.NewProcessStarter(driver.ProcessConfig{
		Executable:   cfg.Driver.Executable,
		Args:         cfg.Driver.Args,
		StartTimeout: cfg.Driver.StartTimeout,
	}, log.Named("backend"))
	manager := driver.NewManager(driver.ManagerConfig{
		Package:          cfg.Driver.Package,
		AppPackage:       cfg.Driver.AppPackage,
		DeviceSerial:     cfg.Device.Serial,
		DeviceSocket:     cfg.Device.SocketFilter,
		EngineOptions:    cfg.Driver.EngineOptions,
		RecreateSessions: cfg.Driver.RecreateSessions,
		ControlPorts:     cfg.Ports.ControlPorts,
		LivenessTimeout:  cfg.Driver.LivenessTimeout,
	}, starter, guard, px, discoverer, log.Named("sessions"))

	registry := contexts.NewRegistry(contexts.Config{
		AppPackage:       cfg.Driver.AppPackage,
		AutoWebviewName:  cfg.Driver.AutoWebviewName,
		RecreateSessions: cfg.Driver.RecreateSessions,
		OnFatal:          onFatal,
	}, discoverer, manager, log.Named("contexts"))

	return &runtime{
		cfg:        cfg,
		log:        log,
		bridge:     bridge,
		guard:      guard,
		discoverer: discoverer,
		proxy:      px,
		manager:    manager,
		registry:   registry,
	}, nil
}

// jsonOutput reports whether results should be written as JSON.
func jsonOutput() bool {
	return rootOpts.json || !term.IsTerminal(int(os.Stdout.Fd()))
}

func (r *runtime) close() {
	_ = r.log.Sync()
}

func (r *runtime) String() string {
	serial := r.bridge.Serial()
	if serial == "" {
		serial = "default device"
	}
	return fmt.Sprintf("%s via %s", serial, r.cfg.Device.ADBPath)
}
