package driver

import (
	"maps"
	"slices"

	"github.com/standardbeagle/ctxdriver/internal/webview"
)

// Engine option keys owned by the framework. Caller values for these keys
// are replaced.
const (
	OptAndroidPackage       = "androidPackage"
	OptAndroidProcess       = "androidProcess"
	OptAndroidDeviceSerial  = "androidDeviceSerial"
	OptAndroidUseRunningApp = "androidUseRunningApp"
	OptAndroidDeviceSocket  = "androidDeviceSocket"
)

// Capabilities are the typed inputs for one backend session.
type Capabilities struct {
	Package       string
	Process       string
	DeviceSerial  string
	DeviceSocket  string
	UseRunningApp bool
	// EngineOptions is the merged goog:chromeOptions object.
	EngineOptions map[string]any
}

// CapabilityInputs collects what DeriveCapabilities chooses from.
type CapabilityInputs struct {
	ContextID string
	// ExplicitPackage is the package the user asked for, if any.
	ExplicitPackage string
	AppPackage      string
	DeviceSerial    string
	DeviceSocket    string
	// CallerOptions are user supplied engine options.
	CallerOptions map[string]any
	// Discovered is the descriptor from the latest discovery, if any.
	Discovered *webview.ContextDescriptor
	// Cached is metadata remembered from an earlier discovery.
	Cached    webview.Metadata
	HasCached bool
}

// DeriveCapabilities picks package, process and socket for a context and
// merges the framework options over the caller's. It returns the caller keys
// that were overridden.
func DeriveCapabilities(in CapabilityInputs) (Capabilities, []string) {
	caps := Capabilities{
		Package:       derivePackage(in),
		Process:       deriveProcess(in),
		DeviceSerial:  in.DeviceSerial,
		DeviceSocket:  in.DeviceSocket,
		UseRunningApp: in.ContextID != webview.ChromiumContext,
	}
	if in.Discovered != nil && in.Discovered.RemoteSocketName != "" && in.ContextID != webview.ChromiumContext {
		caps.DeviceSocket = in.Discovered.RemoteSocketName
	}

	framework := map[string]any{
		OptAndroidUseRunningApp: caps.UseRunningApp,
	}
	if caps.Package != "" {
		framework[OptAndroidPackage] = caps.Package
	}
	if caps.Process != "" && in.ContextID != webview.ChromiumContext {
		framework[OptAndroidProcess] = caps.Process
	}
	if caps.DeviceSerial != "" {
		framework[OptAndroidDeviceSerial] = caps.DeviceSerial
	}
	if caps.DeviceSocket != "" {
		framework[OptAndroidDeviceSocket] = caps.DeviceSocket
	}

	var overridden []string
	caps.EngineOptions, overridden = MergeEngineOptions(in.CallerOptions, framework)
	return caps, overridden
}

func derivePackage(in CapabilityInputs) string {
	switch {
	case in.ExplicitPackage != "":
		return in.ExplicitPackage
	case in.AppPackage != "":
		return in.AppPackage
	case in.Discovered != nil && in.Discovered.EngineInfo != nil && in.Discovered.EngineInfo.AndroidPackage != "":
		return in.Discovered.EngineInfo.AndroidPackage
	case in.HasCached:
		return in.Cached.Package()
	}
	return ""
}

func deriveProcess(in CapabilityInputs) string {
	if in.Discovered != nil && in.Discovered.ProcessName != "" {
		return in.Discovered.ProcessName
	}
	if in.HasCached {
		return in.Cached.ProcessName
	}
	return ""
}

// MergeEngineOptions returns caller overlaid with framework, and the sorted
// caller keys whose values were replaced. Neither input is modified.
func MergeEngineOptions(caller, framework map[string]any) (map[string]any, []string) {
	merged := make(map[string]any, len(caller)+len(framework))
	maps.Copy(merged, caller)

	var overridden []string
	for k, v := range framework {
		if _, ok := caller[k]; ok {
			overridden = append(overridden, k)
		}
		merged[k] = v
	}
	slices.Sort(overridden)
	return merged, overridden
}
