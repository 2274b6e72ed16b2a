package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/standardbeagle/ctxdriver/internal/webview"
)

func TestMergeEngineOptions(t *testing.T) {
	caller := map[string]any{
		"args":            []string{"--headless"},
		OptAndroidPackage: "com.user.choice",
		OptAndroidProcess: "com.user.proc",
	}
	framework := map[string]any{
		OptAndroidPackage:       "com.example.app",
		OptAndroidProcess:       "com.example.app:web",
		OptAndroidUseRunningApp: true,
	}

	merged, overridden := MergeEngineOptions(caller, framework)

	assert.Equal(t, []string{OptAndroidPackage, OptAndroidProcess}, overridden)
	assert.Equal(t, "com.example.app", merged[OptAndroidPackage])
	assert.Equal(t, "com.example.app:web", merged[OptAndroidProcess])
	assert.Equal(t, true, merged[OptAndroidUseRunningApp])
	assert.Equal(t, []string{"--headless"}, merged["args"])
	assert.Equal(t, "com.user.choice", caller[OptAndroidPackage], "caller map must not change")
}

func TestMergeEngineOptionsNilCaller(t *testing.T) {
	merged, overridden := MergeEngineOptions(nil, map[string]any{OptAndroidUseRunningApp: false})
	assert.Empty(t, overridden)
	assert.Equal(t, map[string]any{OptAndroidUseRunningApp: false}, merged)
}

func TestDerivePackagePrecedence(t *testing.T) {
	discovered := &webview.ContextDescriptor{
		ContextID:  "WEBVIEW_com.example.app",
		EngineInfo: &webview.EngineInfo{AndroidPackage: "com.from.cdp"},
	}
	cached := webview.Metadata{EngineInfo: &webview.EngineInfo{AndroidPackage: "com.from.cache"}}

	tests := []struct {
		name string
		in   CapabilityInputs
		want string
	}{
		{"explicit wins", CapabilityInputs{ExplicitPackage: "com.explicit", AppPackage: "com.app", Discovered: discovered}, "com.explicit"},
		{"app package next", CapabilityInputs{AppPackage: "com.app", Discovered: discovered}, "com.app"},
		{"descriptor next", CapabilityInputs{Discovered: discovered, Cached: cached, HasCached: true}, "com.from.cdp"},
		{"cache last", CapabilityInputs{Cached: cached, HasCached: true}, "com.from.cache"},
		{"none", CapabilityInputs{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, _ := DeriveCapabilities(tt.in)
			assert.Equal(t, tt.want, caps.Package)
			if tt.want == "" {
				assert.NotContains(t, caps.EngineOptions, OptAndroidPackage)
			} else {
				assert.Equal(t, tt.want, caps.EngineOptions[OptAndroidPackage])
			}
		})
	}
}

func TestDeriveCapabilitiesWebview(t *testing.T) {
	caps, overridden := DeriveCapabilities(CapabilityInputs{
		ContextID:     "WEBVIEW_com.example.app",
		DeviceSerial:  "emulator-5554",
		CallerOptions: map[string]any{OptAndroidDeviceSerial: "other"},
		Discovered: &webview.ContextDescriptor{
			ContextID:        "WEBVIEW_com.example.app",
			RemoteSocketName: "webview_devtools_remote_4821",
			ProcessName:      "com.example.app:sandboxed",
		},
	})

	assert.Equal(t, []string{OptAndroidDeviceSerial}, overridden)
	assert.True(t, caps.UseRunningApp)
	assert.Equal(t, "com.example.app:sandboxed", caps.Process)
	assert.Equal(t, "webview_devtools_remote_4821", caps.DeviceSocket)
	assert.Equal(t, map[string]any{
		OptAndroidProcess:       "com.example.app:sandboxed",
		OptAndroidDeviceSerial:  "emulator-5554",
		OptAndroidUseRunningApp: true,
		OptAndroidDeviceSocket:  "webview_devtools_remote_4821",
	}, caps.EngineOptions)
}

func TestDeriveCapabilitiesChromium(t *testing.T) {
	caps, _ := DeriveCapabilities(CapabilityInputs{
		ContextID:       webview.ChromiumContext,
		ExplicitPackage: "com.android.chrome",
		DeviceSocket:    webview.ChromeDevtoolsSocket,
		Discovered: &webview.ContextDescriptor{
			ContextID:        webview.ChromiumContext,
			RemoteSocketName: webview.ChromeDevtoolsSocket,
			ProcessName:      "chrome",
		},
	})

	assert.False(t, caps.UseRunningApp)
	assert.Equal(t, "com.android.chrome", caps.EngineOptions[OptAndroidPackage])
	assert.NotContains(t, caps.EngineOptions, OptAndroidProcess)
	assert.Equal(t, webview.ChromeDevtoolsSocket, caps.EngineOptions[OptAndroidDeviceSocket])
}

func TestDeriveProcessFromCache(t *testing.T) {
	caps, _ := DeriveCapabilities(CapabilityInputs{
		ContextID: "WEBVIEW_com.example.app",
		Cached:    webview.Metadata{ProcessName: "com.example.app", ProcessID: 4821},
		HasCached: true,
	})
	assert.Equal(t, "com.example.app", caps.Process)
}
