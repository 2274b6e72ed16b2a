// Package webview discovers debuggable web-rendering engines on a device and
// turns them into stable context ids.
package webview

const (
	// WebviewPrefix starts every context id backed by a debug socket.
	WebviewPrefix = "WEBVIEW_"
	// ChromiumContext is the synthetic id used when discovery is pinned to
	// the browser's own debug socket.
	ChromiumContext = "CHROMIUM"
	// ChromeDevtoolsSocket is the abstract socket the Chrome browser listens on.
	ChromeDevtoolsSocket = "chrome_devtools_remote"
)

// KnownChromePackages are the Chrome release channels that share the
// ChromeDevtoolsSocket name, in preference order.
var KnownChromePackages = []string{
	"com.android.chrome",
	"com.chrome.beta",
	"com.chrome.dev",
	"com.chrome.canary",
}

// SocketDescriptor is one debug socket found in the device socket table.
type SocketDescriptor struct {
	// RemoteSocketName is the abstract socket name without the leading '@'.
	RemoteSocketName string `json:"remoteSocketName"`
	// RawContextID is the socket path exactly as listed, '@' included.
	RawContextID string `json:"rawContextId"`
}

// EngineInfo is the payload of the engine's /json/version endpoint.
type EngineInfo struct {
	Browser              string `json:"Browser,omitempty"`
	ProtocolVersion      string `json:"Protocol-Version,omitempty"`
	UserAgent            string `json:"User-Agent,omitempty"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
	AndroidPackage       string `json:"Android-Package,omitempty"`
}

// Page is one entry of the engine's /json/list endpoint.
type Page struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
}

// ContextDescriptor describes one discovered web context. Zero values mean
// "unknown": OpenPages is nil when the page list was never fetched and
// empty when the engine reported no pages.
type ContextDescriptor struct {
	ContextID        string      `json:"contextId,omitempty"`
	RemoteSocketName string      `json:"remoteSocketName"`
	ProcessName      string      `json:"processName,omitempty"`
	ProcessID        int         `json:"processId,omitempty"`
	EngineInfo       *EngineInfo `json:"engineInfo,omitempty"`
	OpenPages        []Page      `json:"openPages,omitempty"`
}

// Metadata is what survives a discovery cycle in the metadata cache.
type Metadata struct {
	EngineInfo  *EngineInfo
	ProcessName string
	ProcessID   int
}

// Package returns the Android package the engine reported, if any.
func (m Metadata) Package() string {
	if m.EngineInfo == nil {
		return ""
	}
	return m.EngineInfo.AndroidPackage
}
