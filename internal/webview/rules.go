package webview

import "regexp"

// NameKind tells the namer what a rule's capture group holds.
type NameKind int

const (
	// KindPID captures a process id that must be resolved to a package.
	KindPID NameKind = iota
	// KindPackage captures a package name usable as-is.
	KindPackage
)

// NamingRule maps a debug socket name pattern to the kind of name it encodes.
// Pattern must have exactly one capture group.
type NamingRule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    NameKind
}

// DefaultRules is evaluated in order; the first match wins.
var DefaultRules = []NamingRule{
	{
		// @webview_devtools_remote_4821, @com.app_devtools_remote_sandbox_4821
		Name:    "pid",
		Pattern: regexp.MustCompile(`^@?[\w.]+_devtools_remote_(?:[\w.]+_)?(\d+)$`),
		Kind:    KindPID,
	},
	{
		// @stetho_com.app_devtools_remote
		Name:    "stetho",
		Pattern: regexp.MustCompile(`^@?stetho_([\w.]+)_devtools_remote$`),
		Kind:    KindPackage,
	},
	{
		// @com.app_devtools_remote (embedded engines), @chrome_devtools_remote
		Name:    "package",
		Pattern: regexp.MustCompile(`^@?([\w.]+)_devtools_remote$`),
		Kind:    KindPackage,
	},
}

// matchRule returns the first rule matching raw and its captured value.
func matchRule(rules []NamingRule, raw string) (NamingRule, string, bool) {
	for _, r := range rules {
		if m := r.Pattern.FindStringSubmatch(raw); len(m) == 2 {
			return r, m[1], true
		}
	}
	return NamingRule{}, "", false
}
