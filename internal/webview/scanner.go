package webview

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/standardbeagle/ctxdriver/internal/device"
)

const (
	// socketAcceptFlag marks a socket in listening mode (__SO_ACCEPTCON).
	socketAcceptFlag = "00010000"
	// socketUnconnected is SS_UNCONNECTED.
	socketUnconnected = "01"
)

// Scan lists the open Unix domain sockets on the device and returns those
// that look like engine debug sockets, in table order.
func Scan(ctx context.Context, lister device.SocketLister) ([]SocketDescriptor, error) {
	out, err := lister.ListOpenUnixSockets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unix sockets: %w", err)
	}
	return parseSocketTable(out, DefaultRules), nil
}

// parseSocketTable parses /proc/net/unix:
//
//	Num       RefCount Protocol Flags    Type St Inode Path
//	00000000: 00000002 00000000 00010000 0001 01 12345 @webview_devtools_remote_4821
func parseSocketTable(text string, rules []NamingRule) []SocketDescriptor {
	var found []SocketDescriptor
	seen := make(map[string]bool)

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 || fields[0] == "Num" {
			continue
		}
		if fields[3] != socketAcceptFlag || fields[5] != socketUnconnected {
			continue
		}
		path := strings.Join(fields[7:], " ")
		if !strings.HasPrefix(path, "@") {
			continue
		}
		if _, _, ok := matchRule(rules, path); !ok {
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		found = append(found, SocketDescriptor{
			RemoteSocketName: strings.TrimPrefix(path, "@"),
			RawContextID:     path,
		})
	}
	return found
}

// FilterSockets keeps only the socket named by filter. An empty filter keeps
// everything.
func FilterSockets(socks []SocketDescriptor, filter string) []SocketDescriptor {
	if filter == "" {
		return socks
	}
	name := strings.TrimPrefix(filter, "@")
	var kept []SocketDescriptor
	for _, s := range socks {
		if s.RemoteSocketName == name {
			kept = append(kept, s)
		}
	}
	return kept
}
