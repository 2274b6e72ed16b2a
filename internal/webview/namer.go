package webview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/device"
	"github.com/standardbeagle/ctxdriver/internal/logging"
)

var (
	// ErrProcessGone is returned when the process owning a pid socket has exited.
	ErrProcessGone = errors.New("webview process is gone")
	// ErrUnnamedSocket is returned for sockets no naming rule recognizes.
	ErrUnnamedSocket = errors.New("socket matches no naming rule")
	// ErrFilteredOut is returned for sockets excluded by the socket filter.
	ErrFilteredOut = errors.New("socket excluded by filter")
)

// ProcessResolver is the part of the device bridge the namer needs.
type ProcessResolver interface {
	ResolveProcessName(ctx context.Context, pid int) (string, error)
	PackageRunState(ctx context.Context, pkg string) (device.RunState, error)
}

// Namer turns debug sockets into context ids.
type Namer struct {
	resolver ProcessResolver
	rules    []NamingRule
	log      *zap.Logger
}

// NewNamer creates a Namer using DefaultRules.
func NewNamer(resolver ProcessResolver, log *zap.Logger) *Namer {
	return &Namer{
		resolver: resolver,
		rules:    DefaultRules,
		log:      logging.OrNop(log),
	}
}

// Name derives the context id for sock. When filter is set only the socket
// it names is accepted, and the browser socket maps to ChromiumContext.
func (n *Namer) Name(ctx context.Context, sock SocketDescriptor, filter string) (ContextDescriptor, error) {
	desc := ContextDescriptor{RemoteSocketName: sock.RemoteSocketName}

	if filter != "" {
		if sock.RemoteSocketName != strings.TrimPrefix(filter, "@") {
			return desc, fmt.Errorf("%w: %s", ErrFilteredOut, sock.RawContextID)
		}
		if sock.RemoteSocketName == ChromeDevtoolsSocket {
			desc.ContextID = ChromiumContext
			return desc, nil
		}
	}

	raw := sock.RawContextID
	if raw == "" {
		raw = "@" + sock.RemoteSocketName
	}
	rule, value, ok := matchRule(n.rules, raw)
	if !ok {
		return desc, fmt.Errorf("%w: %s", ErrUnnamedSocket, raw)
	}

	switch rule.Kind {
	case KindPID:
		pid, err := strconv.Atoi(value)
		if err != nil {
			return desc, fmt.Errorf("%w: bad pid %q in %s", ErrUnnamedSocket, value, raw)
		}
		name, err := n.resolver.ResolveProcessName(ctx, pid)
		if err != nil {
			return desc, fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
		}
		desc.ProcessID = pid
		desc.ProcessName = name
		desc.ContextID = WebviewPrefix + name
	default:
		desc.ProcessName = value
		desc.ContextID = WebviewPrefix + value
	}
	return desc, nil
}

// Refine rewrites desc.ContextID once engine details are known: a package
// reported by the engine wins, and the generic chrome name is resolved to the
// running Chrome channel.
func (n *Namer) Refine(ctx context.Context, desc *ContextDescriptor) {
	if desc.ContextID == ChromiumContext {
		return
	}
	if desc.EngineInfo != nil && desc.EngineInfo.AndroidPackage != "" {
		desc.ContextID = WebviewPrefix + desc.EngineInfo.AndroidPackage
		return
	}
	if desc.ContextID != WebviewPrefix+"chrome" {
		return
	}
	if pkg := n.runningChrome(ctx); pkg != "" {
		desc.ContextID = WebviewPrefix + pkg
	}
}

// runningChrome returns the foreground Chrome channel, else the first one in
// the background, else "".
func (n *Namer) runningChrome(ctx context.Context) string {
	var background string
	for _, pkg := range KnownChromePackages {
		state, err := n.resolver.PackageRunState(ctx, pkg)
		if err != nil {
			n.log.Debug("could not read package state", zap.String("package", pkg), zap.Error(err))
			continue
		}
		switch state {
		case device.Foreground:
			return pkg
		case device.Background:
			if background == "" {
				background = pkg
			}
		}
	}
	return background
}
