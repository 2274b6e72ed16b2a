// Package device defines the device bridge consumed by context discovery and
// provides an implementation backed by the adb command line tool.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when a pid no longer maps to a live process.
	ErrProcessNotFound = errors.New("process not found")
	// ErrCommandFailed is returned when the bridge command exits unsuccessfully.
	ErrCommandFailed = errors.New("device command failed")
)

// RunState is the lifecycle state of an installed package.
type RunState int

const (
	NotInstalled RunState = iota
	NotRunning
	Background
	Foreground
)

func (s RunState) String() string {
	switch s {
	case NotInstalled:
		return "NOT_INSTALLED"
	case NotRunning:
		return "NOT_RUNNING"
	case Background:
		return "BACKGROUND"
	case Foreground:
		return "FOREGROUND"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// SocketLister reads the device's table of open Unix domain sockets.
type SocketLister interface {
	ListOpenUnixSockets(ctx context.Context) (string, error)
}

// Forwarder relays a local TCP port to a remote abstract socket.
type Forwarder interface {
	Forward(ctx context.Context, localPort int, remoteSocket string) error
	RemoveForward(ctx context.Context, localPort int) error
}

// Bridge is everything context discovery needs from the device transport.
type Bridge interface {
	SocketLister
	Forwarder

	// Serial identifies the device; cached metadata is scoped by it.
	Serial() string
	// ResolveProcessName maps a pid to its process (package) name.
	ResolveProcessName(ctx context.Context, pid int) (string, error)
	// PackageRunState reports whether a package is installed, running, and in front.
	PackageRunState(ctx context.Context, pkg string) (RunState, error)
}
