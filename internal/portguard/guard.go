package portguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/device"
	"github.com/standardbeagle/ctxdriver/internal/logging"
)

var (
	// ErrNoFreePort is returned when every candidate port is taken.
	ErrNoFreePort = errors.New("no free local port")
	// ErrInvalidRange is returned for malformed port range specs.
	ErrInvalidRange = errors.New("invalid port range")
)

// DefaultHost is the interface forwards and control ports bind on.
const DefaultHost = "127.0.0.1"

// Range is an inclusive span of TCP ports.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseRange parses "9515" or "9515-9525".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	lo, hi, isSpan := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	end := start
	if isSpan {
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
		}
	}
	if start <= 0 || end > 65535 || end < start {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return Range{Start: start, End: end}, nil
}

// ParseRanges parses a list of range specs, preserving order.
func ParseRanges(specs []string) ([]Range, error) {
	ranges := make([]Range, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Guard allocates local ports under a Locker and owns the forwards it creates.
type Guard struct {
	forwarder device.Forwarder
	lock      Locker
	host      string
	log       *zap.Logger

	active atomic.Int64
}

// NewGuard creates a guard. forwarder may be nil when only AllocatePort is used.
func NewGuard(forwarder device.Forwarder, lock Locker, log *zap.Logger) *Guard {
	return &Guard{
		forwarder: forwarder,
		lock:      lock,
		host:      DefaultHost,
		log:       logging.OrNop(log),
	}
}

// Host returns the address forwarded ports listen on.
func (g *Guard) Host() string {
	return g.host
}

// ActiveForwards returns the number of forwards currently held open.
func (g *Guard) ActiveForwards() int64 {
	return g.active.Load()
}

// AllocatePort finds a free local port while holding the allocation lock.
func (g *Guard) AllocatePort(ctx context.Context, ranges []Range) (int, error) {
	release, err := g.lock.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return g.findFreePort(ranges)
}

// WithForward forwards a free local port to remoteSocket and runs fn with it.
// The lock covers only the port search and the forward request; fn runs
// unlocked. The forward is removed when fn returns, errors, or panics.
func (g *Guard) WithForward(ctx context.Context, remoteSocket string, ranges []Range, fn func(host string, port int) error) error {
	if g.forwarder == nil {
		return errors.New("port guard has no forwarder")
	}

	port, err := g.openForward(ctx, remoteSocket, ranges)
	if err != nil {
		return err
	}
	g.active.Add(1)
	defer func() {
		if err := g.forwarder.RemoveForward(context.WithoutCancel(ctx), port); err != nil {
			g.log.Warn("failed to remove port forward",
				zap.Int("port", port), zap.String("socket", remoteSocket), zap.Error(err))
		}
		g.active.Add(-1)
	}()

	return fn(g.host, port)
}

func (g *Guard) openForward(ctx context.Context, remoteSocket string, ranges []Range) (int, error) {
	release, err := g.lock.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	port, err := g.findFreePort(ranges)
	if err != nil {
		return 0, err
	}
	if err := g.forwarder.Forward(ctx, port, remoteSocket); err != nil {
		return 0, err
	}
	g.log.Debug("forwarded port", zap.Int("port", port), zap.String("socket", remoteSocket))
	return port, nil
}

func (g *Guard) findFreePort(ranges []Range) (int, error) {
	if len(ranges) == 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(g.host, "0"))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoFreePort, err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		return port, nil
	}

	for i, r := range ranges {
		for p := r.Start; p <= r.End; p++ {
			if g.portFree(p) {
				return p, nil
			}
		}
		if i < len(ranges)-1 {
			g.log.Info("port range exhausted, trying next", zap.Stringer("range", r))
		}
	}
	return 0, fmt.Errorf("%w in %v", ErrNoFreePort, ranges)
}

func (g *Guard) portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(g.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
