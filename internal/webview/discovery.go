package webview

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/cache"
	"github.com/standardbeagle/ctxdriver/internal/device"
	"github.com/standardbeagle/ctxdriver/internal/logging"
	"github.com/standardbeagle/ctxdriver/internal/portguard"
)

// Options configures a Discoverer.
type Options struct {
	// SocketFilter restricts discovery to one socket name.
	SocketFilter string
	// CollectDetails enables CDP probing of each socket.
	CollectDetails bool
	// EnsurePages drops webviews whose page list was fetched and is empty.
	EnsurePages  bool
	PortRanges   []portguard.Range
	ProbeTimeout time.Duration
}

// DefaultOptions returns the default discovery options.
func DefaultOptions() Options {
	return Options{
		CollectDetails: true,
		PortRanges:     []portguard.Range{{Start: 10900, End: 11000}},
		ProbeTimeout:   DefaultProbeTimeout,
	}
}

// Discoverer runs scan, name, collect and cache update as one pass.
type Discoverer struct {
	bridge    device.Bridge
	namer     *Namer
	collector *Collector
	metadata  *cache.Cache[Metadata]
	opts      Options
	log       *zap.Logger
}

// NewDiscoverer wires a discovery pipeline. metadata may be shared between
// discoverers of different devices.
func NewDiscoverer(bridge device.Bridge, fwd Forwarder, metadata *cache.Cache[Metadata], opts Options, log *zap.Logger) *Discoverer {
	log = logging.OrNop(log)
	if metadata == nil {
		metadata = cache.New[Metadata](0)
	}
	return &Discoverer{
		bridge:    bridge,
		namer:     NewNamer(bridge, log),
		collector: NewCollector(fwd, log),
		metadata:  metadata,
		opts:      opts,
		log:       log,
	}
}

// Discover returns the currently debuggable webviews in socket table order,
// one descriptor per context id.
func (d *Discoverer) Discover(ctx context.Context) ([]ContextDescriptor, error) {
	socks, err := Scan(ctx, d.bridge)
	if err != nil {
		return nil, err
	}
	socks = FilterSockets(socks, d.opts.SocketFilter)

	descs := make([]*ContextDescriptor, 0, len(socks))
	for _, s := range socks {
		desc, err := d.namer.Name(ctx, s, d.opts.SocketFilter)
		if err != nil {
			if errors.Is(err, ErrProcessGone) {
				d.log.Warn("dropping webview socket", zap.String("socket", s.RawContextID), zap.Error(err))
			} else {
				d.log.Debug("skipping socket", zap.String("socket", s.RawContextID), zap.Error(err))
			}
			continue
		}
		descs = append(descs, &desc)
	}

	if d.opts.CollectDetails {
		d.collector.Collect(ctx, descs, CollectOptions{
			FetchEngineInfo: true,
			FetchPageList:   true,
			PortRanges:      d.opts.PortRanges,
			Timeout:         d.opts.ProbeTimeout,
		})
	}

	result := make([]ContextDescriptor, 0, len(descs))
	seen := make(map[string]bool, len(descs))
	for _, desc := range descs {
		d.namer.Refine(ctx, desc)
		if d.opts.EnsurePages && desc.OpenPages != nil && len(desc.OpenPages) == 0 {
			d.log.Debug("webview has no pages", zap.String("context", desc.ContextID))
			continue
		}
		if seen[desc.ContextID] {
			d.log.Debug("skipping duplicate webview", zap.String("context", desc.ContextID),
				zap.String("socket", desc.RemoteSocketName))
			continue
		}
		seen[desc.ContextID] = true
		// Only the kept descriptor may touch the cache entry for its id.
		if d.opts.CollectDetails {
			d.remember(desc)
		}
		result = append(result, *desc)
	}

	d.log.Debug("discovered webviews", zap.Int("count", len(result)))
	return result, nil
}

func (d *Discoverer) remember(desc *ContextDescriptor) {
	key := cache.Key{Device: d.bridge.Serial(), Context: desc.ContextID}
	if desc.EngineInfo == nil {
		d.metadata.Delete(key)
		return
	}
	d.metadata.Set(key, Metadata{
		EngineInfo:  desc.EngineInfo,
		ProcessName: desc.ProcessName,
		ProcessID:   desc.ProcessID,
	})
}

// Metadata returns cached details for contextID on this discoverer's device.
func (d *Discoverer) Metadata(contextID string) (Metadata, bool) {
	return d.metadata.Get(cache.Key{Device: d.bridge.Serial(), Context: contextID})
}
