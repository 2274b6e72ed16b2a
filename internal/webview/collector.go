package webview

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/ctxdriver/internal/logging"
	"github.com/standardbeagle/ctxdriver/internal/portguard"
)

// DefaultProbeTimeout bounds each CDP request.
const DefaultProbeTimeout = 2 * time.Second

// Forwarder opens a short-lived port forward around fn.
// *portguard.Guard satisfies it.
type Forwarder interface {
	WithForward(ctx context.Context, remoteSocket string, ranges []portguard.Range, fn func(host string, port int) error) error
}

// CollectOptions selects what the collector fetches.
type CollectOptions struct {
	FetchEngineInfo bool
	FetchPageList   bool
	PortRanges      []portguard.Range
	Timeout         time.Duration
}

// Collector fills ContextDescriptors with CDP details.
type Collector struct {
	fwd Forwarder
	log *zap.Logger
}

// NewCollector creates a Collector that probes through fwd.
func NewCollector(fwd Forwarder, log *zap.Logger) *Collector {
	return &Collector{fwd: fwd, log: logging.OrNop(log)}
}

// Collect probes every descriptor concurrently and waits for all probes.
// Probe failures leave the descriptor's details unset.
func (c *Collector) Collect(ctx context.Context, descs []*ContextDescriptor, opts CollectOptions) {
	if len(descs) == 0 || (!opts.FetchEngineInfo && !opts.FetchPageList) {
		return
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	transport := &http.Transport{DisableKeepAlives: true}
	client := &http.Client{Timeout: timeout, Transport: transport}
	defer transport.CloseIdleConnections()

	var g errgroup.Group
	for _, d := range descs {
		g.Go(func() error {
			c.collectOne(ctx, client, d, opts)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Collector) collectOne(ctx context.Context, client *http.Client, d *ContextDescriptor, opts CollectOptions) {
	log := c.log.With(zap.String("socket", d.RemoteSocketName))
	err := c.fwd.WithForward(ctx, d.RemoteSocketName, opts.PortRanges, func(host string, port int) error {
		base := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
		if opts.FetchEngineInfo {
			var info EngineInfo
			if err := getJSON(ctx, client, base+"/json/version", &info); err != nil {
				log.Warn("could not collect engine info", zap.Error(err))
			} else {
				d.EngineInfo = &info
			}
		}
		if opts.FetchPageList {
			var pages []Page
			if err := getJSON(ctx, client, base+"/json/list", &pages); err != nil {
				log.Warn("could not collect page list", zap.Error(err))
			} else {
				if pages == nil {
					pages = []Page{}
				}
				d.OpenPages = pages
			}
		}
		return nil
	})
	if err != nil {
		log.Warn("could not forward debug socket", zap.Error(err))
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Close = true
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}
