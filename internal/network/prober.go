package network

import (
	"context"
	"net/http"
	"time"

	"github.com/planbookhq/backend/internal/logging"
)

// ProberConfig controls the reachability probe.
type ProberConfig struct {
	// URL is probed with a HEAD request. Any response, including an error
	// status, counts as reachable; only transport failures count as offline.
	URL string
	// Interval between probes. Defaults to 30 seconds.
	Interval time.Duration
	// Timeout for a single probe. Defaults to 5 seconds.
	Timeout time.Duration
}

// Prober drives a ManualMonitor from periodic HTTP reachability checks
// against the sync server.
type Prober struct {
	monitor *ManualMonitor
	cfg     ProberConfig
	client  *http.Client
}

// NewProber creates a prober feeding the given monitor.
func NewProber(monitor *ManualMonitor, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{
		monitor: monitor,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Run probes immediately, then on every interval tick, until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		logging.Error("network probe request failed", err, map[string]interface{}{
			"url": p.cfg.URL,
		})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.monitor.SetOnline(false)
		return
	}
	resp.Body.Close()
	p.monitor.SetOnline(true)
}
