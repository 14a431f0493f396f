package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober performs the active reachability and bandwidth checks.
type Prober interface {
	// Probe issues a lightweight request and returns its round-trip latency.
	Probe(ctx context.Context) (time.Duration, error)
	// Bandwidth downloads a sample and returns bytes per second.
	Bandwidth(ctx context.Context) (float64, error)
}

// HTTPProber probes with HEAD against ProbeURL and measures throughput with
// GET against BandwidthURL.
type HTTPProber struct {
	Client       *http.Client
	ProbeURL     string
	BandwidthURL string
}

func NewHTTPProber(probeURL, bandwidthURL string) *HTTPProber {
	return &HTTPProber{
		// Timeouts come from the caller's context.
		Client:       &http.Client{},
		ProbeURL:     probeURL,
		BandwidthURL: bandwidthURL,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.ProbeURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return latency, fmt.Errorf("probe returned %s", resp.Status)
	}
	return latency, nil
}

func (p *HTTPProber) Bandwidth(ctx context.Context) (float64, error) {
	if p.BandwidthURL == "" {
		return 0, errors.New("no bandwidth url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BandwidthURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bandwidth sample returned %s", resp.Status)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	return float64(n) / elapsed, nil
}
