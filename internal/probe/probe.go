// Package probe performs single bounded HTTP GET probes against monitors.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"pulse/internal/models"
)

const (
	DefaultUserAgent    = "URLMonitor/1.0"
	DefaultMaxBodyBytes = 1 << 20
)

// Options tune a Prober. Zero values fall back to the defaults.
type Options struct {
	UserAgent    string
	MaxBodyBytes int64
	// Client overrides the HTTP client, mainly for tests. Its Timeout is ignored
	// in favor of the per-monitor deadline.
	Client *http.Client
}

// Outcome is the classified result of one probe.
type Outcome struct {
	StatusCode   *int
	ResponseTime time.Duration
	Success      bool
	Error        string
}

// Check converts the outcome into a persistable row.
func (o Outcome) Check(monitorID int64, at time.Time) models.Check {
	ms := o.ResponseTime.Milliseconds()
	c := models.Check{
		MonitorID:      monitorID,
		CheckedAt:      at,
		StatusCode:     o.StatusCode,
		ResponseTimeMs: &ms,
		IsSuccess:      o.Success,
	}
	if o.Error != "" {
		msg := o.Error
		c.ErrorMessage = &msg
	}
	return c
}

// Prober issues probes. It is safe for concurrent use.
type Prober struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// New builds a Prober.
func New(opts Options) *Prober {
	p := &Prober{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
	}
	if p.client == nil {
		p.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if p.userAgent == "" {
		p.userAgent = DefaultUserAgent
	}
	if p.maxBody <= 0 {
		p.maxBody = DefaultMaxBodyBytes
	}
	return p
}

// Probe GETs m.URL under m's timeout. It never returns an error; transport
// failures are classified into Outcome.Error.
func (p *Prober) Probe(ctx context.Context, m models.Monitor) Outcome {
	timeout := m.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return Outcome{ResponseTime: time.Since(start), Error: Classify(err)}
	}
	req.Header.Set("User-Agent", p.userAgent)
	for _, h := range m.Headers {
		if h.Key != "" && h.Value != "" {
			req.Header.Set(h.Key, h.Value)
		}
	}

	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{ResponseTime: elapsed, Error: Classify(err)}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	out := Outcome{StatusCode: &code, ResponseTime: elapsed}

	// Drain a bounded prefix so the exchange completes, then drop it.
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.maxBody)); err != nil {
		out.Error = Classify(err)
		return out
	}

	out.Success = code == m.ExpectedStatus
	if !out.Success {
		out.Error = fmt.Sprintf("Unexpected status code: %d (expected %d)", code, m.ExpectedStatus)
	}
	return out
}
