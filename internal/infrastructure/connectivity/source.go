// Package connectivity tracks whether the device can reach the remote
// service and how good the link is. Its offline→online edge is what starts
// a queue drain.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// QUALITY
// ══════════════════════════════════════════════════════════════════════════════

// Quality is a coarse link quality.
type Quality string

const (
	QualityPoor    Quality = "poor"
	QualityFair    Quality = "fair"
	QualityGood    Quality = "good"
	QualityUnknown Quality = "unknown"
)

// Effective bandwidth classes, as reported by browsers' Network Information API.
const (
	EffectiveSlow2G = "slow-2g"
	Effective2G     = "2g"
	Effective3G     = "3g"
	Effective4G     = "4g"
)

// QualityOf maps an effective bandwidth class to a Quality.
func QualityOf(effectiveType string) Quality {
	switch strings.ToLower(effectiveType) {
	case EffectiveSlow2G, Effective2G:
		return QualityPoor
	case Effective3G:
		return QualityFair
	case Effective4G:
		return QualityGood
	default:
		return QualityUnknown
	}
}

// EffectiveTypeForRTT classifies a round-trip time with the same
// thresholds browsers use.
func EffectiveTypeForRTT(rtt time.Duration) string {
	switch {
	case rtt >= 2000*time.Millisecond:
		return EffectiveSlow2G
	case rtt >= 1400*time.Millisecond:
		return Effective2G
	case rtt >= 270*time.Millisecond:
		return Effective3G
	default:
		return Effective4G
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SOURCES
// ══════════════════════════════════════════════════════════════════════════════

// Status is one sample from a Source.
type Status struct {
	Online        bool
	EffectiveType string
	SaveData      bool
	RTT           time.Duration
}

// ErrSourceUnavailable means the source cannot tell; the monitor then
// assumes the device is online.
var ErrSourceUnavailable = errors.New("connectivity: source unavailable")

// Source produces connectivity samples.
type Source interface {
	Sample(ctx context.Context) (Status, error)
}

// StaticSource always reports the same status.
type StaticSource struct {
	Status Status
}

// Sample implements Source.
func (s StaticSource) Sample(context.Context) (Status, error) { return s.Status, nil }

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Status, error)

// Sample implements Source.
func (f SourceFunc) Sample(ctx context.Context) (Status, error) { return f(ctx) }

// ProbeSource sends HEAD requests to the remote health endpoint. Any HTTP
// response means online; a transport failure means offline. The effective
// class is derived from the round-trip time.
type ProbeSource struct {
	client   *http.Client
	url      string
	saveData bool
}

// ProbeConfig configures a ProbeSource.
type ProbeConfig struct {
	// URL is probed with HEAD, usually "<remote base>/health".
	URL string

	Timeout time.Duration

	// SaveData marks the link as metered (limited data).
	SaveData bool
}

// NewProbeSource creates a ProbeSource.
func NewProbeSource(cfg ProbeConfig) *ProbeSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ProbeSource{
		client:   &http.Client{Timeout: cfg.Timeout},
		url:      cfg.URL,
		saveData: cfg.SaveData,
	}
}

// Sample implements Source.
func (p *ProbeSource) Sample(ctx context.Context) (Status, error) {
	if p.url == "" {
		return Status{}, ErrSourceUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Status{}, ErrSourceUnavailable
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		return Status{Online: false, SaveData: p.saveData}, nil
	}
	resp.Body.Close()
	rtt := time.Since(start)

	return Status{
		Online:        true,
		EffectiveType: EffectiveTypeForRTT(rtt),
		SaveData:      p.saveData,
		RTT:           rtt,
	}, nil
}
