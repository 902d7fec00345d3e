package liveness

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/store"
)

// Prober periodically pings services that registered a ping URL and writes
// the observed status back. Services without a ping URL rely on heartbeats
// and the stale window alone.
type Prober struct {
	store    *store.Store
	eval     *Evaluator
	client   *http.Client
	interval time.Duration
}

// NewProber creates a prober; non-positive interval takes the default.
func NewProber(st *store.Store, eval *Evaluator, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		store:    st,
		eval:     eval,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
	}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Printf("[Prober] probing services every %s", p.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	projects, err := p.store.ListProjects(ctx)
	if err != nil {
		log.Printf("[Prober] list projects: %v", err)
		return
	}
	now := p.store.Clock().Now()
	for _, proj := range projects {
		services, err := p.store.ListServices(ctx, proj.ID)
		if err != nil {
			log.Printf("[Prober] list services for %s: %v", proj.ID, err)
			continue
		}
		for _, svc := range services {
			p.probe(ctx, svc, now)
		}
	}
}

func (p *Prober) probe(ctx context.Context, svc *models.Service, now time.Time) {
	status := svc.Status
	switch {
	case svc.PingURL != "":
		status = p.ping(ctx, svc.PingURL)
	case svc.Status == models.ServiceUp && now.Sub(svc.LastHeartbeat) > p.eval.serviceStale:
		// No ping URL: persist the stale-heartbeat downgrade so the
		// change feed carries it.
		status = models.ServiceDown
	}
	if status == svc.Status {
		return
	}
	if err := p.store.SetServiceStatus(ctx, svc.ProjectID, svc.Name, status); err != nil {
		log.Printf("[Prober] set status for %s/%s: %v", svc.ProjectID, svc.Name, err)
		return
	}
	log.Printf("[Prober] service %s/%s is now %s", svc.ProjectID, svc.Name, status)
}

func (p *Prober) ping(ctx context.Context, url string) models.ServiceStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ServiceDown
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return models.ServiceDown
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.ServiceUp
	}
	return models.ServiceDown
}
