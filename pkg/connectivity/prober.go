package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/transport"
)

// Prober polls the API health endpoint and feeds the result into a Monitor.
type Prober struct {
	pinger   transport.Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

func NewProber(pinger transport.Pinger, monitor *Monitor, interval time.Duration, logger *zap.SugaredLogger) *Prober {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := interval / 2
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Probe checks reachability once and reports it to the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if err != nil {
		p.logger.Debugw("api unreachable", "error", err)
	}
	p.monitor.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
