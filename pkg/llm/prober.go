package llm

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Prober actively pings providers whose circuit is not closed so that a
// recovered provider returns to rotation without waiting for user traffic.
type Prober struct {
	registry *ProviderRegistry
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	running  sync.Mutex
	logger   *zap.Logger
}

// NewProber creates a prober for the given cron schedule, e.g. "@every 30s".
func NewProber(registry *ProviderRegistry, schedule string, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		registry: registry,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  timeout,
		logger:   logger.Named("provider-prober"),
	}
}

// Start schedules probing. It returns an error for an invalid schedule.
func (p *Prober) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, func() {
		p.ProbeOnce(context.Background())
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("Provider prober started", zap.String("schedule", p.schedule))
	return nil
}

// Stop halts scheduling and waits for a running probe to finish.
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
}

// ProbeOnce pings every provider that is unhealthy or probing. Overlapping
// runs are skipped.
func (p *Prober) ProbeOnce(ctx context.Context) {
	if !p.running.TryLock() {
		return
	}
	defer p.running.Unlock()

	health := p.registry.Health()
	for _, name := range p.registry.Names() {
		if health.State(name) == models.ProviderHealthy {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.registry.Ping(probeCtx, name)
		cancel()

		if err != nil {
			p.logger.Debug("Provider probe failed",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}
		p.logger.Info("Provider probe succeeded", zap.String("provider", name))
	}
}
