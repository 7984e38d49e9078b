package pool

import (
	"context"
	"time"

	"browserd/internal/browser"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (p *Pool) janitor() {
	defer close(p.janitorDone)
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stopJanitor:
			return
		case <-t.C:
			p.sweep(context.Background())
		}
	}
}

// sweep health-checks idle members, evicts expired ones, and replenishes
// warm spares. Only idle members are checked; the checking flag keeps them
// out of acquisition for the duration, so a check never overlaps a caller.
func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var targets []*member
	for _, m := range p.members {
		if m.checking || m.h.Status() != browser.StatusIdle {
			continue
		}
		m.checking = true
		targets = append(targets, m)
	}
	p.mu.Unlock()

	var evict []string
	for _, m := range targets {
		expired := p.cfg.InstanceTTL > 0 && time.Since(m.h.CreatedAt()) > p.cfg.InstanceTTL
		unhealthy := false
		if !expired {
			cctx, cancel := context.WithTimeout(ctx, p.cfg.checkTimeout())
			unhealthy = m.h.HealthCheck(cctx) != nil
			cancel()
		}
		p.mu.Lock()
		m.checking = false
		p.mu.Unlock()
		if expired || unhealthy {
			p.log.Info("evicting member",
				zap.String("handle_id", m.h.ID()),
				zap.Bool("expired", expired),
				zap.Bool("unhealthy", unhealthy))
			evict = append(evict, m.h.ID())
		}
	}
	for _, id := range evict {
		if err := p.Retire(id); err != nil {
			p.log.Warn("retire during sweep", zap.String("handle_id", id), zap.Error(err))
		}
	}

	p.replenish(ctx)
}

// replenish launches warm spares up to warm_target, and at least up to
// min_instances total members, within capacity. Launches run concurrently
// with slots reserved up front.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	warm := 0
	for _, m := range p.members {
		if !m.checking && m.h.Status() == browser.StatusIdle {
			warm++
		}
	}
	need := p.cfg.WarmTarget - warm
	if floor := p.cfg.MinInstances - len(p.members) - p.reserved; floor > need {
		need = floor
	}
	if left := p.capacityLeftLocked(); need > left {
		need = left
	}
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.reserved += need
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			h, err := p.launch(gctx, "")
			p.mu.Lock()
			p.reserved--
			if err != nil {
				p.mu.Unlock()
				p.log.Warn("warm launch failed", zap.Error(err))
				return nil
			}
			if p.closed {
				p.mu.Unlock()
				_ = h.Terminate(context.Background(), true)
				return nil
			}
			h.SetPooled(true)
			p.members[h.ID()] = &member{h: h}
			p.launched++
			p.dispatchLocked()
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}
