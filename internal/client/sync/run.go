package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/client/transport"
)

var errFeedClosed = errors.New("change feed closed")

// Run syncs in the background until ctx is done: on start, on RequestSync, on every
// Interval tick and on remote change notifications when the transport has a change feed.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if feed, ok := e.transport.(transport.ChangeFeed); ok {
		g.Go(func() error {
			return e.watch(ctx, feed)
		})
	}

	g.Go(func() error {
		return e.loop(ctx)
	})

	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("Background sync started", "interval", e.cfg.Interval)
	e.RequestSync()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Background sync stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}

		if _, err := e.TriggerSync(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Background sync failed", "error", err)
		}
	}
}

// watch держит подписку на изменения сервера и переподключается с экспоненциальной задержкой
func (e *Engine) watch(ctx context.Context, feed transport.ChangeFeed) error {
	rc := &reconnect{backoff: Backoff{Base: e.cfg.BackoffBase, Max: e.cfg.BackoffMax}}

	for {
		var delivered atomic.Bool
		err := feed.Watch(ctx, func(cursor string) {
			delivered.Store(true)
			e.logger.Debug("Remote change notification", "cursor", cursor)
			e.RequestSync()
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errFeedClosed
		}

		delay := rc.next(delivered.Load())
		e.logger.Warn("Change feed disconnected", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// reconnect считает задержки переподключения к ленте изменений
type reconnect struct {
	backoff Backoff
	policy  retry.Backoff
}

// next возвращает задержку перед следующим подключением. Сессия, доставившая хотя бы
// одно событие, считается рабочей: после нее экспонента начинается заново
func (r *reconnect) next(delivered bool) time.Duration {
	if r.policy == nil || delivered {
		r.policy = r.backoff.policy()
	}
	d, _ := r.policy.Next()
	return d
}
