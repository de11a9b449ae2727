package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/client/merger"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/models"
)

// outcome итог обработки одного намерения или одной записи pull
type outcome struct {
	conflicts   []*models.ConflictCase
	deadLetters []*models.DeadLetter
	summary     models.SyncSummary
}

func (o *outcome) add(other outcome) {
	o.summary.Add(other.summary)
	o.conflicts = append(o.conflicts, other.conflicts...)
	o.deadLetters = append(o.deadLetters, other.deadLetters...)
}

// TriggerSync pushes every due intent, then pulls remote changes.
// Concurrent callers share one run and get its summary. A caller whose ctx is done
// stops waiting; the run itself is cancelled only when no caller waits for it.
func (e *Engine) TriggerSync(ctx context.Context) (models.SyncSummary, error) {
	run := e.joinRun(ctx)
	defer e.leaveRun(run)

	ch := e.group.DoChan("sync", func() (any, error) {
		return e.runSync(run.ctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			e.logger.Debug("Joined running sync")
		}
		summary, _ := res.Val.(models.SyncSummary)
		return summary, res.Err
	case <-ctx.Done():
		return models.SyncSummary{}, ctx.Err()
	}
}

// syncRun контекст общего прогона и число ожидающих его вызовов
type syncRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// joinRun возвращает текущий прогон или заводит новый. Контекст прогона не отменяется
// вместе с контекстом вызвавшего
func (e *Engine) joinRun(ctx context.Context) *syncRun {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.run == nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.run = &syncRun{ctx: runCtx, cancel: cancel}
	}
	e.run.waiters++
	return e.run
}

// leaveRun отменяет прогон, когда его перестал ждать последний вызов
func (e *Engine) leaveRun(run *syncRun) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	run.waiters--
	if run.waiters > 0 {
		return
	}
	run.cancel()
	if e.run == run {
		e.run = nil
	}
}

func (e *Engine) runSync(ctx context.Context) (models.SyncSummary, error) {
	e.logger.Info("Starting synchronization")
	e.publish(ctx, models.StatusEvent{Status: models.StatusSyncing})

	var total outcome

	pushed, err := e.push(ctx)
	total.add(pushed)
	if err == nil {
		var pulled outcome
		pulled, err = e.pull(ctx)
		total.add(pulled)
	}

	e.report(ctx, total)

	if err != nil {
		e.logger.Warn("Synchronization failed", "error", err)
		e.publish(ctx, models.StatusEvent{Status: models.StatusError, Summary: &total.summary, Err: err})
		return total.summary, err
	}

	if e.cfg.TombstoneRetention > 0 {
		purged, err := e.store.PurgeTombstones(ctx, e.now().Add(-e.cfg.TombstoneRetention))
		if err != nil {
			e.logger.Warn("Failed to purge tombstones", "error", err)
		} else if purged > 0 {
			e.logger.Debug("Purged tombstones", "count", purged)
		}
	}

	e.logger.Info("Synchronization completed",
		"pushed", total.summary.Pushed,
		"pulled", total.summary.Pulled,
		"conflicts", total.summary.Conflicts,
		"dead_lettered", total.summary.DeadLettered,
		"rescheduled", total.summary.Rescheduled)

	e.publish(ctx, models.StatusEvent{Status: models.StatusComplete, Summary: &total.summary})
	return total.summary, nil
}

// report передает подписчикам конфликты и dead-letter события прогона
func (e *Engine) report(ctx context.Context, o outcome) {
	e.surface(o.conflicts)
	for _, dl := range o.deadLetters {
		e.publish(ctx, models.StatusEvent{
			DeadLetter: dl,
			Err:        fmt.Errorf("intent %s dead-lettered (%s): %s", dl.Intent.ID, dl.Kind, dl.Error),
		})
	}
}

// push отправляет готовые намерения раундами, пока не останется готовых к отправке.
// Отложенные повторы получают задержку не меньше BackoffBase и ждут следующего прогона
func (e *Engine) push(ctx context.Context) (outcome, error) {
	var total outcome

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := e.store.DequeueReady(ctx, e.now(), e.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to dequeue intents: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		results := make([]outcome, len(batch))
		var g errgroup.Group
		g.SetLimit(e.cfg.Workers)
		for i, intent := range batch {
			g.Go(func() error {
				res, err := e.pushOne(ctx, intent)
				results[i] = res
				return err
			})
		}
		err = g.Wait()

		for _, res := range results {
			total.add(res)
		}
		if err != nil {
			return total, err
		}
	}
}

// pushOne отправляет одно намерение и применяет ответ сервера
func (e *Engine) pushOne(ctx context.Context, intent *models.MutationIntent) (outcome, error) {
	pushCtx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	res, pushErr := e.transport.Push(pushCtx, intent)
	cancel()

	// ответ применяется даже после отмены, иначе намерение останется in_flight
	ctx = context.WithoutCancel(ctx)

	e.localMu.Lock()
	defer e.localMu.Unlock()

	out, err := e.settle(ctx, intent, res, pushErr)
	if err != nil {
		// исход не записан: намерение возвращается в очередь до следующего прогона
		if uerr := e.store.Unclaim(ctx, intent.ID); uerr != nil && !errors.Is(uerr, storage.ErrIntentNotFound) {
			e.logger.Warn("Failed to return intent to the queue", "intent_id", intent.ID, "error", uerr)
		}
	}
	return out, err
}

// settle записывает исход отправки
func (e *Engine) settle(
	ctx context.Context,
	intent *models.MutationIntent,
	res *transport.PushResult,
	pushErr error,
) (outcome, error) {
	if pushErr != nil {
		return e.handleFailure(ctx, intent, pushErr)
	}

	switch res.Outcome {
	case transport.OutcomeAck:
		return e.handleAck(ctx, intent, res)
	case transport.OutcomeConflict:
		return e.handleConflict(ctx, intent, res)
	}
	return e.handleFailure(ctx, intent, transport.NewTransient(fmt.Errorf("unexpected push outcome %s", res.Outcome)))
}

func (e *Engine) handleAck(ctx context.Context, intent *models.MutationIntent, res *transport.PushResult) (outcome, error) {
	now := e.now()

	canonical := res.Record.Clone()
	if canonical == nil {
		local, err := e.localRecord(ctx, intent.EntityType, intent.EntityID)
		if err != nil {
			return outcome{}, err
		}
		canonical = local.Clone()
		if canonical == nil {
			canonical = &models.EntityRecord{EntityType: intent.EntityType, ID: intent.EntityID}
		}
	}
	if res.Version > 0 {
		canonical.Version = res.Version
	}

	merged, err := e.merger.MergeServerStates(ctx, e.store, intent.EntityType, intent.EntityID, res.CRDTState, now)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to merge server state of %s: %w", intent.EntityKey(), err)
	}

	stored, err := e.store.ListFieldStates(ctx, intent.EntityType, intent.EntityID)
	if err != nil {
		return outcome{}, err
	}
	all := merger.ReplaceStates(stored, merged.States)

	var repair *models.MutationIntent
	if !canonical.IsDeleted() {
		if err := e.merger.ApplyStates(canonical, all); err != nil {
			return outcome{}, err
		}
		if repair, err = e.repairIntent(ctx, intent, canonical.Version, all); err != nil {
			return outcome{}, err
		}
	}

	if err := e.store.Ack(ctx, intent.ID, canonical, merged.States, repair); err != nil {
		return outcome{}, err
	}

	e.logger.Debug("Intent acknowledged",
		"intent_id", intent.ID,
		"entity_id", intent.EntityID,
		"version", canonical.Version,
		"replay", res.Replay)

	return outcome{summary: models.SyncSummary{Pushed: 1}}, nil
}

func (e *Engine) handleConflict(ctx context.Context, intent *models.MutationIntent, res *transport.PushResult) (outcome, error) {
	c, err := e.resolver.Open(ctx, intent, res.ServerRecord, res.ServerVersion, res.CRDTState)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to open conflict for %s: %w", intent.EntityKey(), err)
	}

	out := outcome{
		summary:   models.SyncSummary{Conflicts: 1},
		conflicts: []*models.ConflictCase{c},
	}
	return out, e.autoResolve(ctx, c)
}

// repairIntent возвращает намерение с операциями совместных полей, которых нет ни на
// сервере, ни в очереди: их намерение не дошло до сервера (dead-letter). Сервер
// подтверждает только то, что вернул в своем состоянии
func (e *Engine) repairIntent(
	ctx context.Context,
	acked *models.MutationIntent,
	version int64,
	states []*models.CRDTFieldState,
) (*models.MutationIntent, error) {
	queued, err := e.store.EntityIntents(ctx, acked.EntityType, acked.EntityID)
	if err != nil {
		return nil, err
	}
	queued = slices.DeleteFunc(queued, func(i *models.MutationIntent) bool {
		return i.ID == acked.ID
	})

	stranded, err := e.merger.Stranded(states, queued)
	if err != nil {
		return nil, fmt.Errorf("failed to collect unsent operations of %s: %w", acked.EntityKey(), err)
	}
	if len(stranded) == 0 {
		return nil, nil
	}

	e.logger.Info("Resending collaborative operations the server does not have",
		"entity_type", acked.EntityType,
		"entity_id", acked.EntityID,
		"fields", len(stranded))

	return models.NewIntent(acked.EntityType, acked.EntityID, models.OperationUpdate, version,
		models.Payload{CRDT: stranded}, e.now()), nil
}

// autoResolve применяет предложенное решение к только что открытому конфликту,
// если это разрешено настройкой AutoResolve
func (e *Engine) autoResolve(ctx context.Context, c *models.ConflictCase) error {
	if !e.cfg.AutoResolve || c.Suggested == "" || c.ServerSnapshot == nil {
		return nil
	}
	resolved, err := e.resolver.Resolve(ctx, c.EntityType, c.EntityID, c.Suggested, nil)
	if err != nil {
		return fmt.Errorf("failed to apply conflict policy: %w", err)
	}
	// подписчики получают уже разрешенный случай
	*c = *resolved
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, intent *models.MutationIntent, pushErr error) (outcome, error) {
	now := e.now()
	kind := transport.Classify(pushErr)

	if kind != transport.KindTransient {
		dl, err := e.store.DeadLetter(ctx, intent.ID, kind.String(), pushErr.Error(), now)
		if err != nil {
			return outcome{}, err
		}
		e.logger.Warn("Intent rejected by server",
			"intent_id", intent.ID,
			"entity_id", intent.EntityID,
			"kind", kind,
			"error", pushErr)
		return outcome{
			summary:     models.SyncSummary{DeadLettered: 1},
			deadLetters: []*models.DeadLetter{dl},
		}, nil
	}

	rescheduled, dl, err := e.store.Reschedule(ctx, intent.ID, pushErr.Error(), e.schedule(now))
	if err != nil {
		return outcome{}, err
	}
	if dl != nil {
		e.logger.Warn("Intent retries exhausted",
			"intent_id", intent.ID,
			"entity_id", intent.EntityID,
			"attempts", dl.Intent.AttemptCount,
			"error", pushErr)
		return outcome{
			summary:     models.SyncSummary{DeadLettered: 1},
			deadLetters: []*models.DeadLetter{dl},
		}, nil
	}

	e.logger.Debug("Intent rescheduled",
		"intent_id", intent.ID,
		"attempt", rescheduled.AttemptCount,
		"next_attempt_at", rescheduled.NextAttemptAt,
		"error", pushErr)
	return outcome{summary: models.SyncSummary{Rescheduled: 1}}, nil
}

// schedule возвращает расписание повторов относительно now
func (e *Engine) schedule(now time.Time) storage.RetrySchedule {
	return func(attempt int) (time.Time, bool) {
		if attempt >= e.cfg.MaxAttempts {
			return time.Time{}, false
		}
		return now.Add(e.backoff.Delay(attempt)), true
	}
}
