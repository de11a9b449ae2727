package conflict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/merger"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
	"github.com/iudanet/fieldsync/internal/models"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *boltdb.Storage
	merger   *merger.Merger
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "conflict.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := merger.New("device-a", map[string][]string{"deal": {"notes"}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		store:    store,
		merger:   m,
		resolver: NewResolver(store, m, models.ResolutionKeepRemote, func() time.Time { return testNow }, logger),
	}
}

// localUpdate записывает локальную правку сделки поверх версии base
func (f *fixture) localUpdate(t *testing.T, base int64, fields map[string]any) *models.MutationIntent {
	t.Helper()

	record := &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: fields, Version: base}
	intent := models.NewIntent("deal", "d-1", models.OperationUpdate, base, models.Payload{Fields: fields}, testNow)
	require.NoError(t, f.store.LocalWrite(context.Background(), record, intent, nil))
	return intent
}

// deadLettered записывает локальную правку и переносит ее намерение в dead-letter
func (f *fixture) deadLettered(t *testing.T, base int64, fields map[string]any) *models.MutationIntent {
	t.Helper()

	intent := f.localUpdate(t, base, fields)
	_, err := f.store.DeadLetter(context.Background(), intent.ID, models.DeadLetterValidation, "stage is unknown", testNow)
	require.NoError(t, err)
	return intent
}

func serverDeal(version int64, fields map[string]any) *models.EntityRecord {
	return &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: fields, Version: version}
}

func TestResolver_OpenHoldsIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

	c, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
	require.NoError(t, err)

	assert.True(t, c.IsPending())
	assert.Equal(t, int64(1), c.BaseVersion)
	assert.Equal(t, int64(2), c.ServerVersion)
	assert.Equal(t, "demo", c.LocalSnapshot.Fields["stage"])
	assert.Equal(t, "lost", c.ServerSnapshot.Fields["stage"])
	assert.Equal(t, models.ResolutionKeepRemote, c.Suggested)

	held, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentConflicted, held.State)

	stored, err := f.store.GetConflict(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, intent.ID, stored.IntentID)
}

func TestResolver_KeepLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

	_, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
	require.NoError(t, err)

	c, err := f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepLocal, c.Resolution)
	require.NotNil(t, c.ResolvedAt)

	rebased, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, rebased.State)
	assert.Equal(t, int64(2), rebased.BaseVersion)

	record, err := f.store.Get(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", record.Fields["stage"])
	assert.Equal(t, int64(2), record.Version)
	assert.True(t, record.Dirty)

	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepRemote, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolver_KeepLocalTurnsCreateIntoUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	record := &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: map[string]any{"stage": "lead", "amount": 10}}
	create := models.NewIntent("deal", "d-1", models.OperationCreate, 0, models.Payload{Fields: record.Fields}, testNow)
	require.NoError(t, f.store.LocalWrite(ctx, record, create, nil))

	_, err := f.resolver.Open(ctx, create, serverDeal(1, map[string]any{"stage": "lead"}), 1, nil)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepLocal, nil)
	require.NoError(t, err)

	intents, err := f.store.EntityIntents(ctx, "deal", "d-1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, models.OperationUpdate, intents[0].Operation)
	assert.Equal(t, int64(1), intents[0].BaseVersion)
	assert.Equal(t, map[string]any{"amount": float64(10)}, intents[0].Payload.Fields)
}

func TestResolver_KeepRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

	_, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepRemote, nil)
	require.NoError(t, err)

	record, err := f.store.Get(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "lost", record.Fields["stage"])
	assert.Equal(t, int64(2), record.Version)
	assert.False(t, record.Dirty)

	count, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestResolver_KeepRemotePreservesCollaborativeEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	edit, err := f.merger.LocalEdit(nil, "deal", "d-1", "notes", "call Ann", testNow)
	require.NoError(t, err)
	fields := map[string]any{"stage": "demo", "notes": "call Ann"}
	record := &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: fields, Version: 1}
	intent := models.NewIntent("deal", "d-1", models.OperationUpdate, 1,
		models.Payload{Fields: map[string]any{"stage": "demo"}, CRDT: map[string]models.CRDTDelta{"notes": edit.Delta}}, testNow)
	require.NoError(t, f.store.LocalWrite(ctx, record, intent, []*models.CRDTFieldState{edit.State}))

	_, err = f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost", "notes": ""}), 2, nil)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepRemote, nil)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "lost", got.Fields["stage"])
	assert.Equal(t, "call Ann", got.Fields["notes"])
	assert.True(t, got.Dirty)

	intents, err := f.store.EntityIntents(ctx, "deal", "d-1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.False(t, intents[0].Payload.HasFields())
	assert.Contains(t, intents[0].Payload.CRDT, "notes")
	assert.Equal(t, int64(2), intents[0].BaseVersion)
}

func TestResolver_Merged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo", "amount": 100})

	_, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost", "amount": 50}), 2, nil)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionMerged, nil)
	require.ErrorIs(t, err, ErrInvalidResolution)

	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionMerged,
		map[string]any{"stage": "lost", "amount": 100, "notes": "merged by hand"})
	require.NoError(t, err)

	record, err := f.store.Get(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "lost", record.Fields["stage"])
	assert.Equal(t, float64(100), record.Fields["amount"])
	assert.Equal(t, "merged by hand", record.Fields["notes"])
	assert.Equal(t, int64(2), record.Version)
	assert.True(t, record.Dirty)

	intents, err := f.store.EntityIntents(ctx, "deal", "d-1")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.NotEqual(t, intent.ID, intents[0].ID)
	assert.Equal(t, map[string]any{"amount": float64(100)}, intents[0].Payload.Fields)
	assert.Contains(t, intents[0].Payload.CRDT, "notes")

	state, err := f.store.GetFieldState(ctx, "deal", "d-1", "notes")
	require.NoError(t, err)
	text, err := f.merger.Text(state)
	require.NoError(t, err)
	assert.Equal(t, "merged by hand", text)
}

func TestResolver_ResolveErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionPending, nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.Resolution("coin_flip"), nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, err = f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepLocal, nil)
	assert.ErrorIs(t, err, storage.ErrConflictNotFound)
}

func TestResolver_ReconcileRemote(t *testing.T) {
	ctx := context.Background()

	t.Run("queued ordinary edits wait for push", func(t *testing.T) {
		f := newFixture(t)
		intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(2, map[string]any{"stage": "lost"}), nil)
		require.NoError(t, err)
		assert.Nil(t, c)

		record, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", record.Fields["stage"])

		queued, err := f.store.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.IntentPending, queued.State)
		assert.Equal(t, int64(1), queued.BaseVersion)
	})

	t.Run("held intent gets a fresh server snapshot", func(t *testing.T) {
		f := newFixture(t)
		intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})
		_, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
		require.NoError(t, err)

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(3, map[string]any{"stage": "won"}), nil)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, intent.ID, c.IntentID)
		assert.Equal(t, int64(3), c.ServerVersion)
		assert.Equal(t, "won", c.ServerSnapshot.Fields["stage"])
		assert.True(t, c.IsPending())
	})

	t.Run("stale remote is ignored", func(t *testing.T) {
		f := newFixture(t)
		f.localUpdate(t, 3, map[string]any{"stage": "demo"})

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(3, map[string]any{"stage": "lost"}), nil)
		require.NoError(t, err)
		assert.Nil(t, c)

		record, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", record.Fields["stage"])
	})

	t.Run("collaborative edits are rebased", func(t *testing.T) {
		f := newFixture(t)

		edit, err := f.merger.LocalEdit(nil, "deal", "d-1", "notes", "mine", testNow)
		require.NoError(t, err)
		record := &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: map[string]any{"stage": "lead", "notes": "mine"}, Version: 1}
		intent := models.NewIntent("deal", "d-1", models.OperationUpdate, 1,
			models.Payload{CRDT: map[string]models.CRDTDelta{"notes": edit.Delta}}, testNow)
		require.NoError(t, f.store.LocalWrite(ctx, record, intent, []*models.CRDTFieldState{edit.State}))

		other := merger.New("device-b", map[string][]string{"deal": {"notes"}})
		remoteEdit, err := other.LocalEdit(nil, "deal", "d-1", "notes", "theirs", testNow)
		require.NoError(t, err)

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(2, map[string]any{"stage": "won", "notes": "theirs"}),
			map[string][]byte{"notes": remoteEdit.State.State})
		require.NoError(t, err)
		assert.Nil(t, c)

		got, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "won", got.Fields["stage"])
		assert.Equal(t, int64(2), got.Version)
		assert.Contains(t, got.Fields["notes"], "mine")
		assert.Contains(t, got.Fields["notes"], "theirs")

		rebased, err := f.store.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rebased.BaseVersion)
		assert.Equal(t, models.IntentPending, rebased.State)
	})
}

func TestResolver_ResolveSuggested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

	_, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
	require.NoError(t, err)

	// до решения пользователя намерение удерживается
	held, err := f.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentConflicted, held.State)

	c, err := f.resolver.Resolve(ctx, "deal", "d-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepRemote, c.Resolution)

	record, err := f.store.Get(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "lost", record.Fields["stage"])
}

func TestResolver_ResolveWithoutSuggestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.resolver.suggested = ""
	intent := f.localUpdate(t, 1, map[string]any{"stage": "demo"})

	c, err := f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost"}), 2, nil)
	require.NoError(t, err)
	assert.Empty(t, c.Suggested)

	_, err = f.resolver.Resolve(ctx, "deal", "d-1", "", nil)
	require.ErrorIs(t, err, ErrInvalidResolution)

	stored, err := f.store.GetConflict(ctx, "deal", "d-1")
	require.NoError(t, err)
	assert.True(t, stored.IsPending())
}

func TestResolver_DeadLetteredEdit(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) *fixture {
		t.Helper()

		f := newFixture(t)
		f.deadLettered(t, 1, map[string]any{"stage": "demo", "amount": 100})

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(2, map[string]any{"stage": "lost", "amount": 50}), nil)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Empty(t, c.IntentID)
		assert.Equal(t, int64(1), c.BaseVersion)
		assert.Equal(t, int64(2), c.ServerVersion)
		assert.Equal(t, "demo", c.LocalSnapshot.Fields["stage"])
		assert.Equal(t, "lost", c.ServerSnapshot.Fields["stage"])

		record, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", record.Fields["stage"])
		assert.True(t, record.Dirty)
		return f
	}

	t.Run("keep local sends the whole local state", func(t *testing.T) {
		f := open(t)

		_, err := f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepLocal, nil)
		require.NoError(t, err)

		intents, err := f.store.EntityIntents(ctx, "deal", "d-1")
		require.NoError(t, err)
		require.Len(t, intents, 1)
		assert.Equal(t, models.OperationUpdate, intents[0].Operation)
		assert.Equal(t, int64(2), intents[0].BaseVersion)
		assert.Equal(t, map[string]any{"stage": "demo", "amount": float64(100)}, intents[0].Payload.Fields)

		letters, err := f.store.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("keep remote drops the local edit", func(t *testing.T) {
		f := open(t)

		_, err := f.resolver.Resolve(ctx, "deal", "d-1", models.ResolutionKeepRemote, nil)
		require.NoError(t, err)

		record, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "lost", record.Fields["stage"])
		assert.False(t, record.Dirty)

		count, err := f.store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("older remote keeps the case closed", func(t *testing.T) {
		f := newFixture(t)
		f.deadLettered(t, 2, map[string]any{"stage": "demo"})

		c, err := f.resolver.ReconcileRemote(ctx, serverDeal(2, map[string]any{"stage": "lost"}), nil)
		require.NoError(t, err)
		assert.Nil(t, c)

		_, err = f.store.GetConflict(ctx, "deal", "d-1")
		assert.ErrorIs(t, err, storage.ErrConflictNotFound)
	})
}

// settleFailure отказывает в применении решения
type settleFailure struct {
	*boltdb.Storage
}

func (s settleFailure) SettleConflict(context.Context, *storage.Settlement) error {
	return errors.New("disk full")
}

func TestResolver_ResolveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	edit, err := f.merger.LocalEdit(nil, "deal", "d-1", "notes", "call Ann", testNow)
	require.NoError(t, err)
	record := &models.EntityRecord{ID: "d-1", EntityType: "deal", Fields: map[string]any{"stage": "demo", "notes": "call Ann"}, Version: 1}
	intent := models.NewIntent("deal", "d-1", models.OperationUpdate, 1,
		models.Payload{Fields: map[string]any{"stage": "demo"}, CRDT: map[string]models.CRDTDelta{"notes": edit.Delta}}, testNow)
	require.NoError(t, f.store.LocalWrite(ctx, record, intent, []*models.CRDTFieldState{edit.State}))

	_, err = f.resolver.Open(ctx, intent, serverDeal(2, map[string]any{"stage": "lost", "notes": ""}), 2, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failing := NewResolver(settleFailure{f.store}, f.merger, models.ResolutionKeepRemote, func() time.Time { return testNow }, logger)

	for _, resolution := range []models.Resolution{models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionMerged} {
		_, err = failing.Resolve(ctx, "deal", "d-1", resolution, map[string]any{"stage": "won", "notes": "merged"})
		require.Error(t, err, resolution)

		c, err := f.store.GetConflict(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.True(t, c.IsPending(), resolution)

		intents, err := f.store.EntityIntents(ctx, "deal", "d-1")
		require.NoError(t, err)
		require.Len(t, intents, 1, resolution)
		assert.Equal(t, intent.ID, intents[0].ID)
		assert.Equal(t, models.IntentConflicted, intents[0].State)
		assert.Equal(t, int64(1), intents[0].BaseVersion)

		got, err := f.store.Get(ctx, "deal", "d-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", got.Fields["stage"])
		assert.Equal(t, "call Ann", got.Fields["notes"])
		assert.Equal(t, int64(1), got.Version)

		state, err := f.store.GetFieldState(ctx, "deal", "d-1", "notes")
		require.NoError(t, err)
		text, err := f.merger.Text(state)
		require.NoError(t, err)
		assert.Equal(t, "call Ann", text)
	}
}
