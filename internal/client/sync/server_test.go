package sync

import (
	"context"
	"errors"
	"maps"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// testClock управляемые часы теста
type testClock struct {
	now time.Time
	mu  stdsync.Mutex
}

func newTestClock() *testClock {
	return &testClock{now: testNow}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeServer is an in-memory authoritative store with optimistic versioning,
// idempotency replay detection and CRDT accept-and-rebroadcast.
type fakeServer struct {
	records  map[string]*models.EntityRecord
	crdt     map[string]map[string][]byte
	applied  map[string]*transport.PushResult
	pushErr  func(intent *models.MutationIntent) error
	log      []string
	applies  int
	loseNext bool // применить следующую отправку, но вернуть сетевую ошибку
	mu       stdsync.Mutex
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: make(map[string]*models.EntityRecord),
		crdt:    make(map[string]map[string][]byte),
		applied: make(map[string]*transport.PushResult),
	}
}

func (s *fakeServer) transport() *transport.TransportMock {
	return &transport.TransportMock{
		PushFunc: s.push,
		PullFunc: s.pull,
	}
}

func (s *fakeServer) push(ctx context.Context, intent *models.MutationIntent) (*transport.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, transport.NewTransient(err)
	}
	if s.pushErr != nil {
		if err := s.pushErr(intent); err != nil {
			return nil, err
		}
	}

	if res, ok := s.applied[intent.ID]; ok {
		replay := *res
		replay.Replay = true
		return &replay, nil
	}

	key := intent.EntityKey()
	current := s.records[key]
	var version int64
	if current != nil {
		version = current.Version
	}

	crdtOnly := intent.Operation == models.OperationUpdate && !intent.Payload.HasFields()
	switch {
	case intent.Operation != models.OperationCreate && current == nil:
		return nil, transport.FromStatus(422, "entity not found")
	case crdtOnly:
	case intent.Operation == models.OperationCreate && current != nil,
		intent.Operation != models.OperationCreate && intent.BaseVersion != version:
		return &transport.PushResult{
			Outcome:       transport.OutcomeConflict,
			ServerRecord:  current.Clone(),
			ServerVersion: version,
			CRDTState:     maps.Clone(s.crdt[key]),
		}, nil
	}

	next := current.Clone()
	if next == nil {
		next = &models.EntityRecord{ID: intent.EntityID, EntityType: intent.EntityType, Fields: map[string]any{}}
	}
	switch intent.Operation {
	case models.OperationCreate:
		next.Fields = maps.Clone(intent.Payload.Fields)
		if next.Fields == nil {
			next.Fields = map[string]any{}
		}
	case models.OperationDelete:
		deletedAt := testNow
		next.DeletedAt = &deletedAt
		next.Fields = map[string]any{}
	case models.OperationUpdate:
		if next.IsDeleted() {
			next.DeletedAt = nil
			next.Fields = map[string]any{}
		}
		next.ApplyFields(intent.Payload.Fields)
	}

	for field, d := range intent.Payload.CRDT {
		if s.crdt[key] == nil {
			s.crdt[key] = make(map[string][]byte)
		}
		state, err := crdt.Merge("server", s.crdt[key][field], d.Delta)
		if err != nil {
			return nil, transport.FromStatus(400, err.Error())
		}
		s.crdt[key][field] = state
		doc, err := crdt.DecodeDocument("server", state)
		if err != nil {
			return nil, transport.FromStatus(400, err.Error())
		}
		if !next.IsDeleted() {
			next.Fields[field] = doc.Text()
		}
	}

	next.Version = version + 1
	next.Dirty = false
	s.commit(key, next)
	s.applies++

	res := &transport.PushResult{
		Outcome:   transport.OutcomeAck,
		Record:    next.Clone(),
		Version:   next.Version,
		CRDTState: maps.Clone(s.crdt[key]),
	}
	s.applied[intent.ID] = res

	if s.loseNext {
		s.loseNext = false
		return nil, transport.NewTransient(errors.New("connection reset by peer"))
	}
	return res, nil
}

func (s *fakeServer) pull(ctx context.Context, cursor string, limit int) (*transport.PullResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := 0
	if cursor != "" {
		var err error
		if from, err = strconv.Atoi(cursor); err != nil {
			return nil, transport.FromStatus(400, "bad cursor")
		}
	}
	to := min(from+limit, len(s.log))

	page := &transport.PullResult{NextCursor: strconv.Itoa(to), HasMore: to < len(s.log)}
	for _, key := range s.log[from:to] {
		page.Records = append(page.Records, transport.RemoteRecord{
			Record:    s.records[key].Clone(),
			CRDTState: maps.Clone(s.crdt[key]),
		})
	}
	return page, nil
}

func (s *fakeServer) commit(key string, record *models.EntityRecord) {
	s.records[key] = record
	s.log = append(s.log, key)
}

// write изменяет запись напрямую, как сделал бы другой клиент
func (s *fakeServer) write(entityType, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.EntityKey(entityType, id)
	next := s.records[key].Clone()
	if next == nil {
		next = &models.EntityRecord{ID: id, EntityType: entityType, Fields: map[string]any{}}
	}
	next.ApplyFields(fields)
	next.Version++
	s.commit(key, next)
}

func (s *fakeServer) remove(entityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.EntityKey(entityType, id)
	next := s.records[key].Clone()
	deletedAt := testNow
	next.DeletedAt = &deletedAt
	next.Fields = map[string]any{}
	next.Version++
	s.commit(key, next)
}

func (s *fakeServer) record(t *testing.T, entityType, id string) *models.EntityRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[models.EntityKey(entityType, id)]
	require.True(t, ok, "server has no %s/%s", entityType, id)
	return r.Clone()
}

func (s *fakeServer) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

func (s *fakeServer) failWith(fn func(intent *models.MutationIntent) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErr = fn
}
