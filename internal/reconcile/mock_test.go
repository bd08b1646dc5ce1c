package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// --- SubscriberIndex Mock ---

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) ByInsurance(ctx context.Context, insurer, symbol, number string) ([]model.Subscriber, error) {
	args := m.Called(ctx, insurer, symbol, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Subscriber), args.Error(1)
}

func (m *mockIndex) ByPersonKey(ctx context.Context, key string) ([]model.Subscriber, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Subscriber), args.Error(1)
}

// --- Store fake ---

type memStore struct {
	mu      sync.Mutex
	events  map[string]*model.Event
	bySrc   map[model.SourceKey]string
	history []model.MatchTransition
	nextID  int

	// bumpBeforeApply simulates a concurrent writer winning the race.
	bumpBeforeApply bool
}

func newMemStore() *memStore {
	return &memStore{events: map[string]*model.Event{}, bySrc: map[model.SourceKey]string{}}
}

func (m *memStore) InsertEvent(_ context.Context, e model.Event, initial model.MatchTransition) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySrc[e.Source]; ok {
		return id, false, nil
	}
	m.nextID++
	e.ID = fmt.Sprintf("ev-%d", m.nextID)
	m.events[e.ID] = &e
	m.bySrc[e.Source] = e.ID
	initial.EventID = e.ID
	m.history = append(m.history, initial)
	return e.ID, true, nil
}

func (m *memStore) RefreshEvent(_ context.Context, e model.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.bySrc[e.Source]
	cur := m.events[id]
	cur.EventDate, cur.PersonKey, cur.PersonKeyType = e.EventDate, e.PersonKey, e.PersonKeyType
	cur.Subject, cur.XmlHash, cur.InsurerNumber = e.Subject, e.XmlHash, e.InsurerNumber
	return id, nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s not found", id)
	}
	c := *e
	return &c, nil
}

func (m *memStore) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if f.Status == "" || e.Status == f.Status {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) ApplyChange(_ context.Context, c Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[c.EventID]
	if m.bumpBeforeApply {
		m.bumpBeforeApply = false
		e.Version++
	}
	if e.Version != c.FromVersion || e.Status != c.From {
		return false, nil
	}
	e.Status = c.To
	e.MatchReason, e.MatchConfidence, e.CandidateIDs = c.MatchReason, c.MatchConfidence, c.CandidateIDs
	e.PersonID, e.PersonIDFinal = c.PersonID, c.PersonIDFinal
	e.ReviewedBy, e.ReviewedAt, e.ReviewNote = c.ReviewedBy, c.ReviewedAt, c.ReviewNote
	e.Version++
	m.history = append(m.history, c.Transition)
	return true, nil
}

func (m *memStore) History(_ context.Context, id string) ([]model.MatchTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MatchTransition
	for _, t := range m.history {
		if t.EventID == id {
			out = append(out, t)
		}
	}
	return out, nil
}
