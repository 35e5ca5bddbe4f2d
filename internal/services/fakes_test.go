package services

import (
	"context"
	"sync"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/push"
)

// memStore is an in-memory implementation of every storage collaborator,
// shared by the lifecycle, aggregator, dispatcher and pass tests.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	schedules  map[int64]*core.Schedule
	txs        []*core.Transaction
	tokens     map[string][]string // owner id -> device tokens
	timezones  map[string]string   // owner id -> IANA name
	listErr    error
	deletedTks []string
}

func newMemStore() *memStore {
	return &memStore{
		schedules: make(map[int64]*core.Schedule),
		tokens:    make(map[string][]string),
		timezones: make(map[string]string),
	}
}

func (m *memStore) CreateSchedule(_ context.Context, s *core.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id int64) (*core.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s *core.Schedule, prevNextDue core.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.schedules[s.ID]
	if !ok {
		return core.ErrNotFound
	}
	if !stored.NextDueDate.Equal(prevNextDue) {
		return core.ErrConflict
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) MarkScheduleDeleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return core.ErrNotFound
	}
	s.Status = core.StatusDeleted
	return nil
}

func (m *memStore) ListActiveSchedulesDueBefore(_ context.Context, due core.Date, notifiedBefore time.Time) ([]*core.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*core.Schedule
	for _, s := range m.schedules {
		if !s.IsActive() || s.NextDueDate.After(due) {
			continue
		}
		if !s.LastNotifiedWindowEnd.Before(notifiedBefore) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CompleteOccurrence(_ context.Context, s *core.Schedule, prevNextDue core.Date, t *core.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.schedules[s.ID]
	if !ok || !stored.IsActive() {
		return 0, core.ErrNotFound
	}
	if !stored.NextDueDate.Equal(prevNextDue) {
		return 0, core.ErrConflict
	}
	sc := *s
	m.schedules[s.ID] = &sc
	m.nextID++
	tc := *t
	tc.ID = m.nextID
	m.txs = append(m.txs, &tc)
	return tc.ID, nil
}

func (m *memStore) ListDeviceTokens(_ context.Context, ownerIDs []string) ([]core.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.DeviceToken
	for _, owner := range ownerIDs {
		for _, tok := range m.tokens[owner] {
			out = append(out, core.DeviceToken{OwnerID: owner, Token: tok})
		}
	}
	return out, nil
}

func (m *memStore) DeleteDeviceTokens(_ context.Context, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		drop[t] = true
		m.deletedTks = append(m.deletedTks, t)
	}
	for owner, toks := range m.tokens {
		var kept []string
		for _, t := range toks {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		m.tokens[owner] = kept
	}
	return nil
}

func (m *memStore) AdvanceNotifiedWatermark(_ context.Context, ownerIDs []string, windowEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make(map[string]bool, len(ownerIDs))
	for _, o := range ownerIDs {
		owners[o] = true
	}
	for _, s := range m.schedules {
		if owners[s.OwnerID] && s.LastNotifiedWindowEnd.Before(windowEnd) {
			s.LastNotifiedWindowEnd = windowEnd
		}
	}
	return nil
}

func (m *memStore) LocationFor(_ context.Context, ownerID string) (*time.Location, error) {
	m.mu.Lock()
	name := m.timezones[ownerID]
	m.mu.Unlock()
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func (m *memStore) schedule(id int64) core.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.schedules[id]
}

// fakeSender is a scripted push transport. Batches are recorded in send
// order; outcomes come from results keyed by token, and failBatches marks
// whole batches as transport failures.
type fakeSender struct {
	mu          sync.Mutex
	batches     [][]push.Message
	results     map[string]push.Result
	failBatches map[int]error // 1-based batch number -> error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		results:     make(map[string]push.Result),
		failBatches: make(map[int]error),
	}
}

func (f *fakeSender) SendBatch(_ context.Context, msgs []push.Message) ([]push.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, msgs)
	if err := f.failBatches[len(f.batches)]; err != nil {
		return nil, err
	}
	out := make([]push.Result, len(msgs))
	for i, m := range msgs {
		if res, ok := f.results[m.Token]; ok {
			out[i] = res
			continue
		}
		out[i] = push.Result{Success: true}
	}
	return out, nil
}

func (f *fakeSender) sentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, m := range b {
			out = append(out, m.Token)
		}
	}
	return out
}

// fakePublisher records transaction-created events.
type fakePublisher struct {
	mu     sync.Mutex
	events []int64
	err    error
}

func (f *fakePublisher) PublishTransactionCreated(_ context.Context, txID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, txID)
	return nil
}
