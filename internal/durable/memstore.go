package durable

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Используется в тестах и в локальном режиме без Postgres.
// Все операции сериализуются одним mutex.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	history   map[string]map[int]HistoryEvent // "id|generation" → seq → event
	inbox     map[string][]inboxEvent         // "id|name" → events
	dedupe    map[string]struct{}
	entities  map[EntityID]json.RawMessage
	locks     map[EntityID]string
	entityMu  map[EntityID]*sync.Mutex
}

type inboxEvent struct {
	payload json.RawMessage
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		history:   make(map[string]map[int]HistoryEvent),
		inbox:     make(map[string][]inboxEvent),
		dedupe:    make(map[string]struct{}),
		entities:  make(map[EntityID]json.RawMessage),
		locks:     make(map[EntityID]string),
		entityMu:  make(map[EntityID]*sync.Mutex),
	}
}

func historyKey(id string, generation int) string {
	return id + "|" + strconv.Itoa(generation)
}

func inboxKey(id, name string) string {
	return id + "|" + name
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return ErrInstanceExists
	}

	now := time.Now().UTC()
	cp := *inst
	if cp.Status == "" {
		cp.Status = domain.RuntimeStatusPending
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.instances[inst.ID] = &cp
	inst.CreatedAt, inst.UpdatedAt, inst.Status = cp.CreatedAt, cp.UpdatedAt, cp.Status
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Instance
	for _, inst := range s.instances {
		if !matchFilter(inst, filter) {
			continue
		}
		out = append(out, *inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchFilter(inst *Instance, filter InstanceFilter) bool {
	if filter.Name != "" && inst.Name != filter.Name {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if inst.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.LeaseExpiredBefore != nil && inst.LockedUntil != nil && inst.LockedUntil.After(*filter.LeaseExpiredBefore) {
		return false
	}
	return true
}

func (s *MemoryStore) SetRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status == domain.RuntimeStatusPending || inst.Status == domain.RuntimeStatusContinuedAsNew {
		inst.Status = domain.RuntimeStatusRunning
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) CompleteInstance(_ context.Context, id string, status domain.RuntimeStatus, output json.RawMessage, failure *FailureDetails) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, ErrInstanceNotFound
	}
	if inst.IsDone() {
		return false, nil
	}
	inst.Status = status
	inst.Output = output
	inst.Failure = failure
	inst.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetCustomStatus(_ context.Context, id string, status json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CustomStatus = status
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ContinueAsNew(_ context.Context, id string, input json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return 0, ErrInstanceNotFound
	}
	delete(s.history, historyKey(id, inst.Generation))
	inst.Generation++
	inst.Input = input
	inst.Status = domain.RuntimeStatusContinuedAsNew
	inst.UpdatedAt = time.Now().UTC()
	return inst.Generation, nil
}

func (s *MemoryStore) PurgeInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	delete(s.history, historyKey(id, inst.Generation))
	delete(s.instances, id)
	for key := range s.inbox {
		if strings.HasPrefix(key, id+"|") {
			delete(s.inbox, key)
		}
	}
	return nil
}

func (s *MemoryStore) ClaimInstance(_ context.Context, id, owner string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, ErrInstanceNotFound
	}
	now := time.Now()
	if inst.LockedBy != "" && inst.LockedBy != owner && inst.LockedUntil != nil && inst.LockedUntil.After(now) {
		return false, nil
	}
	inst.LockedBy = owner
	inst.LockedUntil = &until
	return true, nil
}

func (s *MemoryStore) RenewLeases(_ context.Context, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.LockedBy == owner {
			u := until
			inst.LockedUntil = &u
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseInstance(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil
	}
	if inst.LockedBy == owner {
		inst.LockedBy = ""
		inst.LockedUntil = nil
	}
	return nil
}

func (s *MemoryStore) SaveHistory(_ context.Context, ev HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveHistoryLocked(ev)
	return nil
}

func (s *MemoryStore) saveHistoryLocked(ev HistoryEvent) {
	key := historyKey(ev.InstanceID, ev.Generation)
	events, ok := s.history[key]
	if !ok {
		events = make(map[int]HistoryEvent)
		s.history[key] = events
	}
	if existing, ok := events[ev.Seq]; ok && existing.Completed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	events[ev.Seq] = ev
}

func (s *MemoryStore) LoadHistory(_ context.Context, id string, generation int) ([]HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.history[historyKey(id, generation)]
	out := make([]HistoryEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) GetHistoryEvent(_ context.Context, id string, generation, seq int) (*HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.history[historyKey(id, generation)][seq]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (s *MemoryStore) EnqueueEvent(_ context.Context, instanceID, name, dedupeKey string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		dk := instanceID + "|" + dedupeKey
		if _, seen := s.dedupe[dk]; seen {
			return nil
		}
		s.dedupe[dk] = struct{}{}
	}

	key := inboxKey(instanceID, name)
	s.inbox[key] = append(s.inbox[key], inboxEvent{payload: payload})
	return nil
}

func (s *MemoryStore) ReceiveEvent(_ context.Context, instanceID, name string, record HistoryEvent) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboxKey(instanceID, name)
	events := s.inbox[key]
	if len(events) == 0 {
		return nil, false, nil
	}

	ev := events[0]
	if len(events) == 1 {
		delete(s.inbox, key)
	} else {
		s.inbox[key] = events[1:]
	}

	record.Payload = ev.payload
	s.saveHistoryLocked(record)
	return ev.payload, true, nil
}

func (s *MemoryStore) UpdateEntity(_ context.Context, id EntityID, fn func(state json.RawMessage) (json.RawMessage, error)) error {
	s.mu.Lock()
	emu, ok := s.entityMu[id]
	if !ok {
		emu = &sync.Mutex{}
		s.entityMu[id] = emu
	}
	s.mu.Unlock()

	// Операции над одним entity идут строго по одной.
	emu.Lock()
	defer emu.Unlock()

	s.mu.Lock()
	state := s.entities[id]
	s.mu.Unlock()

	next, err := fn(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next == nil {
		delete(s.entities, id)
	} else {
		s.entities[id] = next
	}
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id EntityID) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[id], nil
}

func (s *MemoryStore) TryLockEntity(_ context.Context, id EntityID, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, locked := s.locks[id]
	if locked && holder != owner {
		return false, nil
	}
	s.locks[id] = owner
	return true, nil
}

func (s *MemoryStore) UnlockEntity(_ context.Context, id EntityID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[id] == owner {
		delete(s.locks, id)
	}
	return nil
}

func (s *MemoryStore) UnlockAll(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, holder := range s.locks {
		if holder == owner {
			delete(s.locks, id)
		}
	}
	return nil
}

// Проверка соответствия интерфейсу.
var _ Store = (*MemoryStore)(nil)
