package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/FadwaTY/WasteWiseUI/model"
)

// SessionStore 保存每个会话的 BatchState
//
// Load 返回的是独立副本，调用方修改后需要 Save 才会对其他请求可见。
// 健康报告由 SaveHealth 单独写入，Save 不会覆盖它。
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*model.BatchState, error)
	Save(ctx context.Context, state *model.BatchState) error
	SaveHealth(ctx context.Context, sessionID string, report *model.HealthReport) error
	Delete(ctx context.Context, sessionID string) error
}

var (
	_ SessionStore = (*RedisService)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)

type memoryEntry struct {
	data      []byte
	health    []byte
	expiresAt time.Time
}

// MemoryStore Redis 不可用时使用的进程内存储
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*model.BatchState, error) {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if ok && s.expired(entry) {
		delete(s.entries, sessionID)
		ok = false
	}
	s.mu.Unlock()

	state := model.NewBatchState(sessionID)
	if ok && entry.data != nil {
		var err error
		if state, err = decodeState(sessionID, entry.data); err != nil {
			return nil, err
		}
	}
	if ok && entry.health != nil {
		state.Health = decodeHealth(sessionID, entry.health)
	}
	return state, nil
}

func (s *MemoryStore) Save(_ context.Context, state *model.BatchState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.live(state.SessionID)
	entry.data = data
	entry.expiresAt = s.now().Add(s.ttl)
	s.entries[state.SessionID] = entry
	s.sweep()
	return nil
}

func (s *MemoryStore) SaveHealth(_ context.Context, sessionID string, report *model.HealthReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.live(sessionID)
	entry.health = data
	entry.expiresAt = s.now().Add(s.ttl)
	s.entries[sessionID] = entry
	return nil
}

// live 返回未过期的条目，需持有锁
func (s *MemoryStore) live(sessionID string) memoryEntry {
	entry, ok := s.entries[sessionID]
	if !ok || s.expired(entry) {
		return memoryEntry{}
	}
	return entry
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return s.ttl > 0 && s.now().After(e.expiresAt)
}

// sweep 需持有锁
func (s *MemoryStore) sweep() {
	for id, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, id)
		}
	}
}
