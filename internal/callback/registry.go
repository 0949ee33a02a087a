package callback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Registry хранит действующие callback-токены по их ID.
type Registry interface {
	// Register делает токен действующим на ttl.
	Register(ctx context.Context, id string, ttl time.Duration) error

	// Active проверяет, что токен ещё не использован и не отозван.
	Active(ctx context.Context, id string) (bool, error)

	// Consume удаляет токен. Возвращает false, если его уже не было.
	Consume(ctx context.Context, id string) (bool, error)
}

// RedisRegistry — Registry в Redis: ключ на токен с TTL.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry подключается к Redis и проверяет соединение.
func NewRedisRegistry(ctx context.Context, addr, password string, db int) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRegistry{client: client, prefix: "tandem:callback:"}, nil
}

func (r *RedisRegistry) Register(ctx context.Context, id string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+id, "1", ttl).Err(); err != nil {
		return fmt.Errorf("register callback: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Active(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check callback: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Consume(ctx context.Context, id string) (bool, error) {
	_, err := r.client.GetDel(ctx, r.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume callback: %w", err)
	}
	return true, nil
}

// Close закрывает соединение с Redis.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// MemoryRegistry — Registry в памяти процесса (тесты и локальный режим).
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRegistry создаёт пустой MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRegistry) Register(_ context.Context, id string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = r.now().Add(ttl)
	return nil
}

func (r *MemoryRegistry) Active(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(id), nil
}

func (r *MemoryRegistry) Consume(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.activeLocked(id)
	delete(r.entries, id)
	return ok, nil
}

func (r *MemoryRegistry) activeLocked(id string) bool {
	exp, ok := r.entries[id]
	if !ok {
		return false
	}
	if r.now().After(exp) {
		delete(r.entries, id)
		return false
	}
	return true
}
