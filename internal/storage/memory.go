package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// Writer holds the mutating key-value primitives. Every call touches a single key
// unless it is issued inside KV.Atomic.
type Writer interface {
	Set(ctx context.Context, key, value string) error
	RPush(ctx context.Context, key string, values ...string) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Persist(ctx context.Context, key string) error
	Del(ctx context.Context, keys ...string) error
}

// KV defines the persistence primitives the ledger is built on.
type KV interface {
	Writer
	Get(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	// HSetNX sets field only when absent and reports whether it was written.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// TTL returns the remaining lifetime of key, or zero when the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	// BLPop pops the head of a list, waiting up to timeout. ErrEmpty is returned on timeout.
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	// Atomic applies every write issued through w as one unit; readers never
	// observe a partial batch.
	Atomic(ctx context.Context, fn func(w Writer) error) error
	Close() error
}

var (
	// ErrEmpty is returned by BLPop when nothing arrived before the timeout.
	ErrEmpty = errors.New("list is empty")
	// ErrWrongType mirrors the Redis WRONGTYPE reply.
	ErrWrongType = errors.New("WRONGTYPE operation against a key holding the wrong kind of value")
)

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals a write that contradicts existing state.
type ConflictError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *ConflictError) Error() string {
	msg := e.Resource + " " + e.Key + " conflicts with existing state"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CorruptedRecordError reports persisted state that cannot be decoded into a valid record.
type CorruptedRecordError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *CorruptedRecordError) Error() string {
	return "corrupted " + e.Resource + " " + e.Key + ": " + e.Reason
}

type valueKind int

const (
	kindString valueKind = iota + 1
	kindList
	kindHash
	kindSet
)

type memoryEntry struct {
	kind     valueKind
	str      string
	list     []string
	hash     map[string]string
	set      map[string]struct{}
	expireAt time.Time
}

// memoryKV provides an in-memory fallback for development and testing.
type memoryKV struct {
	mu     sync.Mutex
	clock  func() time.Time
	data   map[string]*memoryEntry
	pushed chan struct{}
}

// NewMemoryKV initializes an empty in-memory key-value store.
func NewMemoryKV(opts Options) KV {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &memoryKV{
		clock:  clock,
		data:   make(map[string]*memoryEntry),
		pushed: make(chan struct{}),
	}
}

// liveLocked returns the entry for key, evicting it first when expired.
func (m *memoryKV) liveLocked(key string) *memoryEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.clock().Before(e.expireAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *memoryKV) entryLocked(key string, kind valueKind) (*memoryEntry, error) {
	e := m.liveLocked(key)
	if e == nil {
		e = &memoryEntry{kind: kind}
		switch kind {
		case kindHash:
			e.hash = make(map[string]string)
		case kindSet:
			e.set = make(map[string]struct{})
		}
		m.data[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *memoryKV) readLocked(key string, kind valueKind) (*memoryEntry, error) {
	e := m.liveLocked(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

// dropIfEmptyLocked mimics Redis removing empty aggregates.
func (m *memoryKV) dropIfEmptyLocked(key string, e *memoryEntry) {
	switch e.kind {
	case kindList:
		if len(e.list) == 0 {
			delete(m.data, key)
		}
	case kindHash:
		if len(e.hash) == 0 {
			delete(m.data, key)
		}
	case kindSet:
		if len(e.set) == 0 {
			delete(m.data, key)
		}
	}
}

func (m *memoryKV) setLocked(key, value string) error {
	m.data[key] = &memoryEntry{kind: kindString, str: value}
	return nil
}

func (m *memoryKV) rpushLocked(key string, values ...string) error {
	e, err := m.entryLocked(key, kindList)
	if err != nil {
		return err
	}
	e.list = append(e.list, values...)
	close(m.pushed)
	m.pushed = make(chan struct{})
	return nil
}

func (m *memoryKV) hsetLocked(key string, fields map[string]string) error {
	e, err := m.entryLocked(key, kindHash)
	if err != nil {
		return err
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	m.dropIfEmptyLocked(key, e)
	return nil
}

func (m *memoryKV) hdelLocked(key string, fields ...string) error {
	e, err := m.readLocked(key, kindHash)
	if err != nil || e == nil {
		return err
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	m.dropIfEmptyLocked(key, e)
	return nil
}

func (m *memoryKV) saddLocked(key string, members ...string) error {
	e, err := m.entryLocked(key, kindSet)
	if err != nil {
		return err
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	m.dropIfEmptyLocked(key, e)
	return nil
}

func (m *memoryKV) sremLocked(key string, members ...string) error {
	e, err := m.readLocked(key, kindSet)
	if err != nil || e == nil {
		return err
	}
	for _, member := range members {
		delete(e.set, member)
	}
	m.dropIfEmptyLocked(key, e)
	return nil
}

func (m *memoryKV) expireLocked(key string, ttl time.Duration) error {
	e := m.liveLocked(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return nil
	}
	e.expireAt = m.clock().Add(ttl)
	return nil
}

func (m *memoryKV) persistLocked(key string) error {
	if e := m.liveLocked(key); e != nil {
		e.expireAt = time.Time{}
	}
	return nil
}

func (m *memoryKV) delLocked(keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, value)
}

func (m *memoryKV) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpushLocked(key, values...)
}

func (m *memoryKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hsetLocked(key, fields)
}

func (m *memoryKV) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdelLocked(key, fields...)
}

func (m *memoryKV) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saddLocked(key, members...)
}

func (m *memoryKV) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sremLocked(key, members...)
}

func (m *memoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(key, ttl)
}

func (m *memoryKV) Persist(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(key)
}

func (m *memoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delLocked(keys...)
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.readLocked(key, kindString)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", &NotFoundError{Resource: "key", Key: key}
	}
	return e.str, nil
}

func (m *memoryKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.readLocked(key, kindList)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []string{}, nil
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	stop = min(stop, n-1)
	if start > stop {
		return []string{}, nil
	}
	return slices.Clone(e.list[start : stop+1]), nil
}

func (m *memoryKV) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.readLocked(key, kindHash)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", &NotFoundError{Resource: "field", Key: key + "/" + field}
	}
	v, ok := e.hash[field]
	if !ok {
		return "", &NotFoundError{Resource: "field", Key: key + "/" + field}
	}
	return v, nil
}

func (m *memoryKV) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entryLocked(key, kindHash)
	if err != nil {
		return false, err
	}
	if _, ok := e.hash[field]; ok {
		return false, nil
	}
	e.hash[field] = value
	return true, nil
}

func (m *memoryKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.readLocked(key, kindHash)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	if e == nil {
		return result, nil
	}
	for f, v := range e.hash {
		result[f] = v
	}
	return result, nil
}

func (m *memoryKV) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.readLocked(key, kindSet)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []string{}, nil
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	slices.Sort(members)
	return members, nil
}

func (m *memoryKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil {
		return 0, &NotFoundError{Resource: "key", Key: key}
	}
	if e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(m.clock()), nil
}

func (m *memoryKV) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key := range m.data {
		if m.liveLocked(key) == nil {
			continue
		}
		if matchGlob(pattern, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memoryKV) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		e, err := m.readLocked(key, kindList)
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		if e != nil && len(e.list) > 0 {
			head := e.list[0]
			e.list = e.list[1:]
			m.dropIfEmptyLocked(key, e)
			m.mu.Unlock()
			return head, nil
		}
		wait := m.pushed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrEmpty
		}
	}
}

// Atomic records the batch and applies it under a single lock acquisition.
func (m *memoryKV) Atomic(ctx context.Context, fn func(w Writer) error) error {
	batch := &memoryBatch{}
	if err := fn(batch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch.ops {
		if err := op(m); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryKV) Close() error { return nil }

type memoryBatch struct {
	ops []func(m *memoryKV) error
}

func (b *memoryBatch) add(op func(m *memoryKV) error) error {
	b.ops = append(b.ops, op)
	return nil
}

func (b *memoryBatch) Set(_ context.Context, key, value string) error {
	return b.add(func(m *memoryKV) error { return m.setLocked(key, value) })
}

func (b *memoryBatch) RPush(_ context.Context, key string, values ...string) error {
	return b.add(func(m *memoryKV) error { return m.rpushLocked(key, values...) })
}

func (b *memoryBatch) HSet(_ context.Context, key string, fields map[string]string) error {
	return b.add(func(m *memoryKV) error { return m.hsetLocked(key, fields) })
}

func (b *memoryBatch) HDel(_ context.Context, key string, fields ...string) error {
	return b.add(func(m *memoryKV) error { return m.hdelLocked(key, fields...) })
}

func (b *memoryBatch) SAdd(_ context.Context, key string, members ...string) error {
	return b.add(func(m *memoryKV) error { return m.saddLocked(key, members...) })
}

func (b *memoryBatch) SRem(_ context.Context, key string, members ...string) error {
	return b.add(func(m *memoryKV) error { return m.sremLocked(key, members...) })
}

func (b *memoryBatch) Expire(_ context.Context, key string, ttl time.Duration) error {
	return b.add(func(m *memoryKV) error { return m.expireLocked(key, ttl) })
}

func (b *memoryBatch) Persist(_ context.Context, key string) error {
	return b.add(func(m *memoryKV) error { return m.persistLocked(key) })
}

func (b *memoryBatch) Del(_ context.Context, keys ...string) error {
	return b.add(func(m *memoryKV) error { return m.delLocked(keys...) })
}

// matchGlob supports the '*' and '?' wildcards of the Redis SCAN MATCH syntax.
func matchGlob(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = strings.TrimLeft(pattern, "*")
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if s == "" || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return s == ""
}
