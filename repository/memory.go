package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// MemoryStore 进程内的事务存储, 按业务域分表
// 多个 MemoryRepository 共享同一个 MemoryStore 时, 分支事务可以查到根事务
type MemoryStore struct {
	mux    sync.RWMutex
	tables map[string]map[string]*memoryEntry
}

type memoryEntry struct {
	content        []byte
	version        int64
	lastUpdateTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]*memoryEntry),
	}
}

// table 调用方需要持有锁
func (s *MemoryStore) table(domain string) map[string]*memoryEntry {
	t, ok := s.tables[domain]
	if !ok {
		t = make(map[string]*memoryEntry)
		s.tables[domain] = t
	}
	return t
}

// MemoryRepository 基于 MemoryStore 的事务存储
// 保存的是序列化后的数据, 每次读取都得到一份新的事务对象
type MemoryRepository struct {
	store      *MemoryStore
	domain     string
	rootDomain string
	now        func() time.Time
}

type MemoryOption func(*MemoryRepository)

// WithClock 替换时钟, 用于控制事务的最后更新时间
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewMemoryRepository(store *MemoryStore, domain, rootDomain string, opts ...MemoryOption) *MemoryRepository {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &MemoryRepository{
		store:      store,
		domain:     domain,
		rootDomain: rootDomain,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRepository) LocalStorable() {}

func (r *MemoryRepository) Domain() string {
	return r.domain
}

func (r *MemoryRepository) RootDomain() string {
	return r.rootDomain
}

func (r *MemoryRepository) Create(_ context.Context, transaction *txmanager.Transaction) (int, error) {
	r.store.mux.Lock()
	defer r.store.mux.Unlock()

	table := r.store.table(r.domain)
	key := transaction.Xid().Key()
	if _, ok := table[key]; ok {
		return 0, fmt.Errorf("transaction already existed, xid: %s", transaction.Xid())
	}

	now := r.now()
	prevVersion, prevUpdate := transaction.Version(), transaction.LastUpdateTime()
	transaction.SetVersion(1)
	transaction.SetLastUpdateTime(now)
	content, err := json.Marshal(transaction)
	if err != nil {
		transaction.SetVersion(prevVersion)
		transaction.SetLastUpdateTime(prevUpdate)
		return 0, err
	}

	table[key] = &memoryEntry{
		content:        content,
		version:        1,
		lastUpdateTime: now,
	}
	return 1, nil
}

func (r *MemoryRepository) Update(_ context.Context, transaction *txmanager.Transaction) (int, error) {
	r.store.mux.Lock()
	defer r.store.mux.Unlock()

	table := r.store.table(r.domain)
	key := transaction.Xid().Key()
	entry, ok := table[key]
	if !ok || entry.version != transaction.Version() {
		return 0, api.ErrOptimisticLock
	}

	now := r.now()
	prevUpdate := transaction.LastUpdateTime()
	transaction.UpdateVersion()
	transaction.SetLastUpdateTime(now)
	content, err := json.Marshal(transaction)
	if err != nil {
		transaction.SetVersion(entry.version)
		transaction.SetLastUpdateTime(prevUpdate)
		return 0, err
	}

	table[key] = &memoryEntry{
		content:        content,
		version:        transaction.Version(),
		lastUpdateTime: now,
	}
	return 1, nil
}

func (r *MemoryRepository) Delete(_ context.Context, transaction *txmanager.Transaction) (int, error) {
	r.store.mux.Lock()
	defer r.store.mux.Unlock()

	table := r.store.table(r.domain)
	key := transaction.Xid().Key()
	if _, ok := table[key]; !ok {
		return 0, nil
	}
	delete(table, key)
	return 1, nil
}

func (r *MemoryRepository) FindByXid(_ context.Context, xid api.TransactionXid) (*txmanager.Transaction, error) {
	return r.find(r.domain, xid)
}

func (r *MemoryRepository) FindByRootXid(_ context.Context, rootXid api.TransactionXid) (*txmanager.Transaction, error) {
	if r.rootDomain == "" {
		return nil, nil
	}
	return r.find(r.rootDomain, rootXid)
}

func (r *MemoryRepository) find(domain string, xid api.TransactionXid) (*txmanager.Transaction, error) {
	r.store.mux.RLock()
	defer r.store.mux.RUnlock()

	table, ok := r.store.tables[domain]
	if !ok {
		return nil, nil
	}
	entry, ok := table[xid.Key()]
	if !ok {
		return nil, nil
	}
	return decode(entry.content)
}

// FindAllUnmodifiedSince 按 xid key 排序分页, 游标为上一页最后一条记录的 key
func (r *MemoryRepository) FindAllUnmodifiedSince(_ context.Context, before time.Time, cursor string, pageSize int) (*txmanager.Page, error) {
	r.store.mux.RLock()
	defer r.store.mux.RUnlock()

	table := r.store.tables[r.domain]
	keys := make([]string, 0, len(table))
	for key, entry := range table {
		if key > cursor && entry.lastUpdateTime.Before(before) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if pageSize > 0 && len(keys) > pageSize {
		keys = keys[:pageSize]
	}

	page := txmanager.Page{
		Items:      make([]*txmanager.Transaction, 0, len(keys)),
		NextCursor: cursor,
	}
	for _, key := range keys {
		transaction, err := decode(table[key].content)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, transaction)
		page.NextCursor = key
	}
	return &page, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

func decode(content []byte) (*txmanager.Transaction, error) {
	var transaction txmanager.Transaction
	if err := json.Unmarshal(content, &transaction); err != nil {
		return nil, err
	}
	return &transaction, nil
}
