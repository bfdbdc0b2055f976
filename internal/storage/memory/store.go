package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DefaultLockTimeout ограничивает ожидание блокировки заказа или артикула.
const DefaultLockTimeout = 2 * time.Second

// Store — in-memory хранилище для локальной разработки и тестов.
// Транзакция держит логические блокировки по ключам и журнал отката;
// записи видны другим читателям до фиксации.
type Store struct {
	mu sync.RWMutex

	orders    map[string]domain.Order
	states    map[string][]domain.OrderState
	stateSeq  int64
	audit     map[string]domain.AuditOperation
	auditSeq  []string
	articles  map[string]domain.Article
	movements map[string][]domain.StockMovement
	operators map[string]domain.Operator
	outbox    *outboxTable

	locks       *lockArena
	lockTimeout time.Duration
}

// Option настраивает Store.
type Option func(*Store)

// WithLockTimeout задаёт ограничение ожидания блокировки.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewStore создаёт пустое хранилище.
func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:      make(map[string]domain.Order),
		states:      make(map[string][]domain.OrderState),
		audit:       make(map[string]domain.AuditOperation),
		articles:    make(map[string]domain.Article),
		movements:   make(map[string][]domain.StockMovement),
		operators:   make(map[string]domain.Operator),
		outbox:      newOutboxTable(),
		locks:       newLockArena(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Orders() domain.OrderRepository { return &orderRepository{s: s} }
func (s *Store) States() domain.StateRepository { return &stateRepository{s: s} }
func (s *Store) Audit() domain.AuditRepository { return &auditRepository{s: s} }
func (s *Store) Articles() domain.ArticleRepository { return &articleRepository{s: s} }
func (s *Store) Movements() domain.StockMovementRepository { return &movementRepository{s: s} }
func (s *Store) Operators() domain.OperatorRepository { return &operatorRepository{s: s} }
func (s *Store) Outbox() domain.OutboxRepository { return &outboxRepository{s: s} }
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error { return nil }

// InTx выполняет fn под блокировками scope. Ошибка или паника откатывают все записи fn.
func (s *Store) InTx(ctx context.Context, scope domain.LockScope, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx := &memTx{store: s, held: make(map[string]struct{})}
	defer tx.releaseAll()

	if err := tx.acquire(ctx, "order", scope.Orders); err != nil {
		return err
	}
	if err := tx.acquire(ctx, "article", scope.Articles); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}

	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

// ImportStates загружает историю из внешней системы без проверки инварианта
// одного открытого состояния. Используется при переносе данных; дубли затем
// закрывает maintenance.Sweeper.
func (s *Store) ImportStates(states ...domain.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		s.stateSeq++
		st.Seq = s.stateSeq
		s.states[st.OrderID] = append(s.states[st.OrderID], st)
	}
}

type memTx struct {
	store       *Store
	undo        []func()
	afterCommit []func()
	held        map[string]struct{}
	releases    []func()
}

func (tx *memTx) Orders() domain.OrderRepository {
	return &orderRepository{s: tx.store, tx: tx}
}

func (tx *memTx) States() domain.StateRepository {
	return &stateRepository{s: tx.store, tx: tx}
}

func (tx *memTx) Audit() domain.AuditRepository {
	return &auditRepository{s: tx.store, tx: tx}
}

func (tx *memTx) Articles() domain.ArticleRepository {
	return &articleRepository{s: tx.store, tx: tx}
}

func (tx *memTx) Movements() domain.StockMovementRepository {
	return &movementRepository{s: tx.store, tx: tx}
}

func (tx *memTx) Operators() domain.OperatorRepository {
	return &operatorRepository{s: tx.store, tx: tx}
}

func (tx *memTx) Outbox() domain.OutboxRepository {
	return &outboxRepository{s: tx.store, tx: tx}
}

func (tx *memTx) LockArticles(ctx context.Context, ids ...string) error {
	return tx.acquire(ctx, "article", ids)
}

func (tx *memTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

func (tx *memTx) acquire(ctx context.Context, resource string, ids []string) error {
	keys := uniqueSorted(ids)
	for _, id := range keys {
		key := resource + ":" + id
		if _, ok := tx.held[key]; ok {
			continue
		}
		release, err := tx.store.locks.acquire(ctx, key, tx.store.lockTimeout)
		if errors.Is(err, errLockTimeout) {
			return &domain.ContentionError{Resource: resource, Key: id, Wait: tx.store.lockTimeout}
		}
		if err != nil {
			return err
		}
		tx.held[key] = struct{}{}
		tx.releases = append(tx.releases, release)
	}
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.releases) - 1; i >= 0; i-- {
		tx.releases[i]()
	}
	tx.releases = nil
}

// record добавляет шаг отката; вызывается под store.mu.
func (tx *memTx) record(undo func()) {
	if tx == nil {
		return
	}
	tx.undo = append(tx.undo, undo)
}

func (tx *memTx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*memTx)(nil)
)
