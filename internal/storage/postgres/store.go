// Package postgres — хранилище бэк-офиса на PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	// DefaultLockTimeout ограничивает ожидание построчной блокировки.
	DefaultLockTimeout = 2 * time.Second

	pgLockNotAvailable   = "55P03"
	pgDeadlockDetected   = "40P01"
	pgUniqueViolation    = "23505"
	oneOpenStateIndex    = "ux_order_states_one_open"
	defaultQueryTimeout  = 5 * time.Second
	lockTimeoutStatement = "SELECT set_config('lock_timeout', $1, true)"
)

// querier — общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option настраивает Store.
type Option func(*Store)

// WithLockTimeout задаёт lock_timeout транзакций.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger задаёт logger хранилища.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store оборачивает SQL-подключение к PostgreSQL и реализует domain.Store.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *log.Entry
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{
		db:          db,
		lockTimeout: DefaultLockTimeout,
		logger:      log.WithField("component", "postgres-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Orders() domain.OrderRepository { return &orderRepository{q: s.db} }
func (s *Store) States() domain.StateRepository { return &stateRepository{q: s.db} }
func (s *Store) Audit() domain.AuditRepository { return &auditRepository{q: s.db} }
func (s *Store) Articles() domain.ArticleRepository { return &articleRepository{q: s.db} }
func (s *Store) Movements() domain.StockMovementRepository { return &movementRepository{q: s.db} }
func (s *Store) Operators() domain.OperatorRepository { return &operatorRepository{q: s.db} }
func (s *Store) Outbox() domain.OutboxRepository { return &outboxRepository{q: s.db} }

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx открывает транзакцию, выставляет lock_timeout и блокирует строки scope:
// сначала заказы, затем артикулы, каждую группу в отсортированном порядке.
// Не дождавшаяся блокировки транзакция завершается ContentionError.
func (s *Store) InTx(ctx context.Context, scope domain.LockScope, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &pgTx{store: s, tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err = sqlTx.ExecContext(ctx, lockTimeoutStatement, timeout); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if err = tx.lockRows(ctx, "order", `SELECT id FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`, scope.Orders); err != nil {
		return err
	}
	if err = tx.LockArticles(ctx, scope.Articles...); err != nil {
		return err
	}

	if err = fn(ctx, tx); err != nil {
		return s.translate(err, "tx", "")
	}
	if err = sqlTx.Commit(); err != nil {
		return s.translate(fmt.Errorf("commit tx: %w", err), "tx", "")
	}

	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

// translate превращает ошибки блокировок PostgreSQL в ContentionError.
func (s *Store) translate(err error, resource, key string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgDeadlockDetected:
		s.logger.WithFields(log.Fields{"resource": resource, "key": key, "pg_code": pgErr.Code}).Debug("lock not acquired")
		return &domain.ContentionError{Resource: resource, Key: key, Wait: s.lockTimeout}
	}
	return err
}

type pgTx struct {
	store       *Store
	tx          *sql.Tx
	afterCommit []func()
}

func (t *pgTx) Orders() domain.OrderRepository { return &orderRepository{q: t.tx} }
func (t *pgTx) States() domain.StateRepository { return &stateRepository{q: t.tx} }
func (t *pgTx) Audit() domain.AuditRepository { return &auditRepository{q: t.tx} }
func (t *pgTx) Articles() domain.ArticleRepository { return &articleRepository{q: t.tx} }
func (t *pgTx) Movements() domain.StockMovementRepository { return &movementRepository{q: t.tx} }
func (t *pgTx) Operators() domain.OperatorRepository { return &operatorRepository{q: t.tx} }
func (t *pgTx) Outbox() domain.OutboxRepository { return &outboxRepository{q: t.tx} }

func (t *pgTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// LockArticles блокирует строки артикулов FOR UPDATE.
func (t *pgTx) LockArticles(ctx context.Context, ids ...string) error {
	return t.lockRows(ctx, "article", `SELECT id FROM articles WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
}

func (t *pgTx) lockRows(ctx context.Context, resource, query string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := uniqueSorted(ids)
	if len(keys) == 0 {
		return nil
	}
	rows, err := t.tx.QueryContext(ctx, query, keys)
	if err != nil {
		return t.store.translate(err, resource, keys[0])
	}
	defer rows.Close()
	for rows.Next() {
		// строки нужны только ради FOR UPDATE
	}
	if err := rows.Err(); err != nil {
		return t.store.translate(err, resource, keys[0])
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*pgTx)(nil)
)
