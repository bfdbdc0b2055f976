package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	// ListByReferencePrefix возвращает заказы, чей референс начинается с prefix.
	ListByReferencePrefix(ctx context.Context, prefix string) ([]Order, error)
}

// StateRepository хранит временную историю состояний. Писать в него может только ledger.
type StateRepository interface {
	// Append добавляет запись и назначает ей Seq. Открытая запись при уже открытой
	// другой отклоняется с InvariantViolationError.
	Append(ctx context.Context, state OrderState) (OrderState, error)
	// Close проставляет EndedAt и ClosedBy у открытой записи.
	Close(ctx context.Context, stateID string, endedAt time.Time, closedBy string) error
	// History возвращает все записи заказа по возрастанию Seq.
	History(ctx context.Context, orderID string) ([]OrderState, error)
	// Open возвращает открытые записи заказа (в норме 0 или 1).
	Open(ctx context.Context, orderID string) ([]OrderState, error)
	// ListOpenByKinds возвращает открытые записи всех заказов указанных типов.
	ListOpenByKinds(ctx context.Context, kinds ...StateKind) ([]OrderState, error)
	// OrdersWithMultipleOpen находит заказы с нарушенным инвариантом.
	OrdersWithMultipleOpen(ctx context.Context, limit int) ([]string, error)
}

// AuditRepository — append-only журнал решений.
type AuditRepository interface {
	Append(ctx context.Context, op AuditOperation) error
	Get(ctx context.Context, id string) (AuditOperation, error)
	ListByOrder(ctx context.Context, orderID string) ([]AuditOperation, error)
	// UpdateConclusion меняет только текст заключения, сохраняя прежний текст и редактора.
	UpdateConclusion(ctx context.Context, edit ConclusionEdit) (AuditOperation, error)
}

// ArticleRepository хранит каталог и кэш остатков.
type ArticleRepository interface {
	Create(ctx context.Context, article Article) error
	Get(ctx context.Context, id string) (Article, error)
	// GetMany возвращает найденные артикулы; отсутствующие просто не попадают в map.
	GetMany(ctx context.Context, ids []string) (map[string]Article, error)
	// UpdateStock меняет кэш остатка. Вызывается только StockLedger вместе с записью движения.
	UpdateStock(ctx context.Context, id string, quantity int) error
}

// StockMovementRepository — журнал движений остатков.
type StockMovementRepository interface {
	Append(ctx context.Context, movement StockMovement) error
	ListByArticle(ctx context.Context, articleID string, limit int) ([]StockMovement, error)
}

// OperatorRepository хранит учётные записи операторов.
type OperatorRepository interface {
	Save(ctx context.Context, op Operator) error
	Get(ctx context.Context, id string) (Operator, error)
	List(ctx context.Context) ([]Operator, error)
	ListActiveByRole(ctx context.Context, role Role) ([]Operator, error)
}

// Repositories — набор репозиториев, доступных как вне транзакции, так и внутри.
type Repositories interface {
	Orders() OrderRepository
	States() StateRepository
	Audit() AuditRepository
	Articles() ArticleRepository
	Movements() StockMovementRepository
	Operators() OperatorRepository
	Outbox() OutboxRepository
}

// Tx — единица работы. Все записи внутри неё фиксируются или откатываются вместе.
type Tx interface {
	Repositories
	// LockArticles берёт построчные блокировки артикулов в отсортированном порядке.
	LockArticles(ctx context.Context, ids ...string) error
	// AfterCommit регистрирует действие, выполняемое только после успешной фиксации.
	AfterCommit(fn func())
}

// LockScope перечисляет ключи, блокируемые при входе в транзакцию.
// Заказы блокируются раньше артикулов, внутри группы ключи сортируются.
type LockScope struct {
	Orders   []string
	Articles []string
}

// Transactor выполняет fn атомарно. Блокировка, не полученная за lock timeout,
// завершается ContentionError.
type Transactor interface {
	InTx(ctx context.Context, scope LockScope, fn func(ctx context.Context, tx Tx) error) error
}

// Store объединяет чтение вне транзакции и транзакционную запись.
type Store interface {
	Repositories
	Transactor
	Ping(ctx context.Context) error
	Close() error
}
