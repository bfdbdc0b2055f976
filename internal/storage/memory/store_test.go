package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func newOrder(id string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:        id,
		Reference: "CMD-" + id,
		ClientRef: "client-1",
		Lines: []domain.BasketLine{
			{ID: "line-1", ArticleID: "art-1", Quantity: 2, SubtotalMinor: 200, CreatedAt: now},
		},
		TotalMinor: 200,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOrderRepository_CreateGetSave(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := store.Orders()

	order := newOrder("o-1")
	require.NoError(t, repo.Create(ctx, order))
	require.ErrorIs(t, repo.Create(ctx, order), domain.ErrOrderAlreadyExists)

	stored, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	stored.Lines[0].Quantity = 99

	again, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Lines[0].Quantity, "stored copy must not be shared")

	require.NoError(t, repo.Save(ctx, stored))
	require.ErrorIs(t, repo.Save(ctx, stored), domain.ErrOrderVersionConflict)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_ListByReferencePrefix(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	for _, ref := range []string{"CMD-1-R1", "CMD-1-R2", "CMD-10-R1", "CMD-1"} {
		o := newOrder(ref)
		o.Reference = ref
		require.NoError(t, store.Orders().Create(ctx, o))
	}

	found, err := store.Orders().ListByReferencePrefix(ctx, "CMD-1-R")
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestStateRepository_RejectsSecondOpenState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	states := store.States()

	first, err := states.Append(ctx, domain.OrderState{ID: "s1", OrderID: "o-1", Kind: domain.StateNew, StartedAt: time.Now()})
	require.NoError(t, err)
	assert.NotZero(t, first.Seq)

	_, err = states.Append(ctx, domain.OrderState{ID: "s2", OrderID: "o-1", Kind: domain.StateToConfirm, StartedAt: time.Now()})
	var inv *domain.InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, []string{"s1", "s2"}, inv.OpenStateIDs)

	require.NoError(t, states.Close(ctx, "s1", time.Now(), "op"))
	require.ErrorIs(t, states.Close(ctx, "s1", time.Now(), "op"), domain.ErrInvariantViolation)
	require.ErrorIs(t, states.Close(ctx, "nope", time.Now(), "op"), domain.ErrStateNotFound)

	second, err := states.Append(ctx, domain.OrderState{ID: "s2", OrderID: "o-1", Kind: domain.StateToConfirm, StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	history, err := states.History(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "op", history[0].ClosedBy)
	assert.True(t, history[1].IsOpen())
}

func TestInTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Articles().Create(ctx, domain.Article{ID: "art-1", StockQuantity: 5}))
	require.NoError(t, store.Orders().Create(ctx, newOrder("o-1")))

	committed := false
	boom := errors.New("boom")
	err := store.InTx(ctx, domain.LockScope{Orders: []string{"o-1"}}, func(ctx context.Context, tx domain.Tx) error {
		tx.AfterCommit(func() { committed = true })

		order, err := tx.Orders().Get(ctx, "o-1")
		require.NoError(t, err)
		order.UpsellCounter = 7
		require.NoError(t, tx.Orders().Save(ctx, order))
		_, err = tx.States().Append(ctx, domain.OrderState{ID: "s1", OrderID: "o-1", Kind: domain.StateNew})
		require.NoError(t, err)
		require.NoError(t, tx.Articles().UpdateStock(ctx, "art-1", 1))
		require.NoError(t, tx.Movements().Append(ctx, domain.StockMovement{ID: "m1", ArticleID: "art-1", Delta: -4}))
		require.NoError(t, tx.Audit().Append(ctx, domain.AuditOperation{ID: "a1", OrderID: "o-1"}))
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: "x"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, committed)

	order, err := store.Orders().Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 0, order.UpsellCounter)
	assert.Equal(t, int64(0), order.Version)

	history, _ := store.States().History(ctx, "o-1")
	assert.Empty(t, history)

	article, _ := store.Articles().Get(ctx, "art-1")
	assert.Equal(t, 5, article.StockQuantity)

	movements, _ := store.Movements().ListByArticle(ctx, "art-1", 0)
	assert.Empty(t, movements)

	audit, _ := store.Audit().ListByOrder(ctx, "o-1")
	assert.Empty(t, audit)

	assert.Empty(t, store.AllPending())
}

func TestInTx_CommitRunsAfterCommitHooks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	var calls int
	err := store.InTx(ctx, domain.LockScope{Orders: []string{"o-1"}}, func(ctx context.Context, tx domain.Tx) error {
		tx.AfterCommit(func() { calls++ })
		_, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: "order.created", AggregateID: "o-1"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, store.AllPending(), 1)
}

func TestInTx_ContentionAfterLockTimeout(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.WithLockTimeout(20 * time.Millisecond))

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.InTx(ctx, domain.LockScope{Orders: []string{"o-1"}}, func(context.Context, domain.Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := store.InTx(ctx, domain.LockScope{Orders: []string{"o-1"}}, func(context.Context, domain.Tx) error {
		t.Fatal("must not enter while the order is locked")
		return nil
	})
	var contention *domain.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, "order", contention.Resource)
	assert.True(t, domain.IsRetryable(err))

	// другие заказы не блокируются
	require.NoError(t, store.InTx(ctx, domain.LockScope{Orders: []string{"o-2"}}, func(context.Context, domain.Tx) error { return nil }))

	close(release)
	wg.Wait()

	require.NoError(t, store.InTx(ctx, domain.LockScope{Orders: []string{"o-1"}}, func(context.Context, domain.Tx) error { return nil }))
}

func TestInTx_LockArticlesIsReentrant(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.WithLockTimeout(20 * time.Millisecond))

	err := store.InTx(ctx, domain.LockScope{Articles: []string{"a", "b"}}, func(ctx context.Context, tx domain.Tx) error {
		return tx.LockArticles(ctx, "b", "a", "c")
	})
	require.NoError(t, err)
}

func TestAuditRepository_UpdateConclusionKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Audit().Append(ctx, domain.AuditOperation{ID: "a1", OrderID: "o-1", Conclusion: "first"}))

	at := time.Now().UTC()
	updated, err := store.Audit().UpdateConclusion(ctx, domain.ConclusionEdit{AuditID: "a1", EditorID: "admin", Conclusion: "second", At: at})
	require.NoError(t, err)
	assert.Equal(t, "second", updated.Conclusion)
	assert.Equal(t, "first", updated.PreviousConclusion)
	assert.Equal(t, "admin", updated.EditedBy)
	require.NotNil(t, updated.EditedAt)

	_, err = store.Audit().UpdateConclusion(ctx, domain.ConclusionEdit{AuditID: "nope"})
	require.ErrorIs(t, err, domain.ErrAuditNotFound)
}

func TestStateRepository_OrdersWithMultipleOpen(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.ImportStates(
		domain.OrderState{ID: "s1", OrderID: "o-1", Kind: domain.StateInPreparation},
		domain.OrderState{ID: "s2", OrderID: "o-1", Kind: domain.StateCollected},
		domain.OrderState{ID: "s3", OrderID: "o-2", Kind: domain.StateNew},
	)

	ids, err := store.States().OrdersWithMultipleOpen(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1"}, ids)

	open, err := store.States().ListOpenByKinds(ctx, domain.StateNew, domain.StateCollected)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "s2", open[0].ID)
}

func TestOperatorRepository_ListActiveByRole(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ops := store.Operators()
	require.NoError(t, ops.Save(ctx, domain.Operator{ID: "p2", Role: domain.RolePreparation, Active: true}))
	require.NoError(t, ops.Save(ctx, domain.Operator{ID: "p1", Role: domain.RolePreparation, Active: true}))
	require.NoError(t, ops.Save(ctx, domain.Operator{ID: "p3", Role: domain.RolePreparation, Active: false}))
	require.NoError(t, ops.Save(ctx, domain.Operator{ID: "c1", Role: domain.RoleConfirmation, Active: true}))
	require.ErrorIs(t, ops.Save(ctx, domain.Operator{ID: "x", Role: "cook"}), domain.ErrValidation)

	active, err := ops.ListActiveByRole(ctx, domain.RolePreparation)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].ID)
}

func TestOutboxRepository_StatsAndStatuses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := store.Outbox()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", EventType: "a"})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", EventType: "b"})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	pending, err := repo.PullPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)

	stats, _ = repo.Stats(ctx)
	assert.Equal(t, 1, stats.PendingCount)
}
