package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var _ domain.IdempotencyRepository = (*stubKeyRepo)(nil)

func TestKeyCleaner_CleanOnce_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{deleteResults: []int{2, 2, 1}}
	cleaner := NewKeyCleaner(repo, WithBatchSize(2))

	deleted, err := cleaner.CleanOnce(context.Background())
	if err != nil {
		t.Fatalf("CleanOnce failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}
	if calls := repo.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
}

func TestKeyCleaner_CleanOnce_UsesSingleCutoff(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{deleteResults: []int{1, 1, 0}}
	cleaner := NewKeyCleaner(repo, WithBatchSize(1))
	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cleaner.now = func() time.Time { return cutoff }

	if _, err := cleaner.CleanOnce(context.Background()); err != nil {
		t.Fatalf("CleanOnce failed: %v", err)
	}
	for i, before := range repo.cutoffs() {
		if !before.Equal(cutoff) {
			t.Fatalf("call %d used cutoff %v, want %v", i, before, cutoff)
		}
	}
}

func TestKeyCleaner_CleanOnce_Error(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{deleteErrors: []error{errors.New("boom")}}
	cleaner := NewKeyCleaner(repo, WithBatchSize(10))

	deleted, err := cleaner.CleanOnce(context.Background())
	if err == nil {
		t.Fatal("expected CleanOnce error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestKeyCleaner_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{}
	cleaner := NewKeyCleaner(repo, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleaner.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop on context cancel")
	}
	if calls := repo.calls(); calls == 0 {
		t.Fatal("expected cleanup to be called at least once")
	}
}

type stubKeyRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	befores       []time.Time
}

func (s *stubKeyRepo) Begin(context.Context, domain.IdempotencyScope, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubKeyRepo) Get(context.Context, domain.IdempotencyScope, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubKeyRepo) Settle(context.Context, domain.IdempotencyScope, string, domain.IdempotencyOutcome) error {
	panic("not implemented")
}

func (s *stubKeyRepo) Release(context.Context, domain.IdempotencyScope, string) error {
	panic("not implemented")
}

func (s *stubKeyRepo) DeleteExpired(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.befores = append(s.befores, before)

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubKeyRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.befores)
}

func (s *stubKeyRepo) cutoffs() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.befores...)
}
