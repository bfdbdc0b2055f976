package memory

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type articleRepository struct {
	s  *Store
	tx *memTx
}

func (r *articleRepository) Create(_ context.Context, article domain.Article) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.articles[article.ID]; exists {
		return &domain.ValidationError{Field: "id", Reason: "article " + article.ID + " already exists"}
	}
	r.s.articles[article.ID] = cloneArticle(article)
	r.tx.record(func() { delete(r.s.articles, article.ID) })
	return nil
}

func (r *articleRepository) Get(_ context.Context, id string) (domain.Article, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	article, ok := r.s.articles[id]
	if !ok {
		return domain.Article{}, domain.ErrArticleNotFound
	}
	return cloneArticle(article), nil
}

func (r *articleRepository) GetMany(_ context.Context, ids []string) (map[string]domain.Article, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make(map[string]domain.Article, len(ids))
	for _, id := range ids {
		if article, ok := r.s.articles[id]; ok {
			out[id] = cloneArticle(article)
		}
	}
	return out, nil
}

func (r *articleRepository) UpdateStock(_ context.Context, id string, quantity int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	article, ok := r.s.articles[id]
	if !ok {
		return domain.ErrArticleNotFound
	}
	prev := article.StockQuantity
	article.StockQuantity = quantity
	r.s.articles[id] = article

	r.tx.record(func() {
		a := r.s.articles[id]
		a.StockQuantity = prev
		r.s.articles[id] = a
	})
	return nil
}

func cloneArticle(a domain.Article) domain.Article {
	if a.UpsellTiers != nil {
		a.UpsellTiers = append([]int64(nil), a.UpsellTiers...)
	}
	return a
}

type movementRepository struct {
	s  *Store
	tx *memTx
}

func (r *movementRepository) Append(_ context.Context, movement domain.StockMovement) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.movements[movement.ArticleID] = append(r.s.movements[movement.ArticleID], movement)
	articleID := movement.ArticleID
	r.tx.record(func() {
		list := r.s.movements[articleID]
		r.s.movements[articleID] = list[:len(list)-1]
	})
	return nil
}

// ListByArticle возвращает последние limit движений (все при limit <= 0) от старых к новым.
func (r *movementRepository) ListByArticle(_ context.Context, articleID string, limit int) ([]domain.StockMovement, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := r.s.movements[articleID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]domain.StockMovement, len(list))
	copy(out, list)
	return out, nil
}

var (
	_ domain.ArticleRepository       = (*articleRepository)(nil)
	_ domain.StockMovementRepository = (*movementRepository)(nil)
)
