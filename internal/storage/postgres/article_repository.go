package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const articleColumns = `id, sku, name, base_price_minor, upsell_tiers, upsell_eligible, stock_quantity`

type articleRepository struct {
	q querier
}

func (r *articleRepository) Create(ctx context.Context, article domain.Article) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tiers := article.UpsellTiers
	if tiers == nil {
		tiers = []int64{}
	}
	rawTiers, err := json.Marshal(tiers)
	if err != nil {
		return fmt.Errorf("encode upsell tiers: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO articles (`+articleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, article.ID, article.SKU, article.Name, article.BasePriceMinor, rawTiers, article.UpsellEligible, article.StockQuantity)
	if err != nil {
		if isUniqueViolation(err, "articles_pkey") {
			return &domain.ValidationError{Field: "id", Reason: "article " + article.ID + " already exists"}
		}
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func (r *articleRepository) Get(ctx context.Context, id string) (domain.Article, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	article, err := scanArticle(r.q.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Article{}, domain.ErrArticleNotFound
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("select article: %w", err)
	}
	return article, nil
}

func (r *articleRepository) GetMany(ctx context.Context, ids []string) (map[string]domain.Article, error) {
	out := make(map[string]domain.Article, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select articles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out[article.ID] = article
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

func (r *articleRepository) UpdateStock(ctx context.Context, id string, quantity int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `UPDATE articles SET stock_quantity = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return fmt.Errorf("update article stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrArticleNotFound
	}
	return nil
}

func scanArticle(row rowScanner) (domain.Article, error) {
	var (
		a     domain.Article
		tiers []byte
	)
	if err := row.Scan(&a.ID, &a.SKU, &a.Name, &a.BasePriceMinor, &tiers, &a.UpsellEligible, &a.StockQuantity); err != nil {
		return domain.Article{}, err
	}
	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &a.UpsellTiers); err != nil {
			return domain.Article{}, fmt.Errorf("decode upsell tiers of %s: %w", a.ID, err)
		}
		if len(a.UpsellTiers) == 0 {
			a.UpsellTiers = nil
		}
	}
	return a, nil
}

type movementRepository struct {
	q querier
}

func (r *movementRepository) Append(ctx context.Context, m domain.StockMovement) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, article_id, delta, resulting, kind, order_id, operator_id, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.ArticleID, m.Delta, m.Resulting, string(m.Kind), m.OrderID, m.OperatorID, m.Comment, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// ListByArticle возвращает последние limit движений (все при limit <= 0) от старых к новым.
func (r *movementRepository) ListByArticle(ctx context.Context, articleID string, limit int) ([]domain.StockMovement, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, article_id, delta, resulting, kind, order_id, operator_id, comment, created_at
		FROM (
			SELECT *
			FROM stock_movements
			WHERE article_id = $1
			ORDER BY seq DESC
			%s
		) recent
		ORDER BY seq ASC
	`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.q.QueryContext(ctx, fmt.Sprintf(query, "LIMIT $2"), articleID, limit)
	} else {
		rows, err = r.q.QueryContext(ctx, fmt.Sprintf(query, ""), articleID)
	}
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m    domain.StockMovement
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ArticleID, &m.Delta, &m.Resulting, &kind, &m.OrderID, &m.OperatorID, &m.Comment, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		m.Kind = domain.MovementKind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock movements: %w", err)
	}
	return out, nil
}

var (
	_ domain.ArticleRepository       = (*articleRepository)(nil)
	_ domain.StockMovementRepository = (*movementRepository)(nil)
)
