package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const productColumns = `id, name, price, quantity, created_at, updated_at`

type productRepository struct {
	db querier
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) error {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.ErrProductIDRequired
	}
	if product.Price.IsNegative() {
		return domain.ErrItemPriceInvalid
	}
	if product.Quantity < 0 {
		return domain.ErrItemQtyInvalid
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, product.ID, product.Name, product.Price, product.Quantity, product.CreatedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrProductExists
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *productRepository) FindByName(ctx context.Context, name string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	p, err := scanProduct(r.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE name = $1
		ORDER BY created_at, id
		LIMIT 1
	`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.NewNotFoundError(domain.EntityProduct, name)
		}
		return domain.Product{}, fmt.Errorf("select product by name: %w", err)
	}
	return p, nil
}

// FindByIDs выполняет один запрос и возвращает товары в порядке ids.
func (r *productRepository) FindByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	found, err := r.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, distinct(ids))
	if err != nil {
		return nil, fmt.Errorf("select products by ids: %w", err)
	}
	return orderProducts(distinct(ids), found), nil
}

// lockProductsQuery блокирует строки товаров в порядке id.
const lockProductsQuery = `
	SELECT ` + productColumns + `
	FROM products
	WHERE id = ANY($1)
	ORDER BY id
	FOR NO KEY UPDATE
`

// DecrementQuantities блокирует затронутые строки (FOR NO KEY UPDATE в порядке id),
// повторно проверяет остатки и обновляет их одним запросом. NO KEY UPDATE совместим
// с KEY SHARE, который берут проверки внешних ключей order_items.
func (r *productRepository) DecrementQuantities(ctx context.Context, lines []domain.LineRequest) ([]domain.Product, error) {
	ids, requested := aggregateLines(lines)
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated []domain.Product
	err := runInTx(ctx, r.db, func(tx querier) error {
		locked, err := (&productRepository{db: tx}).queryProducts(ctx, lockProductsQuery, ids)
		if err != nil {
			return fmt.Errorf("lock products: %w", err)
		}

		idx := domain.IndexProducts(locked)
		if missing := domain.MissingIDs(ids, idx); len(missing) > 0 {
			return domain.NewNotFoundError(domain.EntityProduct, missing...)
		}

		var shortages []domain.StockShortage
		deltas := make([]int32, 0, len(ids))
		for _, id := range ids {
			current := idx[id].Quantity
			if current-requested[id] < 0 {
				shortages = append(shortages, domain.StockShortage{
					ProductID: id,
					Requested: requested[id],
					Available: current,
				})
			}
			deltas = append(deltas, int32(requested[id]))
		}
		if len(shortages) > 0 {
			return &domain.InsufficientStockError{Shortages: shortages}
		}

		rows, err := (&productRepository{db: tx}).queryProducts(ctx, `
			UPDATE products AS p
			SET quantity = p.quantity - d.qty,
			    updated_at = $3
			FROM unnest($1::text[], $2::integer[]) AS d(id, qty)
			WHERE p.id = d.id
			RETURNING p.id, p.name, p.price, p.quantity, p.created_at, p.updated_at
		`, ids, deltas, time.Now().UTC())
		if err != nil {
			if pgErrorCode(err) == pgCheckViolation {
				return &domain.InsufficientStockError{}
			}
			return fmt.Errorf("decrement products: %w", err)
		}
		updated = orderProducts(ids, rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *productRepository) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) error {
	if price.IsNegative() {
		return domain.ErrItemPriceInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET price = $2, updated_at = $3
		WHERE id = $1
	`, id, price, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for product price: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFoundError(domain.EntityProduct, id)
	}
	return nil
}

func (r *productRepository) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// orderProducts раскладывает товары в порядке ids, пропуская отсутствующие.
func orderProducts(ids []string, products []domain.Product) []domain.Product {
	idx := domain.IndexProducts(products)
	result := make([]domain.Product, 0, len(products))
	for _, id := range ids {
		if p, ok := idx[id]; ok {
			result = append(result, p)
		}
	}
	return result
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

func aggregateLines(lines []domain.LineRequest) ([]string, map[string]int) {
	ids := make([]string, 0, len(lines))
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if _, ok := requested[line.ProductID]; !ok {
			ids = append(ids, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}
	return ids, requested
}

var _ domain.ProductRepository = (*productRepository)(nil)
