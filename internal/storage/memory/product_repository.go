package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// productRepositoryInMemory хранит каталог и остатки в памяти.
// Проверка и списание остатков выполняются под одной блокировкой.
type productRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
	now   func() time.Time
}

// NewProductRepository возвращает in-memory репозиторий товаров.
func NewProductRepository() *productRepositoryInMemory {
	return &productRepositoryInMemory{
		items: make(map[string]domain.Product),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create добавляет товар в каталог.
func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) error {
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

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[product.ID]; exists {
		return domain.ErrProductExists
	}
	now := r.now()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	r.items[product.ID] = product
	return nil
}

// FindByName ищет товар по имени; уникальность имени на этом уровне не гарантируется,
// поэтому возвращается первый созданный.
func (r *productRepositoryInMemory) FindByName(_ context.Context, name string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found domain.Product
		ok    bool
	)
	for _, p := range r.items {
		if p.Name != name {
			continue
		}
		if !ok || p.CreatedAt.Before(found.CreatedAt) || (p.CreatedAt.Equal(found.CreatedAt) && p.ID < found.ID) {
			found, ok = p, true
		}
	}
	if !ok {
		return domain.Product{}, domain.NewNotFoundError(domain.EntityProduct, name)
	}
	return found, nil
}

// FindByIDs возвращает найденные товары в порядке запроса, пропуская неизвестные и повторные ID.
func (r *productRepositoryInMemory) FindByIDs(_ context.Context, ids []string) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := r.items[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

// DecrementQuantities атомарно уменьшает остатки. Если хотя бы один товар не найден
// или остаток ушёл бы в минус, ничего не меняется.
func (r *productRepositoryInMemory) DecrementQuantities(_ context.Context, lines []domain.LineRequest) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.decrementLocked(lines)
}

func (r *productRepositoryInMemory) decrementLocked(lines []domain.LineRequest) ([]domain.Product, error) {
	order, requested := aggregateLines(lines)

	current := make(map[string]domain.Product, len(order))
	var missing []string
	for _, id := range order {
		p, ok := r.items[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		current[id] = p
	}
	if len(missing) > 0 {
		return nil, domain.NewNotFoundError(domain.EntityProduct, missing...)
	}

	var shortages []domain.StockShortage
	for _, id := range order {
		if next := current[id].Quantity - requested[id]; next < 0 {
			shortages = append(shortages, domain.StockShortage{
				ProductID: id,
				Requested: requested[id],
				Available: current[id].Quantity,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	now := r.now()
	updated := make([]domain.Product, 0, len(order))
	for _, id := range order {
		p := current[id]
		p.Quantity -= requested[id]
		p.UpdatedAt = now
		r.items[id] = p
		updated = append(updated, p)
	}
	return updated, nil
}

// restock возвращает списанные остатки при откате единицы работы.
func (r *productRepositoryInMemory) restock(lines []domain.LineRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, line := range lines {
		p, ok := r.items[line.ProductID]
		if !ok {
			continue
		}
		p.Quantity += line.Quantity
		p.UpdatedAt = now
		r.items[line.ProductID] = p
	}
}

// UpdatePrice меняет цену товара; на уже созданные заказы это не влияет.
func (r *productRepositoryInMemory) UpdatePrice(_ context.Context, id string, price decimal.Decimal) error {
	if price.IsNegative() {
		return domain.ErrItemPriceInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[id]
	if !ok {
		return domain.NewNotFoundError(domain.EntityProduct, id)
	}
	p.Price = price
	p.UpdatedAt = r.now()
	r.items[id] = p
	return nil
}

// aggregateLines суммирует количество по товару и сохраняет порядок первого упоминания.
func aggregateLines(lines []domain.LineRequest) ([]string, map[string]int) {
	order := make([]string, 0, len(lines))
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if _, ok := requested[line.ProductID]; !ok {
			order = append(order, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}
	return order, requested
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
