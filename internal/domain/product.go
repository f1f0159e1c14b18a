package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product — товар каталога с текущим остатком.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	// Quantity — доступный остаток; после успешного списания не бывает отрицательным.
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Customer — клиент магазина. В сценарии создания заказа только читается.
type Customer struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// IndexProducts строит индекс товаров по идентификатору.
func IndexProducts(products []Product) map[string]Product {
	idx := make(map[string]Product, len(products))
	for _, p := range products {
		idx[p.ID] = p
	}
	return idx
}

// MissingIDs возвращает идентификаторы из ids, которых нет в индексе.
func MissingIDs(ids []string, idx map[string]Product) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// CheckStock сравнивает каждую позицию с остатком и собирает все нехватки сразу.
// Позиции без товара в индексе пропускаются: их отсутствие проверяется отдельно.
func CheckStock(lines []LineRequest, idx map[string]Product) error {
	var shortages []StockShortage
	for _, line := range lines {
		p, ok := idx[line.ProductID]
		if !ok {
			continue
		}
		if line.Quantity > p.Quantity {
			shortages = append(shortages, StockShortage{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: p.Quantity,
			})
		}
	}
	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages}
	}
	return nil
}
