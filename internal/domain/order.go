package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineRequest — одна запрошенная позиция: товар и количество.
type LineRequest struct {
	ProductID string
	Quantity  int
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID        string
	ProductID string
	Quantity  int
	// Price — цена за единицу, зафиксированная в момент создания заказа.
	Price decimal.Decimal
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order агрегирует заказ клиента и его позиции.
type Order struct {
	ID         string
	CustomerID string
	Items      []OrderItem
	Total      decimal.Decimal
	CreatedAt  time.Time
}

// CalculateTotal суммирует стоимость позиций.
func CalculateTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	if !o.Total.Equal(CalculateTotal(o.Items)) {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

// ValidateLines проверяет входной список позиций до обращения к хранилищам.
// Повторяющийся товар отклоняется, а не суммируется.
func ValidateLines(customerID string, lines []LineRequest) error {
	var problems []error

	if customerID == "" {
		problems = append(problems, ErrCustomerRequired)
	}
	if len(lines) == 0 {
		problems = append(problems, ErrItemsRequired)
	}

	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			problems = append(problems, ErrProductIDRequired)
		} else {
			if _, dup := seen[line.ProductID]; dup {
				problems = append(problems, ErrDuplicateProduct)
			}
			seen[line.ProductID] = struct{}{}
		}
		if line.Quantity <= 0 {
			problems = append(problems, ErrItemQtyInvalid)
		}
	}

	if len(problems) > 0 {
		return &InvalidRequestError{Problems: problems}
	}
	return nil
}

// ProductIDs возвращает идентификаторы товаров в порядке запроса.
func ProductIDs(lines []LineRequest) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
