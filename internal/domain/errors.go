package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Названия сущностей, используемые в NotFoundError.
const (
	EntityCustomer = "customer"
	EntityProduct  = "product"
	EntityOrder    = "order"
)

var (
	// ErrNotFound — базовая ошибка отсутствующей сущности; NotFoundError сводится к ней через errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock — базовая ошибка нехватки остатка.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidRequest — базовая ошибка некорректного запроса на создание заказа.
	ErrInvalidRequest = errors.New("invalid order request")

	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrProductIDRequired = errors.New("product_id is required")
	// ErrDuplicateProduct — один и тот же товар указан в запросе несколько раз.
	ErrDuplicateProduct = errors.New("duplicate product_id in request")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrTotalMismatch = errors.New("order total does not match items sum")

	// ErrOrderExists возвращается при повторной вставке заказа с тем же ID.
	ErrOrderExists = errors.New("order already exists")
	// ErrProductExists возвращается при повторной вставке товара с тем же ID.
	ErrProductExists = errors.New("product already exists")
	// ErrCustomerExists возвращается при повторной вставке клиента с тем же ID.
	ErrCustomerExists = errors.New("customer already exists")

	// ErrOutboxMessageNotFound возвращается при попытке отметить несуществующее сообщение.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// NotFoundError сообщает, что сущность (клиент, товар, заказ) не найдена.
type NotFoundError struct {
	Entity string
	IDs    []string
}

// NewNotFoundError создаёт ошибку отсутствия сущности с перечнем идентификаторов.
func NewNotFoundError(entity string, ids ...string) *NotFoundError {
	return &NotFoundError{Entity: entity, IDs: append([]string(nil), ids...)}
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Entity, strings.Join(e.IDs, ", "))
}

// Is позволяет проверять ошибку через errors.Is(err, ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound проверяет, что ошибка — NotFoundError для указанной сущности.
// Пустая entity совпадает с любой сущностью.
func IsNotFound(err error, entity string) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return entity == "" || nf.Entity == entity
}

// StockShortage описывает нехватку по одной позиции.
type StockShortage struct {
	ProductID string
	Requested int
	Available int
}

// InsufficientStockError содержит все позиции, по которым не хватает остатка.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// Is позволяет проверять ошибку через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidRequestError объединяет все замечания к входному запросу.
type InvalidRequestError struct {
	Problems []error
}

func (e *InvalidRequestError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "invalid order request: " + strings.Join(parts, "; ")
}

// Is позволяет проверять ошибку через errors.Is(err, ErrInvalidRequest).
func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Unwrap открывает доступ к отдельным замечаниям (errors.Is(err, ErrDuplicateProduct)).
func (e *InvalidRequestError) Unwrap() []error {
	return e.Problems
}

// IsUserError отделяет ошибки клиента от инфраструктурных.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidRequest)
}

// Причины отказа для метрик и событий order.rejected.
const (
	RejectReasonCustomerNotFound  = "customer_not_found"
	RejectReasonProductNotFound   = "product_not_found"
	RejectReasonInsufficientStock = "insufficient_stock"
	RejectReasonInvalidRequest    = "invalid_request"
	RejectReasonInternal          = "internal"
)

// RejectReason классифицирует ошибку создания заказа.
func RejectReason(err error) string {
	switch {
	case IsNotFound(err, EntityCustomer):
		return RejectReasonCustomerNotFound
	case IsNotFound(err, EntityProduct):
		return RejectReasonProductNotFound
	case errors.Is(err, ErrInsufficientStock):
		return RejectReasonInsufficientStock
	case errors.Is(err, ErrInvalidRequest):
		return RejectReasonInvalidRequest
	default:
		return RejectReasonInternal
	}
}
