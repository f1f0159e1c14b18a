package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// AggregateTypeOrder — тип агрегата для событий заказа в outbox.
	AggregateTypeOrder = "order"

	// EventTypeOrderCreated публикуется после успешной фиксации заказа.
	EventTypeOrderCreated = "order.created"
	// EventTypeOrderRejected публикуется, когда команда на создание заказа отклонена.
	EventTypeOrderRejected = "order.rejected"
)

type OrderCreatedItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderCreatedEvent описывает payload события order.created.
type OrderCreatedEvent struct {
	OrderID    string             `json:"order_id"`
	CustomerID string             `json:"customer_id"`
	Items      []OrderCreatedItem `json:"items"`
	Total      decimal.Decimal    `json:"total"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewOrderCreatedEvent строит payload события из созданного заказа.
func NewOrderCreatedEvent(order Order) OrderCreatedEvent {
	items := make([]OrderCreatedItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderCreatedItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return OrderCreatedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Items:      items,
		Total:      order.Total,
		CreatedAt:  order.CreatedAt,
	}
}

// OrderRejectedEvent — payload события order.rejected.
type OrderRejectedEvent struct {
	CommandID  string    `json:"command_id"`
	CustomerID string    `json:"customer_id"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message"`
	RejectedAt time.Time `json:"rejected_at"`
}
