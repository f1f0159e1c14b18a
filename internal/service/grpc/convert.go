package grpcsvc

import (
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func toLines(items []LineItem) []domain.LineRequest {
	lines := make([]domain.LineRequest, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.LineRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func toAPIOrder(order domain.Order) *Order {
	items := make([]OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return &Order{
		ID:         order.ID,
		CustomerID: order.CustomerID,
		Items:      items,
		Total:      order.Total,
		CreatedAt:  order.CreatedAt,
	}
}

func shortageDescription(s domain.StockShortage) string {
	return fmt.Sprintf("requested %d, available %d", s.Requested, s.Available)
}
