package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// helper для создания базового заказа с двумя позициями.
func makeOrder() domain.Order {
	items := []domain.OrderItem{
		{ID: "item-1", ProductID: "product-a", Quantity: 2, Price: decimal.RequireFromString("3.00")},
		{ID: "item-2", ProductID: "product-b", Quantity: 1, Price: decimal.RequireFromString("7.50")},
	}
	return domain.Order{
		ID:         "order-1",
		CustomerID: "customer-1",
		Items:      items,
		Total:      decimal.RequireFromString("13.50"),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no customer",
			mut:  func(o *domain.Order) { o.CustomerID = "" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "no items",
			mut: func(o *domain.Order) {
				o.Items = nil
				o.Total = decimal.Zero
			},
			want: domain.ErrItemsRequired,
		},
		{
			name: "qty invalid",
			mut:  func(o *domain.Order) { o.Items[0].Quantity = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "price invalid",
			mut:  func(o *domain.Order) { o.Items[1].Price = decimal.NewFromInt(-1) },
			want: domain.ErrItemPriceInvalid,
		},
		{
			name: "total mismatch",
			mut:  func(o *domain.Order) { o.Total = decimal.NewFromInt(999) },
			want: domain.ErrTotalMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			if !errors.Is(errors.Join(errs...), tc.want) {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestCalculateTotal(t *testing.T) {
	order := makeOrder()
	got := domain.CalculateTotal(order.Items)
	if !got.Equal(decimal.RequireFromString("13.5")) {
		t.Fatalf("unexpected total: %s", got)
	}
}

func TestValidateLines(t *testing.T) {
	tests := []struct {
		name       string
		customerID string
		lines      []domain.LineRequest
		want       []error
	}{
		{
			name:       "valid",
			customerID: "c-1",
			lines:      []domain.LineRequest{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 2}},
		},
		{
			name:       "empty customer and items",
			customerID: "",
			lines:      nil,
			want:       []error{domain.ErrCustomerRequired, domain.ErrItemsRequired},
		},
		{
			name:       "duplicate product",
			customerID: "c-1",
			lines:      []domain.LineRequest{{ProductID: "a", Quantity: 1}, {ProductID: "a", Quantity: 4}},
			want:       []error{domain.ErrDuplicateProduct},
		},
		{
			name:       "bad quantity and empty product",
			customerID: "c-1",
			lines:      []domain.LineRequest{{ProductID: "", Quantity: 1}, {ProductID: "b", Quantity: -1}},
			want:       []error{domain.ErrProductIDRequired, domain.ErrItemQtyInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := domain.ValidateLines(tt.customerID, tt.lines)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Errorf("expected %v in %v", want, err)
				}
			}
		})
	}
}
