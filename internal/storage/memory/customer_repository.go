package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type customerRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Customer
}

// NewCustomerRepository возвращает in-memory репозиторий клиентов.
func NewCustomerRepository() *customerRepositoryInMemory {
	return &customerRepositoryInMemory{items: make(map[string]domain.Customer)}
}

// Create сохраняет клиента, если ID ещё не занят.
func (r *customerRepositoryInMemory) Create(_ context.Context, customer domain.Customer) error {
	customer.ID = strings.TrimSpace(customer.ID)
	if customer.ID == "" {
		return domain.ErrCustomerRequired
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[customer.ID]; exists {
		return domain.ErrCustomerExists
	}
	r.items[customer.ID] = customer
	return nil
}

// FindByID возвращает клиента или NotFoundError(customer).
func (r *customerRepositoryInMemory) FindByID(_ context.Context, id string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.NewNotFoundError(domain.EntityCustomer, id)
	}
	return customer, nil
}

var _ domain.CustomerRepository = (*customerRepositoryInMemory)(nil)
