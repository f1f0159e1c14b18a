package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Store объединяет in-memory репозитории и реализует UnitOfWork.
// Единицы работы выполняются последовательно; при ошибке изменения откатываются
// в обратном порядке.
type Store struct {
	customers   *customerRepositoryInMemory
	products    *productRepositoryInMemory
	orders      *orderRepositoryInMemory
	outbox      *outboxRepositoryInMemory
	idempotency *idempotencyRepositoryInMemory

	txMu sync.Mutex
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		customers:   NewCustomerRepository(),
		products:    NewProductRepository(),
		orders:      NewOrderRepository(),
		outbox:      NewOutboxRepository(),
		idempotency: NewIdempotencyRepository(),
	}
}

func (s *Store) Customers() domain.CustomerRepository      { return s.customers }
func (s *Store) Products() domain.ProductRepository        { return s.products }
func (s *Store) Orders() domain.OrderRepository            { return s.orders }
func (s *Store) Outbox() domain.OutboxRepository           { return s.outbox }
func (s *Store) Idempotency() domain.IdempotencyRepository { return s.idempotency }

// PendingOutbox возвращает неотправленные сообщения (для тестов).
func (s *Store) PendingOutbox() []domain.OutboxMessage {
	return s.outbox.AllPending()
}

// Do выполняет fn как одну единицу работы.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, repos domain.TxRepositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{}
	repos := domain.TxRepositories{
		Orders:   &txOrders{orderRepositoryInMemory: s.orders, tx: tx},
		Products: &txProducts{productRepositoryInMemory: s.products, tx: tx},
		Outbox:   &txOutbox{outboxRepositoryInMemory: s.outbox, tx: tx},
	}

	if err := fn(ctx, repos); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memoryTx копит компенсирующие действия.
type memoryTx struct {
	undo []func()
}

func (t *memoryTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

type txOrders struct {
	*orderRepositoryInMemory
	tx *memoryTx
}

func (r *txOrders) Create(ctx context.Context, order domain.Order) error {
	if err := r.orderRepositoryInMemory.Create(ctx, order); err != nil {
		return err
	}
	r.tx.onRollback(func() { r.orderRepositoryInMemory.delete(order.ID) })
	return nil
}

type txProducts struct {
	*productRepositoryInMemory
	tx *memoryTx
}

func (r *txProducts) DecrementQuantities(ctx context.Context, lines []domain.LineRequest) ([]domain.Product, error) {
	updated, err := r.productRepositoryInMemory.DecrementQuantities(ctx, lines)
	if err != nil {
		return nil, err
	}
	applied := append([]domain.LineRequest(nil), lines...)
	r.tx.onRollback(func() { r.productRepositoryInMemory.restock(applied) })
	return updated, nil
}

type txOutbox struct {
	*outboxRepositoryInMemory
	tx *memoryTx
}

func (r *txOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	saved, err := r.outboxRepositoryInMemory.Enqueue(ctx, msg)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	r.tx.onRollback(func() { r.outboxRepositoryInMemory.remove(saved.ID) })
	return saved, nil
}

var _ domain.UnitOfWork = (*Store)(nil)
