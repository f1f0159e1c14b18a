package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CustomerRepository — поиск клиентов.
type CustomerRepository interface {
	// Create сохраняет клиента (используется для наполнения каталога и в тестах).
	Create(ctx context.Context, customer Customer) error
	// FindByID возвращает клиента или NotFoundError(customer).
	FindByID(ctx context.Context, id string) (Customer, error)
}

// ProductRepository описывает хранилище товаров и остатков.
type ProductRepository interface {
	Create(ctx context.Context, product Product) error
	FindByName(ctx context.Context, name string) (Product, error)
	// FindByIDs возвращает только существующие товары, неизвестные идентификаторы молча пропускаются.
	FindByIDs(ctx context.Context, ids []string) ([]Product, error)
	// DecrementQuantities перечитывает остатки, уменьшает их на запрошенное количество
	// и сохраняет одной операцией. Отрицательный результат отклоняется InsufficientStockError.
	DecrementQuantities(ctx context.Context, lines []LineRequest) ([]Product, error)
	UpdatePrice(ctx context.Context, id string, price decimal.Decimal) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с позициями. Возвращает ErrOrderExists при повторе ID.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или NotFoundError(order).
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми; limit <= 0 — без ограничения.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error
	// Release удаляет незавершённую запись, чтобы запрос можно было повторить после временной ошибки.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// TxRepositories — репозитории, работающие внутри одной единицы работы.
type TxRepositories struct {
	Orders   OrderRepository
	Products ProductRepository
	Outbox   OutboxRepository
}

// UnitOfWork выполняет fn атомарно: любая ошибка откатывает все изменения.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
