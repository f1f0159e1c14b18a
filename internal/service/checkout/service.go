// Package checkout реализует создание заказа: проверку клиента, товаров и остатков,
// фиксацию цен и атомарное сохранение заказа вместе со списанием остатков.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const defaultListLimit = 50

// Service выполняет сценарии создания и чтения заказов.
type Service struct {
	customers domain.CustomerRepository
	products  domain.ProductRepository
	orders    domain.OrderRepository
	uow       domain.UnitOfWork

	metrics *metrics.CheckoutMetrics
	logger  *log.Entry
	now     func() time.Time
	newID   func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает запись метрик.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов и позиций.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService создаёт сервис заказов. Все зависимости обязательны.
func NewService(
	customers domain.CustomerRepository,
	products domain.ProductRepository,
	orders domain.OrderRepository,
	uow domain.UnitOfWork,
	opts ...Option,
) *Service {
	s := &Service{
		customers: customers,
		products:  products,
		orders:    orders,
		uow:       uow,
		logger:    log.New().WithField("component", "checkout"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder проверяет запрос и создаёт заказ.
//
// Шаги 1-4 только читают: клиент, товары одним запросом, полная проверка остатков,
// фиксация цен. Затем в одной единице работы сохраняется заказ, списываются остатки
// (с повторной проверкой под блокировкой) и ставится событие order.created в outbox.
// Любая ошибка на этом этапе откатывает всё.
func (s *Service) CreateOrder(ctx context.Context, customerID string, lines []domain.LineRequest) (order domain.Order, err error) {
	start := s.now()
	if s.metrics != nil {
		s.metrics.RecordStarted()
	}
	logger := s.logger.WithField("customer_id", customerID)
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordFinished(s.now().Sub(start))
		}
		s.recordOutcome(logger, order, err)
	}()

	if err := domain.ValidateLines(customerID, lines); err != nil {
		return domain.Order{}, err
	}

	if _, err := s.customers.FindByID(ctx, customerID); err != nil {
		if domain.IsNotFound(err, "") {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("find customer: %w", err)
	}

	ids := domain.ProductIDs(lines)
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, fmt.Errorf("find products: %w", err)
	}
	idx := domain.IndexProducts(products)
	if missing := domain.MissingIDs(ids, idx); len(missing) > 0 {
		return domain.Order{}, domain.NewNotFoundError(domain.EntityProduct, missing...)
	}

	if err := domain.CheckStock(lines, idx); err != nil {
		return domain.Order{}, err
	}

	draft := s.buildOrder(customerID, lines, idx)
	payload, err := json.Marshal(domain.NewOrderCreatedEvent(draft))
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal order event: %w", err)
	}

	err = s.uow.Do(ctx, func(ctx context.Context, repos domain.TxRepositories) error {
		// Остатки блокируются до вставки позиций: FK order_items -> products
		// берёт KEY SHARE на строки товаров.
		if _, err := repos.Products.DecrementQuantities(ctx, lines); err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if err := repos.Orders.Create(ctx, draft); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if _, err := repos.Outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateTypeOrder,
			AggregateID:   draft.ID,
			EventType:     domain.EventTypeOrderCreated,
			Payload:       payload,
		}); err != nil {
			return fmt.Errorf("enqueue order event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	return draft, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, &domain.InvalidRequestError{Problems: []error{domain.ErrOrderIDRequired}}
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if domain.IsNotFound(err, "") {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// ListOrders возвращает последние заказы клиента.
func (s *Service) ListOrders(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if customerID == "" {
		return nil, &domain.InvalidRequestError{Problems: []error{domain.ErrCustomerRequired}}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// buildOrder фиксирует цену каждой позиции по данным, прочитанным при проверке.
func (s *Service) buildOrder(customerID string, lines []domain.LineRequest, idx map[string]domain.Product) domain.Order {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.OrderItem{
			ID:        s.newID(),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     idx[line.ProductID].Price,
		})
	}
	return domain.Order{
		ID:         s.newID(),
		CustomerID: customerID,
		Items:      items,
		Total:      domain.CalculateTotal(items),
		CreatedAt:  s.now(),
	}
}

func (s *Service) recordOutcome(logger *log.Entry, order domain.Order, err error) {
	if err == nil {
		units := 0
		for _, item := range order.Items {
			units += item.Quantity
		}
		if s.metrics != nil {
			s.metrics.RecordCreated(units)
		}
		logger.WithFields(log.Fields{
			"order_id": order.ID,
			"items":    len(order.Items),
			"total":    order.Total.StringFixed(2),
		}).Info("order created")
		return
	}

	reason := domain.RejectReason(err)
	if s.metrics != nil {
		s.metrics.RecordRejected(reason)
	}
	entry := logger.WithError(err).WithField("reason", reason)
	if reason == domain.RejectReasonInternal {
		entry.Error("order creation failed")
		return
	}
	entry.Info("order rejected")
}
