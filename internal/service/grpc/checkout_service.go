package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
)

const (
	// IdempotencyKeyHeader — metadata с ключом идемпотентности CreateOrder.
	IdempotencyKeyHeader = "idempotency-key"

	maxListPageSize = 500
)

// Orders — сценарии, которые обслуживает Checkout API.
type Orders interface {
	CreateOrder(ctx context.Context, customerID string, lines []domain.LineRequest) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
}

// CheckoutService реализует CheckoutServer поверх сценария создания заказа.
type CheckoutService struct {
	UnimplementedCheckoutServer

	orders Orders
	guard  *idempotency.Guard
	logger *log.Entry
}

// NewCheckoutService создаёт gRPC-сервис. guard может быть nil: тогда ключ идемпотентности игнорируется.
func NewCheckoutService(orders Orders, guard *idempotency.Guard, logger *log.Entry) *CheckoutService {
	if logger == nil {
		logger = log.WithField("component", "checkout-grpc")
	}
	return &CheckoutService{orders: orders, guard: guard, logger: logger}
}

// CreateOrder создаёт заказ. Повтор с тем же idempotency-key возвращает сохранённый ответ;
// сохранённый отказ воспроизводится с тем же кодом, сообщением и деталями.
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hash, err := idempotency.HashRequest(MethodCreateOrder, req)
	if err != nil {
		s.logger.WithError(err).Warn("failed to build idempotency request hash")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	outcome, err := s.guard.Execute(ctx, readIdempotencyKey(ctx), hash, classifyFailure, func(ctx context.Context) ([]byte, error) {
		order, err := s.orders.CreateOrder(ctx, req.CustomerID, toLines(req.Items))
		if err != nil {
			return nil, err
		}
		return json.Marshal(CreateOrderResponse{Order: toAPIOrder(order)})
	})
	if err != nil {
		return nil, s.toStatus(err, "CreateOrder")
	}
	if outcome.Failure != nil {
		return nil, s.replayedStatus(outcome.Failure).Err()
	}

	resp := new(CreateOrderResponse)
	if err := json.Unmarshal(outcome.Body, resp); err != nil {
		s.logger.WithError(err).Warn("failed to decode order response")
		return nil, status.Error(codes.Internal, "failed to decode order response")
	}
	return resp, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *CheckoutService) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.toStatus(err, "GetOrder")
	}
	return &GetOrderResponse{Order: toAPIOrder(order)}, nil
}

// ListOrders возвращает заказы клиента, новые первыми.
func (s *CheckoutService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if req == nil || strings.TrimSpace(req.CustomerID) == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	if req.PageSize < 0 || req.PageSize > maxListPageSize {
		return nil, status.Errorf(codes.InvalidArgument, "page_size must be between 0 and %d", maxListPageSize)
	}

	orders, err := s.orders.ListOrders(ctx, req.CustomerID, req.PageSize)
	if err != nil {
		return nil, s.toStatus(err, "ListOrders")
	}

	result := make([]*Order, 0, len(orders))
	for _, order := range orders {
		result = append(result, toAPIOrder(order))
	}
	return &ListOrdersResponse{Orders: result}, nil
}

// toStatus переводит доменную ошибку в gRPC status.
// Инфраструктурные ошибки скрываются за Internal и логируются.
func (s *CheckoutService) toStatus(err error, operation string) error {
	if st := statusFromError(err); st != nil {
		return st.Err()
	}

	s.logger.WithError(err).WithField("operation", operation).Error("request failed")
	return status.Error(codes.Internal, "internal error")
}

// statusFromError возвращает status для известных ошибок или nil.
func statusFromError(err error) *status.Status {
	var (
		notFound *domain.NotFoundError
		stock    *domain.InsufficientStockError
		invalid  *domain.InvalidRequestError
	)

	switch {
	case errors.As(err, &invalid):
		violations := make([]*errdetails.BadRequest_FieldViolation, 0, len(invalid.Problems))
		for _, problem := range invalid.Problems {
			violations = append(violations, &errdetails.BadRequest_FieldViolation{
				Field:       fieldOf(problem),
				Description: problem.Error(),
			})
		}
		return withDetails(status.New(codes.InvalidArgument, err.Error()), &errdetails.BadRequest{FieldViolations: violations})
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.As(err, &notFound):
		return withDetails(status.New(codes.NotFound, err.Error()), &errdetails.ResourceInfo{
			ResourceType: notFound.Entity,
			ResourceName: strings.Join(notFound.IDs, ","),
			Description:  err.Error(),
		})
	case errors.As(err, &stock):
		violations := make([]*errdetails.PreconditionFailure_Violation, 0, len(stock.Shortages))
		for _, shortage := range stock.Shortages {
			violations = append(violations, &errdetails.PreconditionFailure_Violation{
				Type:        "STOCK",
				Subject:     shortage.ProductID,
				Description: shortageDescription(shortage),
			})
		}
		return withDetails(status.New(codes.FailedPrecondition, err.Error()), &errdetails.PreconditionFailure{Violations: violations})
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return status.New(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		return status.New(codes.Aborted, "request with the same idempotency key is already processing")
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return nil
	}
}

// classifyFailure сохраняет только ошибки клиента: повтор временной ошибки должен выполнить запрос заново.
func classifyFailure(err error) (idempotency.Failure, bool) {
	if !domain.IsUserError(err) {
		return idempotency.Failure{}, false
	}
	st := statusFromError(err)
	if st == nil {
		return idempotency.Failure{}, false
	}
	failure := idempotency.Failure{Code: int(st.Code()), Message: st.Message()}
	if encoded, err := proto.Marshal(st.Proto()); err == nil {
		failure.Details = encoded
	}
	return failure, true
}

// replayedStatus восстанавливает сохранённый отказ. Записи без деталей
// воспроизводятся только кодом и сообщением.
func (s *CheckoutService) replayedStatus(failure *idempotency.Failure) *status.Status {
	fallback := status.New(codes.Code(uint32(failure.Code)), failure.Message)
	if len(failure.Details) == 0 {
		return fallback
	}
	stored := new(spb.Status)
	if err := proto.Unmarshal(failure.Details, stored); err != nil {
		s.logger.WithError(err).Warn("failed to decode stored failure details")
		return fallback
	}
	return status.FromProto(stored)
}

func withDetails(st *status.Status, details ...protoadapt.MessageV1) *status.Status {
	detailed, err := st.WithDetails(details...)
	if err != nil {
		return st
	}
	return detailed
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(IdempotencyKeyHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func fieldOf(problem error) string {
	switch {
	case errors.Is(problem, domain.ErrCustomerRequired):
		return "customer_id"
	case errors.Is(problem, domain.ErrItemsRequired):
		return "items"
	case errors.Is(problem, domain.ErrItemQtyInvalid):
		return "items.quantity"
	case errors.Is(problem, domain.ErrProductIDRequired), errors.Is(problem, domain.ErrDuplicateProduct):
		return "items.product_id"
	case errors.Is(problem, domain.ErrOrderIDRequired):
		return "order_id"
	default:
		return ""
	}
}
