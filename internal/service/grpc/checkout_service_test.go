package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

const bufSize = 1024 * 1024

type testEnv struct {
	store  *memory.Store
	client *grpcsvc.CheckoutClient
}

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), grpcsvc.IdempotencyKeyHeader, key)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

// newTestEnv поднимает сервер на bufconn с клиентом C и товарами A(3.0, 10), B(7.5, 1).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Customers().Create(ctx, domain.Customer{ID: "C", Name: "Customer"}))
	require.NoError(t, store.Products().Create(ctx, domain.Product{ID: "A", Name: "A", Price: decimal.RequireFromString("3.0"), Quantity: 10}))
	require.NoError(t, store.Products().Create(ctx, domain.Product{ID: "B", Name: "B", Price: decimal.RequireFromString("7.5"), Quantity: 1}))

	logger := loggerForTests()
	svc := checkout.NewService(store.Customers(), store.Products(), store.Orders(), store,
		checkout.WithLogger(logger),
		checkout.WithMetrics(metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())))
	guard := idempotency.NewGuard(store.Idempotency(), idempotency.WithGuardLogger(logger))

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterCheckoutServer(server, grpcsvc.NewCheckoutService(svc, guard, logger))
	go func() {
		_ = server.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})

	return &testEnv{store: store, client: grpcsvc.NewCheckoutClient(conn)}
}

func (e *testEnv) stock(t *testing.T, id string) int {
	t.Helper()
	products, err := e.store.Products().FindByIDs(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, products, 1)
	return products[0].Quantity
}

func TestCreateOrder_Success(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.client.CreateOrder(context.Background(), &grpcsvc.CreateOrderRequest{
		CustomerID: "C",
		Items:      []grpcsvc.LineItem{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Order)
	require.NotEmpty(t, resp.Order.ID)
	require.Len(t, resp.Order.Items, 2)
	require.True(t, resp.Order.Total.Equal(decimal.RequireFromString("13.5")))
	require.True(t, resp.Order.Items[1].Price.Equal(decimal.RequireFromString("7.5")))

	require.Equal(t, 8, env.stock(t, "A"))
	require.Equal(t, 0, env.stock(t, "B"))

	got, err := env.client.GetOrder(context.Background(), &grpcsvc.GetOrderRequest{OrderID: resp.Order.ID})
	require.NoError(t, err)
	require.Equal(t, resp.Order.ID, got.Order.ID)
	require.True(t, got.Order.Total.Equal(resp.Order.Total))

	list, err := env.client.ListOrders(context.Background(), &grpcsvc.ListOrdersRequest{CustomerID: "C"})
	require.NoError(t, err)
	require.Len(t, list.Orders, 1)
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.CreateOrder(context.Background(), &grpcsvc.CreateOrderRequest{
		CustomerID: "C",
		Items:      []grpcsvc.LineItem{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 2}},
	})
	st := status.Convert(err)
	require.Equal(t, codes.FailedPrecondition, st.Code())

	var failure *errdetails.PreconditionFailure
	for _, detail := range st.Details() {
		if pf, ok := detail.(*errdetails.PreconditionFailure); ok {
			failure = pf
		}
	}
	require.NotNil(t, failure)
	require.Len(t, failure.GetViolations(), 1)
	require.Equal(t, "B", failure.GetViolations()[0].GetSubject())

	require.Equal(t, 10, env.stock(t, "A"))
	require.Equal(t, 1, env.stock(t, "B"))
}

func TestCreateOrder_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.CreateOrder(context.Background(), &grpcsvc.CreateOrderRequest{
		CustomerID: "missing",
		Items:      []grpcsvc.LineItem{{ProductID: "A", Quantity: 1}},
	})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.CreateOrder(context.Background(), &grpcsvc.CreateOrderRequest{
		CustomerID: "C",
		Items:      []grpcsvc.LineItem{{ProductID: "Z", Quantity: 1}},
	})
	st := status.Convert(err)
	require.Equal(t, codes.NotFound, st.Code())
	require.NotEmpty(t, st.Details())
	info, ok := st.Details()[0].(*errdetails.ResourceInfo)
	require.True(t, ok)
	require.Equal(t, domain.EntityProduct, info.GetResourceType())
	require.Equal(t, "Z", info.GetResourceName())
}

func TestCreateOrder_InvalidArgument(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.CreateOrder(context.Background(), &grpcsvc.CreateOrderRequest{
		CustomerID: "C",
		Items:      []grpcsvc.LineItem{{ProductID: "A", Quantity: 1}, {ProductID: "A", Quantity: 0}},
	})
	st := status.Convert(err)
	require.Equal(t, codes.InvalidArgument, st.Code())

	badRequest, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	require.Len(t, badRequest.GetFieldViolations(), 2)

	_, err = env.client.GetOrder(context.Background(), &grpcsvc.GetOrderRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.ListOrders(context.Background(), &grpcsvc.ListOrdersRequest{CustomerID: "C", PageSize: -1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetOrder_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.GetOrder(context.Background(), &grpcsvc.GetOrderRequest{OrderID: "nope"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	req := &grpcsvc.CreateOrderRequest{CustomerID: "C", Items: []grpcsvc.LineItem{{ProductID: "A", Quantity: 2}}}

	first, err := env.client.CreateOrder(idemCtx("key-1"), req)
	require.NoError(t, err)
	second, err := env.client.CreateOrder(idemCtx("key-1"), req)
	require.NoError(t, err)

	require.Equal(t, first.Order.ID, second.Order.ID)
	require.Equal(t, 8, env.stock(t, "A"))

	orders, err := env.store.Orders().ListByCustomer(context.Background(), "C", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	_, err = env.client.CreateOrder(idemCtx("key-1"), &grpcsvc.CreateOrderRequest{
		CustomerID: "C",
		Items:      []grpcsvc.LineItem{{ProductID: "A", Quantity: 3}},
	})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestCreateOrder_IdempotentFailureReplay(t *testing.T) {
	env := newTestEnv(t)
	req := &grpcsvc.CreateOrderRequest{CustomerID: "C", Items: []grpcsvc.LineItem{{ProductID: "B", Quantity: 5}}}

	_, err := env.client.CreateOrder(idemCtx("key-2"), req)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	replayed, err := env.client.CreateOrder(idemCtx("key-2"), req)
	require.Nil(t, replayed)
	st := status.Convert(err)
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Len(t, st.Details(), 1)
	failure, ok := st.Details()[0].(*errdetails.PreconditionFailure)
	require.True(t, ok)
	require.Equal(t, "B", failure.GetViolations()[0].GetSubject())

	record, err := env.store.Idempotency().Get(context.Background(), "key-2")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	require.Equal(t, int(codes.FailedPrecondition), record.StatusCode)
}

func TestCreateOrder_WithoutKeyIsNotDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	req := &grpcsvc.CreateOrderRequest{CustomerID: "C", Items: []grpcsvc.LineItem{{ProductID: "A", Quantity: 1}}}

	first, err := env.client.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := env.client.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	require.NotEqual(t, first.Order.ID, second.Order.ID)
	require.Equal(t, 8, env.stock(t, "A"))
}
