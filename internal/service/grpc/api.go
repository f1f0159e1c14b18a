package grpcsvc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Имя сервиса и полные имена методов Checkout API.
const (
	ServiceName = "checkout.v1.Checkout"

	MethodCreateOrder = "/checkout.v1.Checkout/CreateOrder"
	MethodGetOrder    = "/checkout.v1.Checkout/GetOrder"
	MethodListOrders  = "/checkout.v1.Checkout/ListOrders"
)

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items"`
}

// OrderItem хранит цену, зафиксированную при создании заказа.
type OrderItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Order — представление заказа в API.
type Order struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Items      []OrderItem     `json:"items"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CreateOrderResponse struct {
	Order *Order `json:"order"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GetOrderResponse struct {
	Order *Order `json:"order"`
}

// GetOrderID безопасен для nil-ответа.
func (r *CreateOrderResponse) GetOrderID() string {
	if r == nil || r.Order == nil {
		return ""
	}
	return r.Order.ID
}

func (r *GetOrderResponse) GetOrderID() string {
	if r == nil || r.Order == nil {
		return ""
	}
	return r.Order.ID
}

type ListOrdersRequest struct {
	CustomerID string `json:"customer_id"`
	PageSize   int    `json:"page_size,omitempty"`
}

type ListOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

// CheckoutServer — серверная часть Checkout API.
type CheckoutServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
}

// UnimplementedCheckoutServer отвечает Unimplemented на все методы.
type UnimplementedCheckoutServer struct{}

func (UnimplementedCheckoutServer) CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateOrder not implemented")
}

func (UnimplementedCheckoutServer) GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrder not implemented")
}

func (UnimplementedCheckoutServer) ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListOrders not implemented")
}

// RegisterCheckoutServer регистрирует реализацию на gRPC-сервере.
func RegisterCheckoutServer(registrar grpc.ServiceRegistrar, srv CheckoutServer) {
	registrar.RegisterService(&CheckoutServiceDesc, srv)
}

func createOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServer).CreateOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCreateOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServer).CreateOrder(ctx, req.(*CreateOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServer).GetOrder(ctx, req.(*GetOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listOrdersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListOrdersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServer).ListOrders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListOrders}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServer).ListOrders(ctx, req.(*ListOrdersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CheckoutServiceDesc описывает сервис для grpc.Server.
var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: createOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
		{MethodName: "ListOrders", Handler: listOrdersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkout/v1/checkout.proto",
}

// CheckoutClient — клиент Checkout API поверх JSON-кодека.
type CheckoutClient struct {
	cc grpc.ClientConnInterface
}

// NewCheckoutClient создаёт клиента.
func NewCheckoutClient(cc grpc.ClientConnInterface) *CheckoutClient {
	return &CheckoutClient{cc: cc}
}

func (c *CheckoutClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*CreateOrderResponse, error) {
	out := new(CreateOrderResponse)
	if err := c.cc.Invoke(ctx, MethodCreateOrder, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	out := new(GetOrderResponse)
	if err := c.cc.Invoke(ctx, MethodGetOrder, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	out := new(ListOrdersResponse)
	if err := c.cc.Invoke(ctx, MethodListOrders, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
