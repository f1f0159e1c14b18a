package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateGet    loadMode = "create-get"
	modeCreateReplay loadMode = "create-replay"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	customerID  string
	products    []string
	quantity    int
	// allowRejections — отказ по остатку (FailedPrecondition) считается ожидаемым исходом.
	allowRejections bool
	outputPath      string
}

// checkoutAPI — методы клиента, которые использует нагрузка.
type checkoutAPI interface {
	CreateOrder(ctx context.Context, in *grpcsvc.CreateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CreateOrderResponse, error)
	GetOrder(ctx context.Context, in *grpcsvc.GetOrderRequest, opts ...grpc.CallOption) (*grpcsvc.GetOrderResponse, error)
}

func parseConfig(args []string) (config, error) {
	var (
		cfg         config
		modeValue   string
		productsRaw string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-get | create-replay")
	fs.StringVar(&cfg.customerID, "customer", "", "existing customer id")
	fs.StringVar(&productsRaw, "products", "", "comma-separated product ids; scenarios rotate over them")
	fs.IntVar(&cfg.quantity, "quantity", 1, "quantity per order line")
	fs.BoolVar(&cfg.allowRejections, "allow-rejections", false, "treat insufficient stock as an expected outcome")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.customerID = strings.TrimSpace(cfg.customerID)
	cfg.products = splitList(productsRaw)

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.customerID == "":
		return cfg, errors.New("customer is required")
	case len(cfg.products) == 0:
		return cfg, errors.New("at least one product is required")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreateGet, modeCreateReplay:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]checkoutAPI, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewCheckoutClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result := runLoad(cfg, clients)

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad распределяет сценарии между воркерами и собирает отчёт.
func runLoad(cfg config, clients []checkoutAPI) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client checkoutAPI) {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(client, cfg, id, runID, col)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client checkoutAPI, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		col.record(scenarioMethod, time.Since(scenarioStart), grpcCode(err))
	}()

	req := &grpcsvc.CreateOrderRequest{
		CustomerID: cfg.customerID,
		Items: []grpcsvc.LineItem{{
			ProductID: cfg.products[index%len(cfg.products)],
			Quantity:  cfg.quantity,
		}},
	}
	key := fmt.Sprintf("lt-%s-%d", runID, index)

	resp, err := callCreateOrder(client, cfg.timeout, req, key, col)
	if err != nil {
		if cfg.allowRejections && status.Code(err) == codes.FailedPrecondition {
			col.recordOutcome(false)
			return nil
		}
		return err
	}
	orderID := resp.GetOrderID()
	if orderID == "" {
		return status.Error(codes.Internal, "create response returned empty order id")
	}
	col.recordOutcome(true)

	switch cfg.mode {
	case modeCreateGet:
		got, err := callGetOrder(client, cfg.timeout, orderID, col)
		if err != nil {
			return err
		}
		if got.GetOrderID() != orderID {
			return status.Errorf(codes.DataLoss, "get returned order %q, want %q", got.GetOrderID(), orderID)
		}
	case modeCreateReplay:
		replayed, err := callCreateOrder(client, cfg.timeout, req, key, col)
		if err != nil {
			return err
		}
		if replayed.GetOrderID() != orderID {
			return status.Errorf(codes.DataLoss, "replay returned order %q, want %q", replayed.GetOrderID(), orderID)
		}
	}

	return nil
}

func callCreateOrder(client checkoutAPI, timeout time.Duration, req *grpcsvc.CreateOrderRequest, key string, col *collector) (*grpcsvc.CreateOrderResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)

	resp, err := client.CreateOrder(ctx, req)
	col.record("CreateOrder", time.Since(start), grpcCode(err))
	return resp, err
}

func callGetOrder(client checkoutAPI, timeout time.Duration, orderID string, col *collector) (*grpcsvc.GetOrderResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.GetOrder(ctx, &grpcsvc.GetOrderRequest{OrderID: orderID})
	col.record("GetOrder", time.Since(start), grpcCode(err))
	return resp, err
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
