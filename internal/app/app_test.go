package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/test/bufconn"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_MissingSeedFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.SeedFile = "/nonexistent/seed.json"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "open seed file") {
		t.Fatalf("expected seed file error, got %v", err)
	}
}

func TestRun_InvalidGRPCAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "invalid-addr"
	cfg.MetricsAddr = "127.0.0.1:0"

	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected listen error for invalid grpc address")
	}
}

func TestOpsMux_Endpoints(t *testing.T) {
	handler := healthcheck.NewHandler("test")
	srv := httptest.NewServer(newOpsMux(handler))
	defer srv.Close()

	cases := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/livez", wantCode: http.StatusOK, wantBody: "ok"},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
		{path: "/healthz", wantCode: http.StatusOK, wantBody: `"status":"healthy"`},
		{path: "/metrics", wantCode: http.StatusOK},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != tc.wantCode {
			t.Fatalf("GET %s: expected %d, got %d", tc.path, tc.wantCode, resp.StatusCode)
		}
		if tc.wantBody != "" && !strings.Contains(string(body), tc.wantBody) {
			t.Fatalf("GET %s: body %q does not contain %q", tc.path, body, tc.wantBody)
		}
	}
}

func TestOpsMux_ReadinessFailsOnUnhealthyDependency(t *testing.T) {
	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("postgres", healthcheck.NewFuncChecker("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))
	handler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", func(context.Context) error {
		return errKafkaUnavailable
	}))

	rec := httptest.NewRecorder()
	newOpsMux(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "not ready postgres" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestShutdownHTTP_NilServer(t *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http"))
}

func TestRegisterReflection_ListsOnlyDescribableServices(t *testing.T) {
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	grpcsvc.RegisterCheckoutServer(server, grpcsvc.NewCheckoutService(nil, nil, nil))
	healthpb.RegisterHealthServer(server, health.NewServer())
	registerReflection(server)
	go func() {
		_ = server.Serve(listener)
	}()
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := reflectionv1.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatalf("open reflection stream: %v", err)
	}
	if err := stream.Send(&reflectionv1.ServerReflectionRequest{
		MessageRequest: &reflectionv1.ServerReflectionRequest_ListServices{},
	}); err != nil {
		t.Fatalf("send list services: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("receive list services: %v", err)
	}

	names := map[string]bool{}
	for _, svc := range resp.GetListServicesResponse().GetService() {
		names[svc.GetName()] = true
	}
	if names[grpcsvc.ServiceName] {
		t.Fatalf("reflection must not list %s, got %v", grpcsvc.ServiceName, names)
	}
	if !names[healthpb.Health_ServiceDesc.ServiceName] {
		t.Fatalf("reflection must list health service, got %v", names)
	}
}
