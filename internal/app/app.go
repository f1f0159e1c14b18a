package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	reflectionv1alpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

var errKafkaUnavailable = errors.New("kafka producer is unavailable")

// Run собирает сервис по конфигурации и блокируется до отмены ctx или ошибки gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.Info(version.String())

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	if err := loadSeedFile(ctx, cfg.SeedFile, seedTargets{
		customers: deps.store.Customers(),
		products:  deps.store.Products(),
	}, logger); err != nil {
		return err
	}

	checkoutMetrics := metrics.NewCheckoutMetrics()
	svc := checkout.NewService(
		deps.store.Customers(),
		deps.store.Products(),
		deps.store.Orders(),
		deps.store,
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithMetrics(checkoutMetrics),
	)
	guard := idempotency.NewGuard(
		deps.idempotency,
		idempotency.WithKeyTTL(cfg.IdempotencyKeyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
		idempotency.WithGuardMetrics(checkoutMetrics),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup

	if deps.cleanupIdempotency {
		cleanup := idempotency.NewCleanupWorker(
			deps.idempotency,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			cleanup.Run(workersCtx)
		}()
	}

	producer, kafkaErr := initKafkaProducer(cfg.KafkaBrokers, logger)
	var consumer *kafka.Consumer
	if kafkaErr != nil {
		healthHandler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", func(context.Context) error {
			return errKafkaUnavailable
		}))
	}
	if producer != nil {
		relay := outbox.NewRelay(
			deps.store.Outbox(),
			kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithLogger(logger.WithField("component", "outbox-relay")),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Run(workersCtx)
		}()

		handler := kafka.NewCommandHandler(svc, guard, deps.store.Outbox())
		consumer, err = initCommandConsumer(cfg, producer, handler.Handle, logger)
		if err != nil {
			logger.WithError(err).Warn("kafka command consumer is disabled")
		} else if err := consumer.Start(workersCtx); err != nil {
			logger.WithError(err).Warn("failed to start kafka command consumer")
		}
	} else if kafkaErr == nil {
		logger.Info("kafka is not configured, outbox relay and command consumer are disabled")
	}

	// Порядок остановки: сначала фоновые воркеры, затем producer, которым пользуется relay.
	defer func() {
		stopWorkers()
		closeKafka(consumer, nil, logger)
		workers.Wait()
		closeKafka(nil, producer, logger)
	}()

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	checkoutServer := grpcsvc.NewCheckoutService(svc, guard, logger.WithField("layer", "grpc"))
	grpcsvc.RegisterCheckoutServer(grpcServer, checkoutServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	registerReflection(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout(cfg)):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func shutdownTimeout(cfg Config) time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.ShutdownTimeout
}

// startMetricsServer запускает HTTP-сервер с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsMux(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// describableServices скрывает от reflection сервисы без protobuf-дескрипторов:
// checkout.v1.Checkout работает на JSON-кодеке, и клиент не смог бы его описать.
type describableServices struct {
	server reflection.ServiceInfoProvider
}

func (d describableServices) GetServiceInfo() map[string]grpc.ServiceInfo {
	all := d.server.GetServiceInfo()
	services := make(map[string]grpc.ServiceInfo, len(all))
	for name, info := range all {
		if name == grpcsvc.ServiceName {
			continue
		}
		services[name] = info
	}
	return services
}

// registerReflection публикует через reflection только сервисы с дескрипторами (health).
func registerReflection(server *grpc.Server) {
	opts := reflection.ServerOptions{Services: describableServices{server: server}}
	reflectionv1.RegisterServerReflectionServer(server, reflection.NewServerV1(opts))
	reflectionv1alpha.RegisterServerReflectionServer(server, reflection.NewServer(opts))
}
