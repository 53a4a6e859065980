// Package app собирает storefront из хранилищ, сервисов и серверов.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

const shutdownTimeout = 5 * time.Second

// App: собранное приложение с открытыми listener'ами.
type App struct {
	cfg    Config
	logger *log.Entry

	deps       *Dependencies
	producer   *kafka.Producer
	components components

	api        *httpapi.Server
	apiLn      net.Listener
	metricsSrv *http.Server
	metricsLn  net.Listener
	grpcSrv    *grpc.Server
	grpcHealth *health.Server
	grpcLn     net.Listener
}

// Run собирает приложение и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// New проверяет конфигурацию, открывает хранилища и listener'ы.
// Адрес ":0" занимает свободный порт, фактический адрес доступен через HTTPAddr.
func New(ctx context.Context, cfg Config, registerer prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, deps: deps}
	a.producer = initKafkaProducer(cfg, logger)
	a.components = buildComponents(cfg, deps, a.producer, registerer)
	a.api = httpapi.NewServer(httpapi.Config{
		JWTSecret:    cfg.JWTSecret,
		AllowOrigins: cfg.AllowOrigins,
	}, a.components.services, logger.WithField("layer", "http"))

	if err := a.listen(registerer); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) listen(registerer prometheus.Registerer) error {
	var err error
	if a.apiLn, err = net.Listen("tcp", a.cfg.HTTPAddr); err != nil {
		return fmt.Errorf("listen http api: %w", err)
	}

	if a.cfg.MetricsAddr != "" {
		if a.metricsLn, err = net.Listen("tcp", a.cfg.MetricsAddr); err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		a.metricsSrv = newMetricsServer(a.components.health)
	}

	if a.cfg.GRPCHealthAddr != "" {
		if a.grpcLn, err = net.Listen("tcp", a.cfg.GRPCHealthAddr); err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		a.grpcSrv, a.grpcHealth = newGRPCHealthServer(registerer, a.logger)
	}
	return nil
}

// HTTPAddr возвращает фактический адрес REST API.
func (a *App) HTTPAddr() string { return listenerAddr(a.apiLn) }

// MetricsAddr возвращает фактический адрес /metrics и health-проверок.
func (a *App) MetricsAddr() string { return listenerAddr(a.metricsLn) }

// GRPCHealthAddr возвращает фактический адрес gRPC health.
func (a *App) GRPCHealthAddr() string { return listenerAddr(a.grpcLn) }

func listenerAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Run запускает серверы и воркеры. Возвращает ctx.Err() после штатной остановки.
func (a *App) Run(ctx context.Context) error {
	defer a.release()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.api.Serve(a.apiLn); err != nil && gctx.Err() == nil {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if a.metricsSrv != nil {
		g.Go(func() error {
			a.logger.Infof("метрики доступны по адресу %s/metrics", a.MetricsAddr())
			if err := a.metricsSrv.Serve(a.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if a.grpcSrv != nil {
		g.Go(func() error {
			a.logger.Infof("gRPC health сервер слушает %s", a.GRPCHealthAddr())
			if err := a.grpcSrv.Serve(a.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}

	if worker := a.components.outboxWorker; worker != nil {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	cleanup := a.components.cleanupWorker
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("получен сигнал остановки, останавливаем серверы")
		a.shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// shutdown останавливает серверы; активные запросы дорабатывают не дольше shutdownTimeout.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.api.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("http api shutdown with error")
	}
	// Shutdown до старта Serve не закрывает listener.
	_ = a.apiLn.Close()

	if a.grpcSrv != nil {
		a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopped := make(chan struct{})
		go func() {
			a.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			a.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			a.grpcSrv.Stop()
		}
	}

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Warn("metrics shutdown with error")
		}
	}
}

// release закрывает listener'ы, producer и хранилища.
func (a *App) release() {
	for _, ln := range []net.Listener{a.apiLn, a.metricsLn, a.grpcLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	closeKafka(a.producer, a.logger)
	if err := a.deps.Close(); err != nil {
		a.logger.WithError(err).Warn("failed to close storage")
	}
}

// newMetricsServer отдаёт /metrics для Prometheus и HTTP health-проверки.
func newMetricsServer(healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// newGRPCHealthServer поднимает стандартный gRPC health и reflection для probes и grpcurl.
func newGRPCHealthServer(registerer prometheus.Registerer, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registerer.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}
