package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GRPCHealthAddr = "127.0.0.1:0"
	cfg.CatalogEnabled = false
	cfg.JWTSecret = "test-secret"
	return cfg
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRun_ServesAPIProbesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotEmpty(t, a.HTTPAddr())
	require.NotEmpty(t, a.MetricsAddr())
	require.NotEmpty(t, a.GRPCHealthAddr())

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	status, body := httpGet(t, "http://"+a.HTTPAddr()+"/api/products/search?q=milk")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Organic Whole Milk")

	status, body = httpGet(t, "http://"+a.HTTPAddr()+"/api/guest-cart")
	require.Equal(t, http.StatusBadRequest, status, body)

	for _, path := range []string{"/healthz", "/readyz", "/livez", "/metrics"} {
		status, body = httpGet(t, "http://"+a.MetricsAddr()+path)
		require.Equal(t, http.StatusOK, status, "%s: %s", path, body)
	}

	conn, err := grpc.NewClient(a.GRPCHealthAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop after cancellation")
	}
}

func TestRun_OptionalServersDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = ""
	cfg.GRPCHealthAddr = ""

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	require.Empty(t, a.MetricsAddr())
	require.Empty(t, a.GRPCHealthAddr())

	cancel()
	require.ErrorIs(t, a.Run(ctx), context.Canceled)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDriver = "invalid-driver"

	_, err := New(context.Background(), cfg, prometheus.NewRegistry())
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "unknown storage driver")
}

func TestNew_ListenFailureReleasesResources(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPAddr = "256.0.0.1:bad"

	_, err := New(context.Background(), cfg, prometheus.NewRegistry())
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen http api")
}

func TestNewDependencies_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"

	_, err := NewDependencies(context.Background(), cfg, nil)
	require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
}

func TestNewDependencies_MemorySeedsDemoCatalog(t *testing.T) {
	deps, err := NewDependencies(context.Background(), DefaultConfig(), log.WithField("test", "deps"))
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.Close()) }()

	for _, product := range demoCatalog() {
		require.NoError(t, product.Validate())
		stored, err := deps.Products.Get(context.Background(), product.ID)
		require.NoError(t, err)
		require.Equal(t, product.Name, stored.Name)
	}
	require.Nil(t, deps.Store)
	require.Nil(t, deps.Redis)
}

func TestNewDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := NewDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.Close() }()

	require.NotNil(t, deps.Store)
	handler := newHealthHandler(deps)
	require.Equal(t, []string{"postgres"}, handler.Names())
	require.Equal(t, "healthy", string(handler.Run(context.Background()).Status))
}

func TestDependenciesCloseNil(t *testing.T) {
	var deps *Dependencies
	require.NoError(t, deps.Close())
	require.NoError(t, NewMemoryDependencies(nil).Close())
}
