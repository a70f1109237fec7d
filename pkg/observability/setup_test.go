package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsplit/pkg/observability"
)

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsRouterEndpoints(t *testing.T) {
	h := observability.MetricsRouter(map[string]observability.Check{
		"store": func(context.Context) error { return nil },
	})
	require.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(h, "/readyz").Code)

	metrics := get(h, "/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "go_goroutines")
}

func TestReadinessFailsWhenACheckFails(t *testing.T) {
	h := observability.MetricsRouter(map[string]observability.Check{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := get(h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestSetupLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := observability.SetupLogger("test", "chatty")
	require.True(t, logger.Core().Enabled(0))
	require.False(t, logger.Core().Enabled(-1))
}
