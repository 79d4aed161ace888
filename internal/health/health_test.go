package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubChecker struct {
	name     string
	status   CheckStatus
	critical bool
}

func (s stubChecker) Name() string           { return s.name }
func (s stubChecker) IsCritical() bool       { return s.critical }
func (s stubChecker) Timeout() time.Duration { return time.Second }
func (s stubChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Component: s.name, Status: s.status, Critical: s.critical}
	if s.status != StatusHealthy {
		result.Error = errors.New("stub failure").Error()
	}
	return result
}

func TestOverallHealthAggregation(t *testing.T) {
	cases := []struct {
		name     string
		checkers []stubChecker
		want     CheckStatus
	}{
		{"all healthy", []stubChecker{{"a", StatusHealthy, true}, {"b", StatusHealthy, false}}, StatusHealthy},
		{"non-critical failure degrades", []stubChecker{{"a", StatusHealthy, true}, {"b", StatusUnhealthy, false}}, StatusDegraded},
		{"critical failure is unhealthy", []stubChecker{{"a", StatusUnhealthy, true}, {"b", StatusHealthy, false}}, StatusUnhealthy},
		{"no checkers is healthy", nil, StatusHealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zap.NewNop())
			for _, c := range tc.checkers {
				m.RegisterChecker(c)
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tc.want, overall.Status)
			assert.Len(t, overall.Components, len(tc.checkers))
		})
	}
}

func TestReadiness(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.True(t, m.IsReady(context.Background()))

	m.RegisterChecker(stubChecker{"broker", StatusUnhealthy, true})
	assert.False(t, m.IsReady(context.Background()))
	assert.True(t, m.IsLive(context.Background()))
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(stubChecker{"broker", StatusHealthy, true})

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(stubChecker{"broker", StatusUnhealthy, true})

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
