package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridkeeper/broker"
	"gridkeeper/grid"
	"gridkeeper/guardian"
	"gridkeeper/risk"
)

// stubGateway answers the few calls the handlers reach
type stubGateway struct{}

func (stubGateway) GetPrice(string) (float64, error)                      { return 100.5, nil }
func (stubGateway) GetKlines(string, string, int) ([]broker.Kline, error) { return nil, nil }
func (stubGateway) PlaceLimitOrder(string, string, float64, float64) (string, error) {
	return "1", nil
}
func (stubGateway) CancelOrder(string, string) error             { return nil }
func (stubGateway) CancelAllOrders(string) error                 { return nil }
func (stubGateway) GetOpenOrderIDs(string) ([]string, error)     { return nil, nil }
func (stubGateway) GetOrderStatus(string, string) (string, error) { return broker.StatusNew, nil }
func (stubGateway) GetPositions() ([]broker.Position, error)     { return nil, nil }
func (stubGateway) GetAccount() (*broker.Account, error)         { return &broker.Account{}, nil }
func (stubGateway) ClosePosition(string) error                   { return nil }
func (stubGateway) CloseAllPositions() error                     { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw := stubGateway{}
	registry := risk.NewRegistry(risk.Limits{MaxDrawdownPct: 0.20})
	engine := grid.NewEngine(gw, grid.Options{
		PollInterval:         time.Hour,
		PriceRefreshInterval: time.Hour,
		PlacementDelay:       -1,
	})
	guard := guardian.New(gw, registry, nil, time.Hour, 2*time.Hour)
	return NewServer(engine, guard, registry, 0, "test-secret", "operator-pass")
}

func doRequest(s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	w := doRequest(s, http.MethodPost, "/api/login", "", map[string]string{"password": "operator-pass"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodPost, "/api/login", "", map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoute_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/guardian/halt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(s, http.MethodPost, "/api/guardian/halt", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGridStatus_Public(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/grid/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			State   string `json:"state"`
			Running bool   `json:"running"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "stopped", resp.Data.State)
	assert.False(t, resp.Data.Running)
}

func TestGridPreview(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	cfg := grid.Config{
		Symbol:       "BTCUSDT",
		UpperPrice:   105,
		LowerPrice:   95,
		GridCount:    10,
		TotalCapital: 10000,
	}
	w := doRequest(s, http.MethodPost, "/api/grid/preview", token, cfg)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Levels      []grid.Level `json:"levels"`
			CurrentZone int          `json:"current_zone"`
			InRange     bool         `json:"in_range"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data.Levels, 11)
	assert.True(t, resp.Data.InRange)
}

func TestGridPreview_BadConfig(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	cfg := grid.Config{Symbol: "BTCUSDT", UpperPrice: 90, LowerPrice: 95, GridCount: 10, TotalCapital: 1000}
	w := doRequest(s, http.MethodPost, "/api/grid/preview", token, cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestGridStop_WhenStopped(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	w := doRequest(s, http.MethodPost, "/api/grid/stop", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopLossLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	w := doRequest(s, http.MethodPost, "/api/guardian/stop-loss", token, map[string]interface{}{
		"symbol":        "BTCUSDT",
		"current_price": 50000,
		"percent":       0.05,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool        `json:"success"`
		Data    risk.Intent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 47500, resp.Data.Price, 1e-9)

	w = doRequest(s, http.MethodDelete, "/api/guardian/stop-loss/BTCUSDT", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodDelete, "/api/guardian/stop-loss/BTCUSDT", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHaltBlocksGridStart(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	w := doRequest(s, http.MethodPost, "/api/guardian/halt", token, map[string]string{"reason": "test"})
	require.Equal(t, http.StatusOK, w.Code)

	cfg := grid.Config{Symbol: "BTCUSDT", UpperPrice: 105, LowerPrice: 95, GridCount: 10, TotalCapital: 10000}
	w = doRequest(s, http.MethodPost, "/api/grid/start", token, cfg)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(s, http.MethodPost, "/api/guardian/resume", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateLimits(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	w := doRequest(s, http.MethodPut, "/api/guardian/limits", token, risk.Limits{MaxDrawdownPct: 0.10})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.10, s.registry.GetLimits().MaxDrawdownPct)

	w = doRequest(s, http.MethodPut, "/api/guardian/limits", token, risk.Limits{MaxDrawdownPct: 1.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
