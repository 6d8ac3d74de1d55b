package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
)

// stubBackend implements only what the tests call; anything else panics
// through the nil embedded interface.
type stubBackend struct {
	Backend
	ready     error
	principal string
	created   payout.CreateRequest
}

func (s *stubBackend) Ready() error { return s.ready }

func (s *stubBackend) Gatherer() prometheus.Gatherer {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "oae_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return reg
}

func (s *stubBackend) AddAddress(ctx context.Context, principal, chainName, address, label string) (uint64, error) {
	s.principal = principal
	if address == "bogus" {
		return 0, oaeerr.New(oaeerr.InvalidInput, "addresses.add", "bad address %s", address)
	}
	return 7, nil
}

func (s *stubBackend) CreatePayout(ctx context.Context, req payout.CreateRequest) (*db.Payout, error) {
	s.created = req
	p := &db.Payout{Chain: req.Chain, ToAddress: req.ToAddress, Amount: req.Amount, Status: db.PayoutStatusPending, CreatedBy: req.CreatedBy}
	p.Id = 11
	return p, nil
}

func (s *stubBackend) AuthorizePayout(ctx context.Context, id uint64, principal, pin string) (*db.Payout, error) {
	return nil, oaeerr.New(oaeerr.Locked, "security.verify", "locked until later")
}

func (s *stubBackend) GetDeposit(id uint64) (*db.Deposit, error) {
	return nil, oaeerr.Wrap(oaeerr.StorageUnavailable, "deposits.get", errors.New("connection refused"))
}

func newTestServer(backend Backend) *Server {
	return New(config.ApiConfig{Listen: "127.0.0.1:0"}, backend, zap.NewNop().Sugar())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(principalHeader, "alice")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLocalOnly(t *testing.T) {
	s := newTestServer(&stubBackend{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness(t *testing.T) {
	backend := &stubBackend{}
	s := newTestServer(backend)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", "").Code)

	backend.ready = oaeerr.Wrap(oaeerr.StorageUnavailable, "engine.ready", errors.New("down"))
	rec := do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decode(t, rec)["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(&stubBackend{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oae_test_total 1")
}

func TestAddAddress(t *testing.T) {
	backend := &stubBackend{}
	s := newTestServer(backend)

	rec := do(t, s, http.MethodPost, "/v1/addresses", `{"chain":"BTC","address":"bc1shop","label":"till"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 7, decode(t, rec)["id"])
	assert.Equal(t, "alice", backend.principal)

	rec = do(t, s, http.MethodPost, "/v1/addresses", `{"chain":"BTC"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode(t, rec)["code"])

	rec = do(t, s, http.MethodPost, "/v1/addresses", `{"chain":"BTC","address":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePayoutUsesPrincipal(t *testing.T) {
	backend := &stubBackend{}
	s := newTestServer(backend)

	rec := do(t, s, http.MethodPost, "/v1/payouts", `{"chain":"BTC","to_address":"bc1x","amount":"0.015","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", backend.created.CreatedBy)
	assert.True(t, decimal.RequireFromString("0.015").Equal(backend.created.Amount))
	body := decode(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 11, body["id"])
}

func TestErrorsCarryStableCodesOnly(t *testing.T) {
	s := newTestServer(&stubBackend{})

	rec := do(t, s, http.MethodPost, "/v1/payouts/3/authorize", `{"pin":"1234"}`)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, map[string]interface{}{"code": "locked"}, decode(t, rec))

	rec = do(t, s, http.MethodGet, "/v1/deposits/9", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	rec = do(t, s, http.MethodGet, "/v1/deposits/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
