package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/pool"
)

func TestJSON(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestError(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Error(w, http.StatusTeapot, "nope")

	resp := w.Result()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "nope", got["error"])
}

func testHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := &config.Config{
		PoolPremiumTarget: 1,
		PoolUploadTarget:  1,
		DispatchInterval:  10 * time.Millisecond,
	}
	return NewHandler(pool.New(cfg, domain.MailboxCredentials{}, nil, nil), nil, nil)
}

func TestSearchRejectsBadBody(t *testing.T) {
	t.Parallel()

	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.Search(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchEmptyPoolTimesOut(t *testing.T) {
	t.Parallel()

	h := testHandler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	body := `{"query":"what is go","stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.Search(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestPoolStats(t *testing.T) {
	t.Parallel()

	h := testHandler(t)

	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats pool.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 0, stats.Identities)
}

func TestAccountsWithoutLedger(t *testing.T) {
	t.Parallel()

	h := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w := httptest.NewRecorder()
	h.Accounts(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
