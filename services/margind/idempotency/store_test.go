package idempotency

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "idem.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func countingHandler(calls *int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
}

func post(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/markets/BTC/open", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestMiddlewareReplaysResponse(t *testing.T) {
	store := openTestStore(t)
	var calls int32
	handler := store.Middleware(countingHandler(&calls, http.StatusCreated))

	first := post(handler, "abc", `{"collateral":"1"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, `{"call":1}`, first.Body.String())

	second := post(handler, "abc", `{"collateral":"1"}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, `{"call":1}`, second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMiddlewareRejectsBodyMismatch(t *testing.T) {
	store := openTestStore(t)
	var calls int32
	handler := store.Middleware(countingHandler(&calls, http.StatusOK))

	require.Equal(t, http.StatusOK, post(handler, "abc", `{"collateral":"1"}`).Code)
	res := post(handler, "abc", `{"collateral":"2"}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	store := openTestStore(t)
	var calls int32
	handler := store.Middleware(countingHandler(&calls, http.StatusOK))

	post(handler, "", `{}`)
	post(handler, "", `{}`)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestMiddlewareDoesNotCacheServerErrors(t *testing.T) {
	store := openTestStore(t)
	var calls int32
	handler := store.Middleware(countingHandler(&calls, http.StatusServiceUnavailable))

	post(handler, "retry", `{}`)
	post(handler, "retry", `{}`)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	store := openTestStore(t)
	scoped := "anonymous|POST /v1/markets/BTC/open|busy"
	require.True(t, store.acquire(scoped))
	defer store.release(scoped)

	var calls int32
	res := post(store.Middleware(countingHandler(&calls, http.StatusOK)), "busy", `{}`)
	require.Equal(t, http.StatusConflict, res.Code)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestRecordsExpire(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put("k1", Record{StatusCode: 200, Body: []byte(`{}`)}))
	require.NoError(t, store.Put("k2", Record{StatusCode: 200, Body: []byte(`{}`)}))
	_, found, err := store.Get("k1")
	require.NoError(t, err)
	require.True(t, found)

	now = now.Add(2 * time.Hour)
	_, found, err = store.Get("k1")
	require.NoError(t, err)
	require.False(t, found)

	removed, err := store.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
