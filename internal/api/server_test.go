package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumpillipavan/reachinbox/internal/cache"
	"github.com/tumpillipavan/reachinbox/internal/dispatch"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/store"
)

func setupServer(t *testing.T) (*Server, store.Store) {
	st := store.NewMemory(store.Config{Type: "memory"})
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	q := queue.NewDelayQueue(time.Minute)
	t.Cleanup(q.Close)

	scheduler := dispatch.NewScheduler(st, q)
	return NewServer(Config{Metrics: true}, st, q, scheduler), st
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func createAccount(t *testing.T, st store.Store, id string, limit int) {
	t.Helper()
	require.NoError(t, st.CreateAccount(context.Background(), store.Account{
		ID:          id,
		Email:       id + "@example.com",
		HourlyLimit: limit,
	}))
}

func TestScheduleEndpoint(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	w := doJSON(t, s, "POST", "/api/schedule", map[string]interface{}{
		"account_id": "acct-1",
		"subject":    "hello",
		"body":       "world",
		"recipients": []string{"a@example.com", "b@example.com"},
		"start_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Scheduled int                `json:"scheduled"`
		Records   []store.SendRecord `json:"records"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Scheduled)
	require.Len(t, resp.Records, 2)
	for _, rec := range resp.Records {
		assert.Equal(t, store.StatusPending, rec.Status)
	}
}

func TestScheduleEndpointValidation(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	tests := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{"missing account", map[string]interface{}{
			"recipients": []string{"a@example.com"},
		}, http.StatusBadRequest},
		{"unknown account", map[string]interface{}{
			"account_id": "ghost",
			"recipients": []string{"a@example.com"},
		}, http.StatusNotFound},
		{"no recipients", map[string]interface{}{
			"account_id": "acct-1",
			"recipients": []string{"  "},
		}, http.StatusBadRequest},
		{"bad start_at", map[string]interface{}{
			"account_id": "acct-1",
			"recipients": []string{"a@example.com"},
			"start_at":   "tomorrowish",
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, "POST", "/api/schedule", tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestScheduleUpdatesLimit(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	w := doJSON(t, s, "POST", "/api/schedule", map[string]interface{}{
		"account_id":   "acct-1",
		"recipients":   []string{"a@example.com"},
		"hourly_limit": 3,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	account, err := st.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 3, account.HourlyLimit)
}

func TestListMessages(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	for i := 0; i < 3; i++ {
		_, err := st.CreateSendRecord(context.Background(), store.SendRecord{
			AccountID: "acct-1",
			Recipient: fmt.Sprintf("r%d@example.com", i),
			DueAt:     time.Now(),
		})
		require.NoError(t, err)
	}

	w := doJSON(t, s, "GET", "/api/messages?account=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count    int                `json:"count"`
		Messages []store.SendRecord `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Count)

	w = doJSON(t, s, "GET", "/api/messages", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndCancelMessage(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	w := doJSON(t, s, "POST", "/api/schedule", map[string]interface{}{
		"account_id": "acct-1",
		"recipients": []string{"a@example.com"},
		"start_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Records []store.SendRecord `json:"records"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Records, 1)
	id := resp.Records[0].ID

	w = doJSON(t, s, "GET", "/api/messages/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, "DELETE", "/api/messages/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := st.GetSendRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)

	w = doJSON(t, s, "DELETE", "/api/messages/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAccountEndpoint(t *testing.T) {
	s, st := setupServer(t)

	w := doJSON(t, s, "POST", "/api/accounts", map[string]interface{}{
		"id":           "acct-9",
		"email":        "nine@example.com",
		"hourly_limit": 25,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	account, err := st.GetAccount(context.Background(), "acct-9")
	require.NoError(t, err)
	assert.Equal(t, 25, account.HourlyLimit)

	w = doJSON(t, s, "POST", "/api/accounts", map[string]interface{}{
		"email": "nameless@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, "POST", "/api/accounts", map[string]interface{}{
		"id":           "acct-zero",
		"email":        "zero@example.com",
		"hourly_limit": 0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "zero limit would defer every batch forever")
}

func TestUpdateLimitEndpoint(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	w := doJSON(t, s, "PUT", "/api/accounts/acct-1/limit", map[string]interface{}{
		"hourly_limit": 42,
	})
	require.Equal(t, http.StatusOK, w.Code)

	account, err := st.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 42, account.HourlyLimit)

	w = doJSON(t, s, "PUT", "/api/accounts/ghost/limit", map[string]interface{}{
		"hourly_limit": 42,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, "PUT", "/api/accounts/acct-1/limit", map[string]interface{}{
		"hourly_limit": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, st := setupServer(t)
	createAccount(t, st, "acct-1", 10)

	w := doJSON(t, s, "POST", "/api/schedule", map[string]interface{}{
		"account_id": "acct-1",
		"recipients": []string{"a@example.com", "b@example.com"},
		"start_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, "GET", "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Pending  int            `json:"pending"`
		InFlight int            `json:"in_flight"`
		Statuses map[string]int `json:"statuses"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Pending)
	assert.Equal(t, 0, resp.InFlight)
	assert.Equal(t, 2, resp.Statuses["pending"])
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := setupServer(t)

	w := doJSON(t, s, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	c := cache.NewMemory(cache.Config{Type: "memory"})
	s.UseCache(c)
	w = doJSON(t, s, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "disconnected cache must degrade health")

	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	w = doJSON(t, s, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupServer(t)

	w := doJSON(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
