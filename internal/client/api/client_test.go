package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

func testIntent() *models.MutationIntent {
	return &models.MutationIntent{
		ID:          "intent-1",
		EntityType:  "deal",
		EntityID:    "d-1",
		Operation:   models.OperationUpdate,
		BaseVersion: 4,
		Payload:     models.Payload{Fields: map[string]any{"stage": "won"}},
	}
}

// TestNewClient проверяет создание нового клиента
func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/", "token")

	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:8080", client.baseURL)
	assert.NotNil(t, client.httpClient)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestClient_PushAck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req api.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "intent-1", req.IdempotencyKey)
		assert.Equal(t, int64(4), req.BaseVersion)
		assert.Equal(t, "won", req.Fields["stage"])

		_ = json.NewEncoder(w).Encode(api.PushResponse{
			Record:    api.Record{ID: "d-1", EntityType: "deal", Version: 5, Fields: map[string]any{"stage": "won"}},
			Version:   5,
			Replay:    true,
			CRDTState: map[string][]byte{"notes": []byte("state")},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")
	res, err := client.Push(context.Background(), testIntent())
	require.NoError(t, err)

	assert.Equal(t, transport.OutcomeAck, res.Outcome)
	assert.Equal(t, int64(5), res.Version)
	assert.True(t, res.Replay)
	assert.Equal(t, "won", res.Record.Fields["stage"])
	assert.Equal(t, []byte("state"), res.CRDTState["notes"])
}

func TestClient_PushConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ConflictResponse{
			Error:         api.ErrorVersionConflict,
			ServerVersion: 6,
			ServerData:    &api.Record{ID: "d-1", EntityType: "deal", Version: 6, Fields: map[string]any{"stage": "lost"}},
		})
	}))
	defer server.Close()

	res, err := NewClient(server.URL, "").Push(context.Background(), testIntent())
	require.NoError(t, err)

	assert.Equal(t, transport.OutcomeConflict, res.Outcome)
	assert.Equal(t, int64(6), res.ServerVersion)
	require.NotNil(t, res.ServerRecord)
	assert.Equal(t, "lost", res.ServerRecord.Fields["stage"])
}

func TestClient_PushErrors(t *testing.T) {
	tests := []struct {
		body   any
		name   string
		status int
		want   transport.Kind
	}{
		{name: "validation", status: http.StatusUnprocessableEntity, body: api.ErrorResponse{Error: api.ErrorValidation, Message: "email"}, want: transport.KindValidation},
		{name: "bad request", status: http.StatusBadRequest, body: "broken", want: transport.KindValidation},
		{name: "forbidden", status: http.StatusForbidden, body: api.ErrorResponse{Error: api.ErrorForbidden}, want: transport.KindPermission},
		{name: "unauthorized", status: http.StatusUnauthorized, body: api.ErrorResponse{Error: api.ErrorUnauthorized}, want: transport.KindPermission},
		{name: "rate limited", status: http.StatusTooManyRequests, body: api.ErrorResponse{Error: api.ErrorRateLimited}, want: transport.KindTransient},
		{name: "server error", status: http.StatusInternalServerError, body: api.ErrorResponse{Error: api.ErrorInternal}, want: transport.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").Push(context.Background(), testIntent())
			require.Error(t, err)

			var te *transport.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.want, te.Kind)
			assert.Equal(t, tt.status, te.StatusCode)
		})
	}
}

func TestClient_PushNetworkErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(server.URL, "").Push(ctx, testIntent())
	require.Error(t, err)
	assert.Equal(t, transport.KindTransient, transport.Classify(err))
	assert.True(t, transport.IsCancellation(err))

	// сервер недоступен
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewClient(closed.URL, "").Push(context.Background(), testIntent())
	require.Error(t, err)
	assert.Equal(t, transport.KindTransient, transport.Classify(err))
}

func TestClient_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/pull", r.URL.Path)
		assert.Equal(t, "17", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(api.PullResponse{
			Records: []api.Record{
				{ID: "c-1", EntityType: "contact", Version: 2, Fields: map[string]any{"name": "Ann"}, CRDTState: map[string][]byte{"notes": []byte("s")}},
			},
			NextCursor: "18",
			HasMore:    true,
		})
	}))
	defer server.Close()

	res, err := NewClient(server.URL, "").Pull(context.Background(), "17", 50)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Ann", res.Records[0].Record.Fields["name"])
	assert.Equal(t, []byte("s"), res.Records[0].CRDTState["notes"])
	assert.Equal(t, "18", res.NextCursor)
	assert.True(t, res.HasMore)
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, "").Health(context.Background()))
}

func TestClient_Watch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/changes", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, ev := range []api.ChangeEvent{
			{Type: "hello"},
			{Type: api.EventChanged, Cursor: "3"},
			{Type: api.EventChanged, Cursor: "4"},
		} {
			require.NoError(t, conn.WriteJSON(ev))
		}
		// держим соединение до закрытия клиентом
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursors := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewClient(server.URL, "secret").Watch(ctx, func(cursor string) {
			cursors <- cursor
		})
	}()

	assert.Equal(t, "3", <-cursors)
	assert.Equal(t, "4", <-cursors)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://sync.example.com/api/v1/changes")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/api/v1/changes", u)

	_, err = websocketURL("ftp://example.com")
	assert.Error(t, err)
}
