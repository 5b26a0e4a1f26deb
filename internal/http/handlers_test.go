package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/motopoint/internal/accounts"
	"github.com/example/motopoint/internal/dispatch"
	"github.com/example/motopoint/internal/matcher"
	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/storage"
)

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	hub   *dispatch.Hub
}

func newTestEnv(t *testing.T, drivers ...string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	hub := dispatch.NewHub(logger)
	engine := &matcher.Engine{Store: store, Publisher: hub, Logger: logger}
	srv := NewServer(Options{
		Engine:   engine,
		Accounts: &accounts.Provisioner{Store: store, Logger: logger, Cost: bcrypt.MinCost},
		Hub:      hub,
		Logger:   logger,
	})
	for _, id := range drivers {
		d := models.Driver{ID: id, UserID: "user-" + id, Online: true, Status: models.DriverIdle}
		require.NoError(t, store.InTx(context.Background(), func(tx storage.Tx) error {
			return tx.InsertDriver(context.Background(), &d)
		}))
	}
	return &testEnv{srv: srv, store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type rideResponse struct {
	OK      bool                `json:"ok"`
	Request *models.RideRequest `json:"request"`
}

func (e *testEnv) createRide(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/create-ride", map[string]string{"pointId": "point-1", "clientId": "client-1", "clientName": "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[rideResponse](t, rec)
	require.NotNil(t, resp.Request)
	return resp.Request.ID
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorBody](t, rec).Error
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/accept-ride", "/api/create-driver", "/anything"} {
		rec := env.do(t, http.MethodOptions, path, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	for _, m := range []string{http.MethodGet, http.MethodPost} {
		rec := env.do(t, m, "/api/ping", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	}
	rec := env.do(t, http.MethodPut, "/ping", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", errorMessage(t, rec))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAcceptRide(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	id := env.createRide(t)

	rec := env.do(t, http.MethodPost, "/accept-ride", map[string]string{"requestId": id})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "requestId and driverId required", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/accept-ride", `{"requestId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accept-ride", map[string]string{"requestId": id, "driverId": "A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[rideResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, models.RideAccepted, resp.Request.Status)
	assert.Equal(t, "A", *resp.Request.DriverID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodPost, "/accept-ride", map[string]string{"requestId": id, "driverId": "B"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Request already accepted or not pending", errorMessage(t, rec))
}

func TestProposalFlow(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	id := env.createRide(t)

	rec := env.do(t, http.MethodPost, "/propose-price", map[string]string{"requestId": id, "driverId": "A"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "requestId, driverId and price required", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/propose-price", `{"requestId":"`+id+`","driverId":"A","price":10.00}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pa := decodeBody[models.RideProposal](t, rec)
	assert.Equal(t, models.ProposalPending, pa.Status)
	assert.Contains(t, rec.Body.String(), `"price":10`)

	rec = env.do(t, http.MethodPost, "/api/propose-price", `{"requestId":"`+id+`","driverId":"B","price":"12.00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pb := decodeBody[models.RideProposal](t, rec)

	rec = env.do(t, http.MethodPost, "/respond-proposal", map[string]string{"proposalId": pa.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "proposalId and accept required", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/respond-proposal", map[string]any{"proposalId": pa.ID, "accept": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[rideResponse](t, rec)
	assert.Equal(t, "A", *resp.Request.DriverID)

	rec = env.do(t, http.MethodPost, "/respond-proposal", map[string]any{"proposalId": pb.ID, "accept": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/rides/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[models.RideDetail](t, rec)
	assert.Equal(t, models.RideAccepted, detail.Status)
	require.Len(t, detail.Proposals, 2)
	for _, p := range detail.Proposals {
		if p.ID == pa.ID {
			assert.Equal(t, models.ProposalAccepted, p.Status)
		} else {
			assert.Equal(t, models.ProposalRejected, p.Status)
		}
	}

	rec = env.do(t, http.MethodPost, "/respond-proposal", map[string]any{"proposalId": "missing", "accept": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "proposal not found", errorMessage(t, rec))
}

func TestDeclineProposal(t *testing.T) {
	env := newTestEnv(t, "A")
	id := env.createRide(t)
	rec := env.do(t, http.MethodPost, "/propose-price", map[string]any{"requestId": id, "driverId": "A", "price": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[models.RideProposal](t, rec)

	rec = env.do(t, http.MethodPost, "/respond-proposal", map[string]any{"proposalId": p.ID, "accept": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestRejectAndPendingFeed(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	id := env.createRide(t)

	rec := env.do(t, http.MethodPost, "/reject-ride", map[string]string{"requestId": id, "driverId": "A"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"cancelled":false}`, rec.Body.String())

	type feed struct {
		Requests []models.RideRequest `json:"requests"`
	}
	rec = env.do(t, http.MethodGet, "/pending-requests?driverId=A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[feed](t, rec).Requests)
	rec = env.do(t, http.MethodGet, "/api/pending-requests?driverId=B", nil)
	assert.Len(t, decodeBody[feed](t, rec).Requests, 1)

	rec = env.do(t, http.MethodPost, "/reject-ride", map[string]string{"requestId": id, "driverId": "B"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"cancelled":true}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/reject-ride", map[string]string{"requestId": "missing", "driverId": "B"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteAndDriverStatus(t *testing.T) {
	env := newTestEnv(t, "A")
	id := env.createRide(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/accept-ride", map[string]string{"requestId": id, "driverId": "A"}).Code)

	rec := env.do(t, http.MethodPost, "/complete-ride", map[string]string{"requestId": id, "driverId": "A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.RideCompleted, decodeBody[rideResponse](t, rec).Request.Status)

	rec = env.do(t, http.MethodPost, "/driver-status", map[string]any{"driverId": "A"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/driver-status", map[string]any{"driverId": "A", "online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_online":false`)

	rec = env.do(t, http.MethodPost, "/driver-status", map[string]any{"driverId": "ghost", "online": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDriver(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/create-driver", map[string]string{"email": "joao@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email, password and name are required", errorMessage(t, rec))

	body := map[string]string{"email": "joao@example.com", "password": "secret123", "name": "João", "moto_plate": "ABC1D23"}
	rec = env.do(t, http.MethodPost, "/api/create-driver", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, first["ok"])
	assert.NotEmpty(t, first["userId"])

	rec = env.do(t, http.MethodPost, "/create-driver", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["userId"], decodeBody[map[string]any](t, rec)["userId"])

	body["password"] = "different"
	rec = env.do(t, http.MethodPost, "/create-driver", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRideNotFoundAndHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/rides/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ride not found", errorMessage(t, rec))

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWebsocketReceivesRideEvents(t *testing.T) {
	env := newTestEnv(t, "A")
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/driver/A"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	id := env.createRide(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.RideEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventRideCreated, ev.Type)
	assert.Equal(t, id, ev.RideID)
}

type downStore struct{ err error }

func (s downStore) InTx(context.Context, func(storage.Tx) error) error { return s.err }
func (s downStore) Close() error                                       { return nil }

func TestStoreFailureIsLoggedAsInternalError(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	store := downStore{err: errors.New("connection reset by peer")}
	env := &testEnv{srv: NewServer(Options{
		Engine: &matcher.Engine{Store: store, Logger: logger},
		Logger: logger,
	})}

	rec := env.do(t, http.MethodPost, "/api/create-ride", map[string]any{"pointId": "p1", "clientId": "c1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "connection reset by peer", body["error"])

	assert.Contains(t, logs.String(), `"msg":"request failed"`)
	assert.Contains(t, logs.String(), "connection reset by peer")
	assert.Contains(t, logs.String(), `"level":"ERROR","msg":"http_request"`)
	assert.Contains(t, logs.String(), `"status":500`)

	rec = env.do(t, http.MethodGet, "/pending-requests?driverId=A", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	srv := NewServer(Options{Engine: &matcher.Engine{Store: storage.NewMemoryStore(), Logger: logger}, Logger: logger})

	req := httptest.NewRequest(http.MethodPost, "/create-ride", strings.NewReader(`{"pointId":""}`))
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	line := logs.String()
	assert.Contains(t, line, `"level":"WARN","msg":"http_request"`)
	assert.Contains(t, line, `"route":"/create-ride"`)
	assert.Contains(t, line, `"request_id":"abc-123"`)
	assert.Contains(t, line, fmt.Sprintf(`"bytes":%d`, rec.Body.Len()))
}
