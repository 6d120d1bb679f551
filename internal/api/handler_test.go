package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"ms-registration/internal/api"
	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/cart"
	"ms-registration/internal/checkin"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/payment"
	"ms-registration/internal/registration/regtest"
	"ms-registration/internal/sse"
	"ms-registration/internal/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGateway answers status queries from a table the test controls.
type stubGateway struct {
	mu      sync.Mutex
	status  map[string]payment.Status
	amounts map[string]int64
}

func newStubGateway() *stubGateway {
	return &stubGateway{status: map[string]payment.Status{}, amounts: map[string]int64{}}
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.amounts[req.OrderID] = req.Amount
	return &payment.Session{GatewayOrderID: "gw-" + req.OrderID, PaymentURL: "https://pay.test/" + req.OrderID}, nil
}

func (g *stubGateway) OrderStatus(_ context.Context, orderID, _ string) (*payment.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.status[orderID]
	if !ok {
		status = payment.StatusPending
	}
	return &payment.OrderStatus{
		OrderID:       orderID,
		Status:        status,
		GatewayStatus: string(status),
		PaymentID:     "txn-" + orderID,
		Amount:        g.amounts[orderID],
	}, nil
}

func (g *stubGateway) ParseWebhook(r *http.Request) (*payment.WebhookEvent, error) {
	if r.Header.Get("X-Stub-Auth") != "ok" {
		return nil, &payment.WebhookError{Category: "authentication", StatusCode: http.StatusUnauthorized, PublicError: "unauthorized"}
	}
	var body struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, &payment.WebhookError{Category: "payload", StatusCode: http.StatusBadRequest, PublicError: "bad payload"}
	}
	return &payment.WebhookEvent{Name: "order.updated", OrderID: body.OrderID}, nil
}

func (g *stubGateway) set(orderID string, s payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[orderID] = s
}

type fixture struct {
	env    *regtest.Env
	gw     *stubGateway
	tokens *auth.DevVerifier
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := regtest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.Discard()
	c := cart.New(client, time.Hour)
	gw := newStubGateway()
	feed := sse.NewFeed()
	h := &api.Handler{
		Registrations: env.Service,
		Checkout:      payment.NewCheckout(env.Service, gw, c, "INR", log),
		Reconciler:    payment.NewReconciler(gw, env.Service, time.Second, log),
		CheckIn:       checkin.NewEngine(env.DB, env.Ledger, env.Codec, feed, log, 2*time.Hour).WithClock(env.Clock.Now),
		Cart:          c,
		Feed:          feed,
		Logger:        log,
		Roles:         api.Roles{Coordinator: "coordinator", Admin: "admin"},
	}
	tokens := auth.NewDevVerifier("test-secret")
	return &fixture{env: env, gw: gw, tokens: tokens, router: api.NewRouter(h, tokens, []string{"*"})}
}

func (f *fixture) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := f.tokens.Issue(auth.Identity{Subject: subject, Email: subject + "@fest.test", Roles: roles}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func data[T any](t *testing.T, resp utils.APIResponse) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

type initiated struct {
	RegistrationID string `json:"registrationId"`
	OrderID        string `json:"orderId"`
	TotalAmount    int64  `json:"totalAmount"`
	PaymentURL     string `json:"paymentUrl"`
}

type outcome struct {
	Status       models.PaymentStatus `json:"status"`
	Changed      bool                 `json:"changed"`
	Registration models.Registration  `json:"registration"`
}

func hackathonItem() map[string]any {
	return map[string]any{"kind": "event", "targetId": "hackathon"}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestListTargets(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/targets?kind=workshop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	targets := data[[]models.CapacityTarget](t, resp)
	require.NotEmpty(t, targets)
	for _, target := range targets {
		assert.Equal(t, models.KindWorkshop, target.Kind)
	}

	rec, _ = f.do(t, http.MethodGet, "/targets?kind=concert", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiateAndRedirect(t *testing.T) {
	f := newFixture(t)
	student := f.token(t, "S1")

	rec, resp := f.do(t, http.MethodPost, "/payment/initiate", student, map[string]any{
		"name":  "Asha",
		"items": []any{hackathonItem()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := data[initiated](t, resp)
	assert.Equal(t, int64(1020), started.TotalAmount)
	assert.Equal(t, "https://pay.test/"+started.OrderID, started.PaymentURL)

	// The browser claims success but the gateway still says pending.
	rec, resp = f.do(t, http.MethodGet, "/payment/handleResponse?order_id="+started.OrderID+"&status=CHARGED", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentPending, data[outcome](t, resp).Status)

	f.gw.set(started.OrderID, payment.StatusPaid)
	rec, resp = f.do(t, http.MethodGet, "/payment/handleResponse?order_id="+started.OrderID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := data[outcome](t, resp)
	assert.Equal(t, models.PaymentCompleted, out.Status)
	assert.True(t, out.Changed)
	require.NotNil(t, out.Registration.QRCode)

	form := url.Values{"order_id": {started.OrderID}}
	req := httptest.NewRequest(http.MethodPost, "/payment/handleResponse", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var again utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.False(t, data[outcome](t, again).Changed)

	rec, _ = f.do(t, http.MethodGet, "/registrations/"+started.RegistrationID, student, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, resp = f.do(t, http.MethodGet, "/registrations/"+started.RegistrationID, f.token(t, "S2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperror.CodeForbidden, resp.Code)
	rec, _ = f.do(t, http.MethodGet, "/registrations/"+started.RegistrationID, f.token(t, "C1", "coordinator"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/registrations/me", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]models.Registration](t, resp), 1)
}

func TestInitiateRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(t, http.MethodPost, "/payment/initiate", "", map[string]any{"items": []any{hackathonItem()}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
}

func TestInitiateFullTarget(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(t, http.MethodPost, "/payment/initiate", f.token(t, "S1"), map[string]any{
		"items": []any{map[string]any{"kind": "event", "targetId": "robo-war"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperror.CodeCapacityReached, resp.Code)
}

func TestCartCheckout(t *testing.T) {
	f := newFixture(t)
	student := f.token(t, "S1")

	rec, _ := f.do(t, http.MethodPost, "/cart", student, hackathonItem())
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, resp := f.do(t, http.MethodPost, "/cart", student, map[string]any{"kind": "workshop", "targetId": "iot"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, data[[]cart.Item](t, resp), 2)

	rec, resp = f.do(t, http.MethodPost, "/cart", student, map[string]any{"kind": "concert", "targetId": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperror.CodeInvalidRequest, resp.Code)

	rec, resp = f.do(t, http.MethodPost, "/payment/initiate", student, map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1836), data[initiated](t, resp).TotalAmount)

	rec, _ = f.do(t, http.MethodDelete, "/cart/workshop/iot", student, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/cart/workshop/iot", student, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, resp = f.do(t, http.MethodDelete, "/cart", student, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, resp = f.do(t, http.MethodGet, "/cart", student, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, data[[]cart.Item](t, resp))
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Create(t, "S1", regtest.Hackathon)

	post := func(header string, body any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(raw))
		if header != "" {
			req.Header.Set("X-Stub-Auth", header)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, post("", map[string]string{"orderId": reg.OrderID}).Code)
	assert.Equal(t, http.StatusOK, post("ok", map[string]string{"orderId": "FEST-UNKNOWN"}).Code)

	f.gw.set(reg.OrderID, payment.StatusFailed)
	rec := post("ok", map[string]string{"orderId": reg.OrderID})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.env.Service.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, stored.PaymentStatus)
}

func TestOnlineCheckIn(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Paid(t, "S1", regtest.Hackathon)
	coordinator := f.token(t, "C1", "coordinator")
	body := map[string]any{"qrData": reg.QRCode.Payload, "kind": "event", "targetId": "hackathon"}

	rec, resp := f.do(t, http.MethodPost, "/validate-registration", coordinator, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, data[checkin.Outcome](t, resp).Attended)

	rec, resp = f.do(t, http.MethodPost, "/check-in", f.token(t, "S1"), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = f.do(t, http.MethodPost, "/check-in", coordinator, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := data[checkin.Outcome](t, resp)
	assert.Equal(t, "C1", out.Record.Operator)

	rec, resp = f.do(t, http.MethodPost, "/check-in", coordinator, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperror.CodeAlreadyCheckedIn, resp.Code)

	rec, resp = f.do(t, http.MethodPost, "/check-in", coordinator, map[string]any{"qrData": reg.QRCode.Payload, "kind": "workshop", "targetId": "iot"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperror.CodeNotEntitled, resp.Code)

	rec, resp = f.do(t, http.MethodGet, "/registrations/"+reg.ID+"/check-ins", coordinator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]models.CheckInRecord](t, resp), 2)
}

func TestOfflineDesk(t *testing.T) {
	f := newFixture(t)
	coordinator := f.token(t, "C1", "coordinator")

	rec, resp := f.do(t, http.MethodPost, "/offline/register", coordinator, map[string]any{
		"attendeeRef": "S9",
		"name":        "Ravi",
		"items":       []any{hackathonItem()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := data[models.Registration](t, resp)
	assert.NotEmpty(t, reg.ReceiptNumber)
	assert.Equal(t, "C1", reg.PaymentDetails.CollectedBy)
	require.NotNil(t, reg.QRCode)

	rec, _ = f.do(t, http.MethodPost, "/offline/validate", coordinator, map[string]any{"qrData": reg.QRCode.Payload})
	assert.Equal(t, http.StatusOK, rec.Code)

	// An offline pass is not accepted at the online desk.
	rec, resp = f.do(t, http.MethodPost, "/check-in", coordinator, map[string]any{"qrData": reg.QRCode.Payload, "kind": "event", "targetId": "hackathon"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperror.CodeInvalidSignature, resp.Code)

	rec, resp = f.do(t, http.MethodPost, "/offline/check-in", coordinator, map[string]any{
		"mode": "manual", "receiptNumber": "NOPE-000001", "kind": "event", "targetId": "hackathon",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperror.CodeNotFound, resp.Code)

	rec, _ = f.do(t, http.MethodPost, "/offline/check-in", coordinator, map[string]any{
		"mode": "manual", "receiptNumber": reg.ReceiptNumber, "kind": "event", "targetId": "hackathon",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAddItems(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Paid(t, "S1", regtest.Hackathon)
	items := map[string]any{"items": []any{map[string]any{"kind": "workshop", "targetId": "iot"}}}

	rec, _ := f.do(t, http.MethodPost, "/registrations/"+reg.ID+"/items", f.token(t, "S2"), items)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the owner cannot grant themselves unpaid add-ons
	rec, _ = f.do(t, http.MethodPost, "/registrations/"+reg.ID+"/items", f.token(t, "S1"), items)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	unchanged, err := f.env.Service.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Len(t, unchanged.Entitlements, 1)
	assert.Equal(t, reg.TotalAmount, unchanged.TotalAmount)

	rec, _ = f.do(t, http.MethodPost, "/check-in", f.token(t, "C1", "coordinator"), map[string]any{"qrData": reg.QRCode.Payload, "kind": "workshop", "targetId": "iot"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/registrations/"+reg.ID+"/items", f.token(t, "C1", "coordinator"), items)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := data[models.Registration](t, resp)
	assert.Len(t, updated.Entitlements, 2)
	assert.Equal(t, reg.Version+1, updated.Version)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Paid(t, "S1", regtest.Hackathon)
	admin := f.token(t, "A1", "admin")

	rec, _ := f.do(t, http.MethodPost, "/admin/registrations/"+reg.ID+"/refund", f.token(t, "C1", "coordinator"), map[string]any{"reason": "duplicate"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/admin/registrations/"+reg.ID+"/refund", admin, map[string]any{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.PaymentRefunded, data[models.Registration](t, resp).PaymentStatus)

	rec, resp = f.do(t, http.MethodGet, "/admin/registrations/"+reg.ID+"/history", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, data[[]models.HistoryEntry](t, resp))

	rec, resp = f.do(t, http.MethodDelete, "/admin/registrations/orphaned?olderThan=soon", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.env.Create(t, "S2", regtest.IoT)
	f.env.Clock.Advance(48 * time.Hour)
	rec, resp = f.do(t, http.MethodDelete, "/admin/registrations/orphaned?olderThan=24h", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, data[map[string]int](t, resp)["deleted"])
}

func TestAdminReconcile(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Create(t, "S1", regtest.Hackathon)
	f.gw.set(reg.OrderID, payment.StatusPaid)

	rec, resp := f.do(t, http.MethodPost, "/admin/payment/reconcile/"+reg.OrderID, f.token(t, "A1", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.PaymentCompleted, data[outcome](t, resp).Status)
}

func TestStreamCheckIns(t *testing.T) {
	f := newFixture(t)
	reg := f.env.Paid(t, "S1", regtest.Hackathon)
	coordinator := f.token(t, "C1", "coordinator")

	srv := httptest.NewUnstartedServer(f.router)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/check-ins/stream?kind=event&targetId=hackathon", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+coordinator)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}
	require.Equal(t, "connected", next())

	// outlive the server write timeout
	time.Sleep(400 * time.Millisecond)
	rec, _ := f.do(t, http.MethodPost, "/check-in", coordinator, map[string]any{"qrData": reg.QRCode.Payload, "kind": "event", "targetId": "hackathon"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, "checkin", next())
	require.True(t, lines.Scan())
	assert.Contains(t, lines.Text(), reg.ID)
}

func TestStreamCheckInsRejectsPartialTarget(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(t, http.MethodGet, "/check-ins/stream?kind=event", f.token(t, "C1", "coordinator"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperror.CodeInvalidRequest, resp.Code)
}
