package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"esimflow/auth"
	"esimflow/order"
	"esimflow/queue"
	"esimflow/signature"
	"esimflow/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct{}

func (fakeAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if req.Email == "taken@example.com" {
		return nil, auth.ErrDuplicateEmail
	}
	if len(req.Password) < 8 {
		return nil, auth.ErrWeakPassword
	}
	return &auth.User{ID: "user-1", Email: req.Email, FullName: req.FullName, Role: auth.RoleCustomer}, nil
}

func (fakeAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if req.Password != "strongpassword" {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}
	return auth.LoginResult{
		Token: "issued-token",
		User:  auth.User{ID: "user-1", Email: req.Email, Role: auth.RoleCustomer},
	}, nil
}

func (fakeAuth) VerifyToken(token string) (string, auth.Role, error) {
	switch token {
	case "admin-token":
		return "admin-1", auth.RoleAdmin, nil
	case "customer-token":
		return "user-1", auth.RoleCustomer, nil
	default:
		return "", "", errors.New("bad token")
	}
}

type fakeQueueSvc struct {
	enqueued []string
	summary  queue.Summary
}

func (f *fakeQueueSvc) Enqueue(_ context.Context, orderNo string, workType queue.WorkType) (queue.Item, error) {
	if !queue.ValidWorkType(workType) {
		return queue.Item{}, queue.ErrUnknownWorkType
	}
	f.enqueued = append(f.enqueued, orderNo)
	return queue.Item{ID: 7, OrderNo: orderNo, WorkType: workType, Status: queue.StatusPending}, nil
}

func (f *fakeQueueSvc) ProcessBatch(_ context.Context) (queue.Summary, error) {
	return f.summary, nil
}

type fakeWebhookSvc struct {
	payloads []webhook.Payload
	raw      []json.RawMessage
	err      error
}

func (f *fakeWebhookSvc) HandleEvent(_ context.Context, p webhook.Payload, raw json.RawMessage) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	f.raw = append(f.raw, raw)
	return nil
}

type fakeOrderStore struct {
	orders map[string]order.Order
	events map[string][]order.Event
}

func (f *fakeOrderStore) Create(_ context.Context, orderNo string, userID *string) (order.Order, error) {
	if _, ok := f.orders[orderNo]; ok {
		return order.Order{}, order.ErrDuplicate
	}
	o := order.Order{OrderNo: orderNo, UserID: userID, Status: order.StatusProcessing}
	if f.orders == nil {
		f.orders = map[string]order.Order{}
	}
	f.orders[orderNo] = o
	return o, nil
}

func (f *fakeOrderStore) Get(_ context.Context, orderNo string) (order.Order, error) {
	o, ok := f.orders[orderNo]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrderStore) Events(_ context.Context, orderNo string) ([]order.Event, error) {
	return f.events[orderNo], nil
}

type fakeQueueStore struct {
	items map[string]queue.Item
}

func (f *fakeQueueStore) LatestForOrder(_ context.Context, orderNo string) (queue.Item, bool, error) {
	it, ok := f.items[orderNo]
	return it, ok, nil
}

type fakeWebhookLog struct {
	events map[string][]webhook.Event
}

func (f *fakeWebhookLog) ListByOrder(_ context.Context, orderNo string) ([]webhook.Event, error) {
	return f.events[orderNo], nil
}

const webhookSecret = "whsec-test"

func newTestServer(t *testing.T) (*Server, *fakeQueueSvc, *fakeWebhookSvc, *fakeOrderStore) {
	t.Helper()
	queueSvc := &fakeQueueSvc{summary: queue.Summary{Processed: 3, Succeeded: 2, Failed: 1}}
	webhookSvc := &fakeWebhookSvc{}
	userID := "user-1"
	orders := &fakeOrderStore{
		orders: map[string]order.Order{
			"ORD-1": {OrderNo: "ORD-1", UserID: &userID, Status: order.StatusCompleted},
			"ORD-2": {OrderNo: "ORD-2", Status: order.StatusProcessing},
		},
		events: map[string][]order.Event{
			"ORD-1": {{OrderNo: "ORD-1", FromStatus: order.StatusProcessing, ToStatus: order.StatusCompleted, Source: order.SourceWebhook}},
		},
	}
	queueItems := &fakeQueueStore{items: map[string]queue.Item{
		"ORD-1": {ID: 3, OrderNo: "ORD-1", WorkType: queue.WorkTypeProvision, Status: queue.StatusCompleted, RetryCount: 2},
	}}
	webhookLog := &fakeWebhookLog{events: map[string][]webhook.Event{
		"ORD-1": {{OrderNo: "ORD-1", EventType: webhook.NotifyOrderStatus, Payload: json.RawMessage(`{}`)}},
	}}

	verifier := signature.NewVerifier(webhookSecret, 5*time.Minute)
	srv := NewServer(fakeAuth{}, queueSvc, webhookSvc, verifier, orders, queueItems, webhookLog, zap.NewNop())
	return srv, queueSvc, webhookSvc, orders
}

func signedWebhookRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	ts := signature.Timestamp(time.Now())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", signature.Sign(body, ts, webhookSecret))
	return req
}

func TestWebhookAcceptsSignedPayload(t *testing.T) {
	srv, _, webhookSvc, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"notifyType":"ORDER_STATUS","content":{"orderNo":"ORD-1","orderStatus":"READY_FOR_DOWNLOAD"}}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(webhookSvc.payloads) != 1 {
		t.Fatalf("handled %d payloads, want 1", len(webhookSvc.payloads))
	}
	if got := webhookSvc.payloads[0].Content.OrderNo; got != "ORD-1" {
		t.Errorf("order no = %q", got)
	}
	if !bytes.Equal(webhookSvc.raw[0], body) {
		t.Error("raw body was not passed through verbatim")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _, webhookSvc, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"notifyType":"ORDER_STATUS","content":{"orderNo":"ORD-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	ts := signature.Timestamp(time.Now())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", signature.Sign([]byte("different body"), ts, webhookSecret))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(webhookSvc.payloads) != 0 {
		t.Error("rejected delivery must not reach the service")
	}
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"notifyType":"DATA_USAGE","content":{"orderNo":"ORD-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	ts := signature.Timestamp(time.Now().Add(-time.Hour))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", signature.Sign(body, ts, webhookSecret))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookMalformedJSON(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"notifyType":`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhookUnknownOrderAcknowledged(t *testing.T) {
	// Only a signature failure may answer non-2xx; anything else tells the
	// provider to stop retrying. An event racing its order's creation is
	// audited and acknowledged.
	srv, _, webhookSvc, _ := newTestServer(t)
	webhookSvc.err = order.ErrNotFound
	router := srv.Router()

	body := []byte(`{"notifyType":"ORDER_STATUS","content":{"orderNo":"ORD-MISSING"}}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestProcessQueueRequiresAdmin(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"customer", "customer-token", http.StatusForbidden},
		{"admin", "admin-token", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queue/process", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestProcessQueueReturnsSummary(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/queue/process", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var got queue.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := queue.Summary{Processed: 3, Succeeded: 2, Failed: 1}
	if got != want {
		t.Errorf("summary = %+v, want %+v", got, want)
	}
}

func TestEnqueueCreatesOrderAndItem(t *testing.T) {
	srv, queueSvc, _, orders := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"order_no":"ORD-NEW","work_type":"PROVISION"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/queue/add", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := orders.orders["ORD-NEW"]; !ok {
		t.Error("order row was not created")
	}
	if len(queueSvc.enqueued) != 1 || queueSvc.enqueued[0] != "ORD-NEW" {
		t.Errorf("enqueued = %v", queueSvc.enqueued)
	}
}

func TestEnqueueUnknownWorkType(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"order_no":"ORD-1","work_type":"REPAINT"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/queue/add", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	cases := []struct {
		name    string
		token   string
		orderNo string
		status  int
	}{
		{"customer reads own order", "customer-token", "ORD-1", http.StatusOK},
		{"customer blocked from foreign order", "customer-token", "ORD-2", http.StatusNotFound},
		{"admin reads any order", "admin-token", "ORD-2", http.StatusOK},
		{"missing order", "admin-token", "ORD-NOPE", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/orders/"+tc.orderNo, nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestGetOrderIncludesFulfillment(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ORD-1", nil)
	req.Header.Set("Authorization", "Bearer customer-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp orderResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "COMPLETED" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Fulfillment == nil || resp.Fulfillment.RetryCount != 2 {
		t.Errorf("fulfillment = %+v", resp.Fulfillment)
	}
}

func TestOrderEventsAdminOnly(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ORD-1/events", nil)
	req.Header.Set("Authorization", "Bearer customer-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("customer status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/orders/ORD-1/events", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", w.Code)
	}

	var resp struct {
		Transitions   []transitionView `json:"transitions"`
		WebhookEvents []deliveryView   `json:"webhook_events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Transitions) != 1 || len(resp.WebhookEvents) != 1 {
		t.Errorf("transitions = %d, webhook events = %d", len(resp.Transitions), len(resp.WebhookEvents))
	}
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"email":"new@example.com","password":"strongpassword","full_name":"New User"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	body = []byte(`{"email":"taken@example.com","password":"strongpassword","full_name":"Dup"}`)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body)))
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", w.Code)
	}

	body = []byte(`{"email":"new@example.com","password":"strongpassword"}`)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}

	body = []byte(`{"email":"new@example.com","password":"wrong"}`)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
