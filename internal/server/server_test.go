package server_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/adapters"
	"github.com/phochat/payments/internal/gateway/adapters/sepay"
	gatewaydomain "github.com/phochat/payments/internal/gateway/domain"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	orderrepo "github.com/phochat/payments/internal/order/repository"
	orderservice "github.com/phochat/payments/internal/order/service"
	"github.com/phochat/payments/internal/paymentmetrics"
	reconcileservice "github.com/phochat/payments/internal/reconcile/service"
	"github.com/phochat/payments/internal/server"
	subrepo "github.com/phochat/payments/internal/subscription/repository"
	walletrepo "github.com/phochat/payments/internal/wallet/repository"
	walletservice "github.com/phochat/payments/internal/wallet/service"
	weblogrepo "github.com/phochat/payments/internal/webhooklog/repository"
	weblogservice "github.com/phochat/payments/internal/webhooklog/service"
	"github.com/phochat/payments/pkg/httpclient"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSepaySecret    = "sepay-test-secret"
	testInternalSecret = "internal-test-secret"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE payment_orders (
			id BIGINT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL DEFAULT 'monthly',
			provider TEXT NOT NULL,
			expected_amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			transaction_id TEXT,
			masked_card_number TEXT,
			raw_webhook TEXT,
			confirmed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payment_orders_order_id ON payment_orders(order_id)`,
		`CREATE TABLE webhook_logs (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			order_id TEXT,
			transaction_id TEXT,
			amount BIGINT,
			currency TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			payload TEXT,
			received_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE wallets (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			tier_code TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE subscriptions (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL DEFAULT 'monthly',
			status TEXT NOT NULL DEFAULT 'active',
			provider TEXT NOT NULL,
			current_period_start TIMESTAMP NOT NULL,
			current_period_end TIMESTAMP NOT NULL,
			canceled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_subscriptions_user ON subscriptions(user_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// fakeClient is a checkout-capable gateway stub.
type fakeClient struct {
	provider string
	status   *gatewaydomain.StatusResult
}

func (f *fakeClient) Provider() string { return f.provider }

func (f *fakeClient) CreateCheckout(_ context.Context, req *gatewaydomain.CheckoutRequest) (*gatewaydomain.CheckoutSession, error) {
	return &gatewaydomain.CheckoutSession{
		ID:         "sess_test_1",
		OrderID:    req.OrderID,
		PaymentURL: "https://checkout.example/sess_test_1",
		Status:     "open",
	}, nil
}

func (f *fakeClient) QueryStatus(_ context.Context, q gatewaydomain.StatusQuery) (*gatewaydomain.StatusResult, error) {
	res := *f.status
	res.OrderID = q.OrderID
	return &res, nil
}

func (f *fakeClient) VerifySignature([]byte, http.Header) error { return nil }

func (f *fakeClient) ParseWebhook([]byte) (*gatewaydomain.Notification, error) {
	return nil, gatewaydomain.ErrEventIgnored
}

type fixture struct {
	engine *gin.Engine
	db     *gorm.DB
	clk    *clock.FakeClock
	orders orderdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	node, err := snowflake.NewNode(41)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{
		HTTPAddr:          ":0",
		InternalAPISecret: testInternalSecret,
		Sepay: config.SepayConfig{
			MerchantID: "merchant_test",
			SecretKey:  testSepaySecret,
			APIURL:     "http://127.0.0.1:0",
		},
	}

	sp, err := sepay.New(cfg.Sepay, httpclient.New(log), clk, log)
	if err != nil {
		t.Fatalf("sepay client: %v", err)
	}
	fake := &fakeClient{
		provider: "fakepay",
		status: &gatewaydomain.StatusResult{
			Paid:          true,
			Status:        "success",
			TransactionID: "MANUAL01",
			Amount:        999,
			Currency:      "USD",
		},
	}
	registry := adapters.NewRegistry(sp, fake)

	holder, err := config.NewReconcileConfigHolder()
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	collector := paymentmetrics.NewCollector(paymentmetrics.Params{Log: log, Clock: clk, Holder: holder})

	weblogSvc := weblogservice.NewService(weblogservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: weblogrepo.Provide(),
	})
	walletSvc := walletservice.NewService(walletservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: walletrepo.Provide(), SubRepo: subrepo.Provide(),
	})
	orderSvc := orderservice.NewService(orderservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: orderrepo.Provide(),
	})
	engine := reconcileservice.NewService(reconcileservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Holder: holder,
		OrderRepo: orderrepo.Provide(), WalletSvc: walletSvc,
		WebhookLog: weblogSvc, Registry: registry, Collector: collector,
	})
	ingest := reconcileservice.NewIngestor(reconcileservice.IngestParams{
		Log: log, Clock: clk, Registry: registry, Engine: engine,
		WalletSvc: walletSvc, WebhookLog: weblogSvc, Collector: collector,
	})

	r := gin.New()
	r.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin: r, Cfg: cfg, DB: db, Log: log, GenID: node, Clock: clk,
		Holder: holder, Registry: registry,
		OrderSvc: orderSvc, WalletSvc: walletSvc, WeblogSvc: weblogSvc,
		Reconciler: engine, Ingest: ingest, Collector: collector,
	})

	return &fixture{engine: r, db: db, clk: clk, orders: orderSvc}
}

func (f *fixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func signSepayPayload(secret string, fields map[string]any) []byte {
	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			flat[k] = val
		case int:
			flat[k] = fmt.Sprintf("%d", val)
		}
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	sum := md5.Sum([]byte(strings.Join(parts, "&") + "&key=" + secret))
	fields["signature"] = strings.ToUpper(fmt.Sprintf("%x", sum))
	body, _ := json.Marshal(fields)
	return body
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestWebhookEndpointConfirmsAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	order, err := f.orders.CreateOrder(context.Background(), &orderdomain.CreateOrderRequest{
		UserID: "user_1", PlanID: "vn_basic", Provider: "sepay", Amount: 69_000, Currency: "VND",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	body := signSepayPayload(testSepaySecret, map[string]any{
		"orderId":       order.OrderID,
		"amount":        69_000,
		"status":        "success",
		"transactionId": "FT5001",
	})

	w := f.do(http.MethodPost, "/api/payment/sepay/webhook", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if out := decode(t, w); out["outcome"] != "confirmed" {
		t.Fatalf("outcome = %v", out["outcome"])
	}

	w = f.do(http.MethodPost, "/api/payment/sepay/webhook", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d", w.Code)
	}
	if out := decode(t, w); out["outcome"] != "duplicate" {
		t.Fatalf("replay outcome = %v", out["outcome"])
	}
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	body := signSepayPayload("wrong-secret", map[string]any{
		"orderId": "PHO_1_X", "amount": 1000, "status": "success",
	})
	w := f.do(http.MethodPost, "/api/payment/sepay/webhook", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookEndpointUnknownProvider(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/payment/stripe/webhook", []byte(`{}`), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCheckoutEndpointCreatesOrderAndSession(t *testing.T) {
	f := newFixture(t)

	body, _ := json.Marshal(map[string]string{
		"user_id":  "user_9",
		"plan_id":  "gl_standard",
		"provider": "fakepay",
	})
	w := f.do(http.MethodPost, "/api/checkout", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["payment_url"] != "https://checkout.example/sess_test_1" {
		t.Fatalf("payment_url = %v", out["payment_url"])
	}

	orderID, _ := out["order_id"].(string)
	order, err := f.orders.GetByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.TransactionID != "sess_test_1" {
		t.Fatalf("session not attached: %q", order.TransactionID)
	}
	if order.ExpectedAmount != 999 || order.Currency != "USD" {
		t.Fatalf("order amount = %d %s", order.ExpectedAmount, order.Currency)
	}
}

func TestCheckoutEndpointRejectsUnknownPlan(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(map[string]string{"user_id": "u", "plan_id": "no_such_plan"})
	w := f.do(http.MethodPost, "/api/checkout", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	order, err := f.orders.CreateOrder(context.Background(), &orderdomain.CreateOrderRequest{
		UserID: "user_1", PlanID: "vn_basic", Provider: "sepay", Amount: 69_000, Currency: "VND",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	w := f.do(http.MethodGet, "/api/payment/status?order_id="+order.OrderID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if out := decode(t, w); out["status"] != "pending" {
		t.Fatalf("order status = %v", out["status"])
	}

	w = f.do(http.MethodGet, "/api/payment/status?order_id=PHO_0_MISSING", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing order status = %d, want 404", w.Code)
	}
}

func TestWalletStatusRequiresInternalSecret(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/internal/wallet/status?user_id=user_1", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	w = f.do(http.MethodGet, "/api/internal/wallet/status?user_id=user_1", nil, map[string]string{
		"X-Internal-Secret": testInternalSecret,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["tier"] != "free" || out["_auto_created"] != true {
		t.Fatalf("wallet status = %v", out)
	}
}

func TestManualVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	order, err := f.orders.CreateOrder(context.Background(), &orderdomain.CreateOrderRequest{
		UserID: "user_5", PlanID: "gl_standard", Provider: "fakepay", Amount: 999, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"order_id": order.OrderID})
	w := f.do(http.MethodPost, "/api/internal/payments/verify", body, map[string]string{
		"X-Internal-Secret": testInternalSecret,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if out := decode(t, w); out["outcome"] != "confirmed" {
		t.Fatalf("outcome = %v", out["outcome"])
	}

	var balance int64
	if err := f.db.Raw(`SELECT balance FROM wallets WHERE user_id = ?`, "user_5").Scan(&balance).Error; err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 300_000 {
		t.Fatalf("balance = %d, want 300000", balance)
	}
}

func TestPaymentHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health/payments", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	if out["healthy"] != true {
		t.Fatalf("healthy = %v", out["healthy"])
	}
}
