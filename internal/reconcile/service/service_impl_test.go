package service_test

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/adapters"
	"github.com/phochat/payments/internal/gateway/adapters/sepay"
	gatewaydomain "github.com/phochat/payments/internal/gateway/domain"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	orderrepo "github.com/phochat/payments/internal/order/repository"
	orderservice "github.com/phochat/payments/internal/order/service"
	"github.com/phochat/payments/internal/paymentmetrics"
	"github.com/phochat/payments/internal/reconcile/domain"
	reconcileservice "github.com/phochat/payments/internal/reconcile/service"
	subrepo "github.com/phochat/payments/internal/subscription/repository"
	walletrepo "github.com/phochat/payments/internal/wallet/repository"
	walletservice "github.com/phochat/payments/internal/wallet/service"
	weblogrepo "github.com/phochat/payments/internal/webhooklog/repository"
	weblogservice "github.com/phochat/payments/internal/webhooklog/service"
	"github.com/phochat/payments/pkg/httpclient"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Single connection keeps concurrent transactions serialized.
	sqlDB.SetMaxOpenConns(1)

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

const testSepaySecret = "sepay-test-secret"

type fixture struct {
	db        *gorm.DB
	clk       *clock.FakeClock
	engine    domain.Service
	ingest    domain.Ingestor
	orders    orderdomain.Service
	collector *paymentmetrics.Collector
}

// fakeClient stands in for a gateway during status-poll tests.
type fakeClient struct {
	provider string
	status   *gatewaydomain.StatusResult
	err      error
	queries  int
}

func (f *fakeClient) Provider() string { return f.provider }

func (f *fakeClient) CreateCheckout(context.Context, *gatewaydomain.CheckoutRequest) (*gatewaydomain.CheckoutSession, error) {
	return nil, gatewaydomain.ErrCheckoutFailed
}

func (f *fakeClient) QueryStatus(_ context.Context, q gatewaydomain.StatusQuery) (*gatewaydomain.StatusResult, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.status
	res.OrderID = q.OrderID
	return &res, nil
}

func (f *fakeClient) VerifySignature([]byte, http.Header) error { return nil }

func (f *fakeClient) ParseWebhook([]byte) (*gatewaydomain.Notification, error) {
	return nil, gatewaydomain.ErrEventIgnored
}

func newFixture(t *testing.T, clients ...gatewaydomain.Client) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	node, err := snowflake.NewNode(21)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	if len(clients) == 0 {
		sp, err := sepay.New(config.SepayConfig{
			MerchantID: "merchant_test",
			SecretKey:  testSepaySecret,
			APIURL:     "http://127.0.0.1:0",
		}, httpclient.New(log), clk, log)
		if err != nil {
			t.Fatalf("sepay client: %v", err)
		}
		clients = []gatewaydomain.Client{sp}
	}
	registry := adapters.NewRegistry(clients...)

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

	return &fixture{db: db, clk: clk, engine: engine, ingest: ingest, orders: orderSvc, collector: collector}
}

func (f *fixture) createOrder(t *testing.T, userID, planID string, amount int64) *orderdomain.PaymentOrder {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), &orderdomain.CreateOrderRequest{
		UserID:   userID,
		PlanID:   planID,
		Provider: "sepay",
		Amount:   amount,
		Currency: "VND",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) walletBalance(t *testing.T, userID string) (int64, bool) {
	t.Helper()
	var row struct {
		Balance int64
		N       int64
	}
	err := f.db.Raw(`SELECT COALESCE(MAX(balance),0) AS balance, COUNT(*) AS n FROM wallets WHERE user_id = ?`, userID).Scan(&row).Error
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	return row.Balance, row.N > 0
}

func (f *fixture) logRows(t *testing.T, orderID string) []string {
	t.Helper()
	var statuses []string
	if err := f.db.Raw(`SELECT status FROM webhook_logs WHERE order_id = ? ORDER BY id`, orderID).Scan(&statuses).Error; err != nil {
		t.Fatalf("log rows: %v", err)
	}
	return statuses
}

func signSepayPayload(fields map[string]any) []byte {
	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			flat[k] = val
		case int:
			flat[k] = fmt.Sprintf("%d", val)
		case int64:
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
	sum := md5.Sum([]byte(strings.Join(parts, "&") + "&key=" + testSepaySecret))
	fields["signature"] = strings.ToUpper(fmt.Sprintf("%x", sum))

	body, _ := json.Marshal(fields)
	return body
}

func TestWebhookConfirmationCreditsWalletOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_basic", 29_000)

	body := signSepayPayload(map[string]any{
		"orderId":       order.OrderID,
		"amount_in":     29_000,
		"status":        "success",
		"transactionId": "FT9981",
	})

	res, err := f.ingest.HandleWebhook(ctx, "sepay", body, nil)
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if res.Outcome != domain.OutcomeConfirmed {
		t.Fatalf("outcome = %q, want confirmed", res.Outcome)
	}

	stored, err := f.orders.GetByOrderID(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != orderdomain.StatusConfirmed {
		t.Fatalf("order status = %q", stored.Status)
	}
	if stored.TransactionID != "FT9981" {
		t.Fatalf("transaction id = %q", stored.TransactionID)
	}
	if balance, ok := f.walletBalance(t, "user_1"); !ok || balance != 300_000 {
		t.Fatalf("balance = %d (exists=%v), want 300000", balance, ok)
	}

	// The bank fires the same delivery again.
	res, err = f.ingest.HandleWebhook(ctx, "sepay", body, nil)
	if err != nil {
		t.Fatalf("replay webhook: %v", err)
	}
	if res.Outcome != domain.OutcomeDuplicate {
		t.Fatalf("replay outcome = %q, want duplicate", res.Outcome)
	}
	if balance, _ := f.walletBalance(t, "user_1"); balance != 300_000 {
		t.Fatalf("balance after replay = %d", balance)
	}

	rows := f.logRows(t, order.OrderID)
	if len(rows) != 2 || rows[0] != "success" || rows[1] != "ignored" {
		t.Fatalf("log rows = %v, want [success ignored]", rows)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_basic", 29_000)

	body := signSepayPayload(map[string]any{
		"orderId": order.OrderID,
		"amount":  29_000,
		"status":  "success",
	})
	tampered := []byte(strings.Replace(string(body), "29000", "1000", 1))

	if _, err := f.ingest.HandleWebhook(ctx, "sepay", tampered, nil); !errors.Is(err, gatewaydomain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	stored, err := f.orders.GetByOrderID(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != orderdomain.StatusPending {
		t.Fatalf("order status = %q, want pending", stored.Status)
	}
}

func TestAmountMismatchLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_creator", 199_000)

	res, err := f.engine.Process(ctx, &domain.Signal{
		Provider:       "sepay",
		OrderID:        order.OrderID,
		EventType:      gatewaydomain.EventTypePaymentSucceeded,
		ObservedAmount: 150_000,
		Currency:       "VND",
		Origin:         domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != domain.OutcomeMismatch {
		t.Fatalf("outcome = %q, want mismatch", res.Outcome)
	}

	stored, _ := f.orders.GetByOrderID(ctx, order.OrderID)
	if stored.Status != orderdomain.StatusPending {
		t.Fatalf("order status = %q, want pending", stored.Status)
	}
	if _, exists := f.walletBalance(t, "user_1"); exists {
		t.Fatal("mismatched payment must not create a wallet")
	}
}

func TestToleranceAbsorbsTransferFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_basic", 69_000)

	res, err := f.engine.Process(ctx, &domain.Signal{
		Provider:       "sepay",
		OrderID:        order.OrderID,
		EventType:      gatewaydomain.EventTypePaymentSucceeded,
		ObservedAmount: 69_800,
		Currency:       "VND",
		Origin:         domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != domain.OutcomeConfirmed {
		t.Fatalf("outcome = %q, want confirmed", res.Outcome)
	}
}

func TestUnknownOrderIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.engine.Process(ctx, &domain.Signal{
		Provider:       "sepay",
		OrderID:        "PHO_0_NOSUCHORDER",
		EventType:      gatewaydomain.EventTypePaymentSucceeded,
		ObservedAmount: 10_000,
		Origin:         domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != domain.OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", res.Outcome)
	}
	if rows := f.logRows(t, "PHO_0_NOSUCHORDER"); len(rows) != 1 || rows[0] != "ignored" {
		t.Fatalf("log rows = %v", rows)
	}
}

func TestFailedEventBlocksLaterConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_pro", 499_000)

	res, err := f.engine.Process(ctx, &domain.Signal{
		Provider:  "sepay",
		OrderID:   order.OrderID,
		EventType: gatewaydomain.EventTypePaymentFailed,
		Origin:    domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("process failed event: %v", err)
	}
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", res.Outcome)
	}

	res, err = f.engine.Process(ctx, &domain.Signal{
		Provider:       "sepay",
		OrderID:        order.OrderID,
		EventType:      gatewaydomain.EventTypePaymentSucceeded,
		ObservedAmount: 499_000,
		Origin:         domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("process success after failure: %v", err)
	}
	if res.Outcome != domain.OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", res.Outcome)
	}
	if _, exists := f.walletBalance(t, "user_1"); exists {
		t.Fatal("failed order must not credit the wallet")
	}
}

func TestConcurrentDeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, "user_1", "vn_creator", 199_000)

	const deliveries = 6
	outcomes := make(chan string, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := f.engine.Process(ctx, &domain.Signal{
				Provider:       "sepay",
				OrderID:        order.OrderID,
				TransactionID:  fmt.Sprintf("FT%d", n),
				EventType:      gatewaydomain.EventTypePaymentSucceeded,
				ObservedAmount: 199_000,
				Currency:       "VND",
				Origin:         domain.OriginWebhook,
			})
			if err != nil {
				outcomes <- "error: " + err.Error()
				return
			}
			outcomes <- res.Outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	confirmed := 0
	for outcome := range outcomes {
		switch outcome {
		case domain.OutcomeConfirmed:
			confirmed++
		case domain.OutcomeDuplicate:
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	if confirmed != 1 {
		t.Fatalf("confirmed = %d, want exactly 1", confirmed)
	}
	if balance, _ := f.walletBalance(t, "user_1"); balance != 500_000 {
		t.Fatalf("balance = %d, want 500000", balance)
	}
	if detected := f.collector.Snapshot().PaymentsDetected; detected != 1 {
		t.Fatalf("payments detected = %d, want 1", detected)
	}
}

func TestVerifyOrderConfirmsViaPoll(t *testing.T) {
	ctx := context.Background()
	fake := &fakeClient{
		provider: "sepay",
		status: &gatewaydomain.StatusResult{
			Paid:          true,
			Status:        "success",
			TransactionID: "POLL001",
			Amount:        69_000,
			Currency:      "VND",
		},
	}
	f := newFixture(t, fake)
	order := f.createOrder(t, "user_1", "vn_basic", 69_000)

	res, err := f.engine.VerifyOrder(ctx, order.OrderID, domain.OriginPoll)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != domain.OutcomeConfirmed {
		t.Fatalf("outcome = %q, want confirmed", res.Outcome)
	}
	if balance, _ := f.walletBalance(t, "user_1"); balance != 300_000 {
		t.Fatalf("balance = %d", balance)
	}

	// Confirmed orders short-circuit before the gateway is queried.
	queriesBefore := fake.queries
	res, err = f.engine.VerifyOrder(ctx, order.OrderID, domain.OriginManual)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if res.Outcome != domain.OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", res.Outcome)
	}
	if fake.queries != queriesBefore {
		t.Fatal("gateway queried for a settled order")
	}
}

func TestVerifyOrderPendingLeavesOrderAlone(t *testing.T) {
	ctx := context.Background()
	fake := &fakeClient{
		provider: "sepay",
		status:   &gatewaydomain.StatusResult{Paid: false, Status: "pending"},
	}
	f := newFixture(t, fake)
	order := f.createOrder(t, "user_1", "vn_basic", 69_000)

	res, err := f.engine.VerifyOrder(ctx, order.OrderID, domain.OriginPoll)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != domain.OutcomePending {
		t.Fatalf("outcome = %q, want pending", res.Outcome)
	}
	if rows := f.logRows(t, order.OrderID); len(rows) != 0 {
		t.Fatalf("pending poll must not write log rows, got %v", rows)
	}
}

func TestVerifyOrderUnknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.VerifyOrder(context.Background(), "PHO_0_MISSING", domain.OriginManual); !errors.Is(err, domain.ErrUnknownOrder) {
		t.Fatalf("err = %v, want ErrUnknownOrder", err)
	}
}
