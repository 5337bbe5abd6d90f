package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/domain"
	"github.com/phochat/payments/pkg/httpclient"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(config.PolarConfig{
		AccessToken:       "token",
		WebhookSecret:     "hook-secret",
		APIURL:            "https://polar.test/v1",
		ProductStandardID: "prod_std",
		ProductPremiumID:  "prod_prm",
		ProductLifetimeID: "prod_ltd",
	}, httpclient.New(zap.NewNop()), clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	client := newTestClient(t)
	body := []byte(`{"type":"payment.succeeded","data":{}}`)

	headers := http.Header{}
	headers.Set("Polar-Signature", signBody("hook-secret", body))
	if err := client.VerifySignature(body, headers); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	headers.Set("Polar-Signature", signBody("wrong-secret", body))
	if err := client.VerifySignature(body, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("wrong secret: got %v, want ErrInvalidSignature", err)
	}

	if err := client.VerifySignature(body, http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("missing header: got %v, want ErrInvalidSignature", err)
	}
}

func TestParseWebhookPaymentSucceeded(t *testing.T) {
	client := newTestClient(t)

	payload := `{"type":"payment.succeeded","data":{"id":"pay_1","productId":"prod_prm","amount":1999,"currency":"usd","metadata":{"userId":"user_9","orderId":"PHO_1740000000_cd34"}}}`
	notif, err := client.ParseWebhook([]byte(payload))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if notif.EventType != domain.EventTypePaymentSucceeded {
		t.Fatalf("event type = %q", notif.EventType)
	}
	if notif.OrderID != "PHO_1740000000_cd34" {
		t.Fatalf("order id = %q", notif.OrderID)
	}
	if notif.PlanID != "gl_premium" {
		t.Fatalf("plan = %q, want gl_premium from product mapping", notif.PlanID)
	}
	if notif.Amount != 1999 || notif.Currency != "USD" {
		t.Fatalf("amount/currency = %d %q", notif.Amount, notif.Currency)
	}
	if notif.UserID != "user_9" {
		t.Fatalf("user id = %q", notif.UserID)
	}
}

func TestParseWebhookSubscriptionEvents(t *testing.T) {
	client := newTestClient(t)

	payload := `{"type":"subscription.created","data":{"id":"sub_1","productId":"prod_std","currentPeriodStart":"2026-03-01T00:00:00Z","currentPeriodEnd":"2026-03-31T00:00:00Z","metadata":{"userId":"user_9"}}}`
	notif, err := client.ParseWebhook([]byte(payload))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if notif.EventType != domain.EventTypeSubscriptionUpdated {
		t.Fatalf("event type = %q", notif.EventType)
	}
	if notif.PlanID != "gl_standard" {
		t.Fatalf("plan = %q", notif.PlanID)
	}
	if notif.PeriodEnd.IsZero() || !notif.PeriodEnd.After(notif.PeriodStart) {
		t.Fatalf("period not parsed: %v .. %v", notif.PeriodStart, notif.PeriodEnd)
	}

	canceled := `{"type":"subscription.canceled","data":{"id":"sub_1","productId":"prod_std","metadata":{"userId":"user_9"}}}`
	notif, err = client.ParseWebhook([]byte(canceled))
	if err != nil {
		t.Fatalf("ParseWebhook canceled: %v", err)
	}
	if notif.EventType != domain.EventTypeSubscriptionCancel {
		t.Fatalf("event type = %q", notif.EventType)
	}
}

func TestParseWebhookIgnoresUnknownEvents(t *testing.T) {
	client := newTestClient(t)

	if _, err := client.ParseWebhook([]byte(`{"type":"benefit.granted","data":{}}`)); !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("got %v, want ErrEventIgnored", err)
	}
	if _, err := client.ParseWebhook([]byte("{")); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("got %v, want ErrInvalidPayload", err)
	}
}

func TestNewRequiresWebhookSecret(t *testing.T) {
	_, err := New(config.PolarConfig{}, httpclient.New(zap.NewNop()), clock.NewSystemClock(), zap.NewNop())
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}
