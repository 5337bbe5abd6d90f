// Package sepay adapts the Vietnamese bank-transfer gateway. Requests and
// webhooks are signed with an MD5 digest over the alphabetically sorted
// key=value pairs plus the merchant secret.
package sepay

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/domain"
	"go.uber.org/zap"
)

const ProviderName = "sepay"

type Client struct {
	cfg   config.SepayConfig
	httpc *retryablehttp.Client
	clk   clock.Clock
	log   *zap.Logger
}

func New(cfg config.SepayConfig, httpc *retryablehttp.Client, clk clock.Clock, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Client{
		cfg:   cfg,
		httpc: httpc,
		clk:   clk,
		log:   log.Named("gateway.sepay"),
	}, nil
}

func (c *Client) Provider() string {
	return ProviderName
}

// sign digests the sorted key=value pairs with the merchant secret appended.
func (c *Client) sign(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+values[key])
	}
	stringToSign := strings.Join(parts, "&") + "&key=" + c.cfg.SecretKey

	sum := md5.Sum([]byte(stringToSign))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifySignature checks the signature field carried inside the JSON body.
// The bank does not sign via headers.
func (c *Client) VerifySignature(payload []byte, _ http.Header) error {
	fields, err := decodeFields(payload)
	if err != nil {
		return domain.ErrInvalidPayload
	}

	signature := strings.TrimSpace(fields["signature"])
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	delete(fields, "signature")

	expected := c.sign(fields)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (c *Client) ParseWebhook(payload []byte) (*domain.Notification, error) {
	var body sepayWebhook
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	orderID := firstNonEmpty(body.OrderID, body.OrderIDSnake)
	if orderID == "" {
		return nil, domain.ErrInvalidPayload
	}

	amount := numberToInt64(body.Amount)
	if amount == 0 {
		amount = numberToInt64(body.AmountIn)
	}

	var eventType string
	switch strings.ToLower(strings.TrimSpace(body.Status)) {
	case "success", "paid":
		eventType = domain.EventTypePaymentSucceeded
	case "failed":
		eventType = domain.EventTypePaymentFailed
	case "pending":
		eventType = domain.EventTypePaymentPending
	default:
		return nil, domain.ErrEventIgnored
	}

	maskedCard := ""
	if strings.EqualFold(body.PaymentMethod, "credit_card") {
		maskedCard = strings.TrimSpace(body.MaskedCardNumber)
	}

	occurredAt := c.clk.Now().UTC()
	if ts := strings.TrimSpace(body.Timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(body.Currency))
	if currency == "" {
		currency = "VND"
	}

	return &domain.Notification{
		Provider:      ProviderName,
		EventType:     eventType,
		OrderID:       orderID,
		TransactionID: firstNonEmpty(body.TransactionID, body.TransactionIDSnake),
		Amount:        amount,
		Currency:      currency,
		MaskedCard:    maskedCard,
		OccurredAt:    occurredAt,
		RawPayload:    payload,
	}, nil
}

func (c *Client) CreateCheckout(ctx context.Context, req *domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	values := map[string]string{
		"merchant_id":    c.cfg.MerchantID,
		"order_id":       req.OrderID,
		"amount":         strconv.FormatInt(req.Amount, 10),
		"currency":       req.Currency,
		"description":    req.Description,
		"return_url":     c.cfg.ReturnURL,
		"cancel_url":     c.cfg.CancelURL,
		"notify_url":     c.cfg.NotifyURL,
		"customer_email": req.CustomerEmail,
		"timestamp":      strconv.FormatInt(c.clk.Now().UnixMilli(), 10),
	}

	var result createPaymentResponse
	if err := c.post(ctx, "/create-payment", values, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		c.log.Warn("checkout rejected",
			zap.String("order_id", req.OrderID),
			zap.String("message", result.Message),
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckoutFailed, result.Message)
	}

	return &domain.CheckoutSession{
		ID:         result.TransactionID,
		OrderID:    req.OrderID,
		PaymentURL: result.PaymentURL,
		Status:     "open",
	}, nil
}

func (c *Client) QueryStatus(ctx context.Context, q domain.StatusQuery) (*domain.StatusResult, error) {
	values := map[string]string{
		"merchant_id": c.cfg.MerchantID,
		"order_id":    q.OrderID,
		"timestamp":   strconv.FormatInt(c.clk.Now().UnixMilli(), 10),
	}

	var result queryPaymentResponse
	if err := c.post(ctx, "/query-payment", values, &result); err != nil {
		return nil, err
	}

	status := strings.ToLower(strings.TrimSpace(result.Status))
	paid := result.Success && (status == "success" || status == "paid")
	return &domain.StatusResult{
		OrderID:       q.OrderID,
		Paid:          paid,
		Status:        status,
		TransactionID: result.TransactionID,
		Amount:        numberToInt64(result.Amount),
		Currency:      "VND",
	}, nil
}

func (c *Client) post(ctx context.Context, path string, values map[string]string, out interface{}) error {
	payload := make(map[string]string, len(values)+1)
	for key, value := range values {
		payload[key] = value
	}
	payload["signature"] = c.sign(values)

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.APIURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return nil
}

type sepayWebhook struct {
	OrderID            string      `json:"orderId"`
	OrderIDSnake       string      `json:"order_id"`
	TransactionID      string      `json:"transactionId"`
	TransactionIDSnake string      `json:"transaction_id"`
	Amount             json.Number `json:"amount"`
	AmountIn           json.Number `json:"amount_in"`
	Currency           string      `json:"currency"`
	Status             string      `json:"status"`
	PaymentMethod      string      `json:"paymentMethod"`
	MaskedCardNumber   string      `json:"maskedCardNumber"`
	Timestamp          string      `json:"timestamp"`
}

type createPaymentResponse struct {
	Success       bool   `json:"success"`
	PaymentURL    string `json:"payment_url"`
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
	Error         string `json:"error"`
}

type queryPaymentResponse struct {
	Success       bool        `json:"success"`
	Status        string      `json:"status"`
	TransactionID string      `json:"transaction_id"`
	Amount        json.Number `json:"amount"`
	Message       string      `json:"message"`
}

// decodeFields flattens a JSON object into the string form each value had
// on the wire, matching how the bank builds its signing string.
func decodeFields(payload []byte) (map[string]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var raw map[string]interface{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch cast := value.(type) {
		case string:
			fields[key] = cast
		case json.Number:
			fields[key] = cast.String()
		case bool:
			fields[key] = strconv.FormatBool(cast)
		case nil:
			// Absent from the signing string.
		default:
			// Nested objects are not part of the signed surface.
		}
	}
	return fields, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func numberToInt64(value json.Number) int64 {
	if value == "" {
		return 0
	}
	if parsed, err := value.Int64(); err == nil {
		return parsed
	}
	if parsed, err := value.Float64(); err == nil {
		return int64(parsed)
	}
	return 0
}

var _ domain.Client = (*Client)(nil)
