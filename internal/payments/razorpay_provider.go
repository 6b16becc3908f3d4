package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    RazorpayLogger
	Clock     func() time.Time
	Clients   *razorpayClients
}

// RazorpayProvider implements the Provider interface using Razorpay APIs.
type RazorpayProvider struct {
	api       razorpayClients
	keySecret string
	clock     func() time.Time
	logger    RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keySecret == "" {
		return nil, errors.New("razorpay: key secret is required")
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		if keyID == "" {
			return nil, errors.New("razorpay: key id is required")
		}
		rc := razorpay.NewClient(keyID, keySecret)
		clients = razorpayClients{
			orders:   rc.Order,
			payments: rc.Payment,
		}
	}
	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api:       clients,
		keySecret: keySecret,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateOrder creates a Razorpay order to be paid on the client.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if p == nil {
		return GatewayOrder{}, errors.New("razorpay: provider is nil")
	}
	if req.AmountMinorUnits <= 0 {
		return GatewayOrder{}, errors.New("razorpay: order amount must be positive")
	}

	data := map[string]interface{}{
		"amount":   req.AmountMinorUnits,
		"currency": strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := p.api.orders.Create(data, nil)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: create order: %w", err)
	}

	order := GatewayOrder{
		ID:               rzpString(body, "id"),
		Provider:         "razorpay",
		AmountMinorUnits: rzpInt64(body, "amount"),
		Currency:         rzpString(body, "currency"),
		Receipt:          rzpString(body, "receipt"),
		Status:           razorpayOrderStatus(rzpString(body, "status")),
		Raw:              body,
	}
	if order.ID == "" {
		return GatewayOrder{}, errors.New("razorpay: order response missing id")
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"orderId":  order.ID,
		"amount":   order.AmountMinorUnits,
		"currency": order.Currency,
	})
	return order, nil
}

// VerifyPaymentSignature checks the HMAC the client returns after completing
// payment. The signed payload is "<orderID>|<paymentID>" keyed by the secret.
func (p *RazorpayProvider) VerifyPaymentSignature(ctx context.Context, req VerifyRequest) error {
	if p == nil {
		return errors.New("razorpay: provider is nil")
	}
	orderID := strings.TrimSpace(req.OrderID)
	paymentID := strings.TrimSpace(req.PaymentID)
	signature := strings.TrimSpace(req.Signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return ErrSignatureMismatch
	}

	mac := hmac.New(sha256.New, []byte(p.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) != 1 {
		p.logger(ctx, "payments.razorpay.signature.rejected", map[string]any{
			"orderId":   orderID,
			"paymentId": paymentID,
		})
		return ErrSignatureMismatch
	}
	return nil
}

// FetchPayment retrieves payment details for reconciliation.
func (p *RazorpayProvider) FetchPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}
	body, err := p.api.payments.Fetch(paymentID, nil, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: fetch payment: %w", err)
	}
	return razorpayPaymentDetails(body), nil
}

// Refund creates a refund for a captured payment.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}

	amount := 0
	if req.AmountMinorUnits != nil {
		amount = int(*req.AmountMinorUnits)
	}
	data := map[string]interface{}{}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	if _, err := p.api.payments.Refund(paymentID, amount, data, nil); err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: refund payment: %w", err)
	}
	p.logger(ctx, "payments.razorpay.payment.refunded", map[string]any{
		"paymentId": paymentID,
	})
	return p.FetchPayment(ctx, paymentID)
}

func razorpayPaymentDetails(body map[string]interface{}) PaymentDetails {
	status := StatusCreated
	switch rzpString(body, "status") {
	case "authorized":
		status = StatusAuthorized
	case "captured":
		status = StatusCaptured
	case "failed":
		status = StatusFailed
	case "refunded":
		status = StatusRefunded
	}
	return PaymentDetails{
		Provider:         "razorpay",
		PaymentID:        rzpString(body, "id"),
		OrderID:          rzpString(body, "order_id"),
		Status:           status,
		AmountMinorUnits: rzpInt64(body, "amount"),
		Currency:         strings.ToUpper(rzpString(body, "currency")),
		Method:           rzpString(body, "method"),
		Captured:         status == StatusCaptured || status == StatusRefunded,
		Raw:              body,
	}
}

func razorpayOrderStatus(status string) Status {
	switch status {
	case "paid":
		return StatusCaptured
	case "attempted":
		return StatusAuthorized
	default:
		return StatusCreated
	}
}

func rzpString(body map[string]interface{}, key string) string {
	if value, ok := body[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func rzpInt64(body map[string]interface{}, key string) int64 {
	switch value := body[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	default:
		return 0
	}
}
