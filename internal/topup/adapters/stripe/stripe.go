package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/topup/domain"
)

const providerName = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		webhookSecret:  secret,
		tolerance:      cfg.Tolerance,
		creditsPerUnit: cfg.CreditsPerUnit,
		now:            now,
	}, nil
}

type Adapter struct {
	webhookSecret  string
	tolerance      time.Duration
	creditsPerUnit int64
	now            func() time.Time
}

// Verify checks the Stripe-Signature header: an HMAC-SHA256 over
// "<t>.<payload>" that must match one of the v1 signatures. Timestamps
// outside the tolerance window are rejected to stop replays.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return domain.ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(unix, 0))
		if age > a.tolerance || age < -a.tolerance {
			return domain.ErrInvalidSignature
		}
	}

	expected := sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.PurchaseEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case domain.EventTypeCheckoutCompleted:
		return a.parseCheckoutSession(event)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string         `json:"id"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency"`
	PaymentIntent string         `json:"payment_intent"`
	PaymentStatus string         `json:"payment_status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent) (*domain.PurchaseEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if status := strings.TrimSpace(session.PaymentStatus); status != "" && status != "paid" {
		return nil, domain.ErrEventIgnored
	}

	accountID, subjectID, err := parseMetadataAccount(session.Metadata)
	if err != nil {
		return nil, err
	}
	credits, err := a.parseCredits(session.Metadata)
	if err != nil {
		return nil, err
	}

	paymentRef := strings.TrimSpace(session.PaymentIntent)
	if paymentRef == "" {
		paymentRef = session.ID
	}

	return &domain.PurchaseEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		AccountID:       accountID,
		SubjectID:       subjectID,
		Credits:         credits,
		Amount:          session.AmountTotal,
		Currency:        strings.ToUpper(strings.TrimSpace(session.Currency)),
		PaymentRef:      paymentRef,
		OccurredAt:      timestamp(session.Created, event.Created),
	}, nil
}

// parseCredits prefers an explicit credits amount and otherwise converts the
// purchased quantity with the configured credits per unit.
func (a *Adapter) parseCredits(metadata map[string]any) (int64, error) {
	if raw := readMetadataValue(metadata, "credits"); raw != "" {
		credits, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || credits <= 0 {
			return 0, domain.ErrInvalidEvent
		}
		return credits, nil
	}
	if raw := readMetadataValue(metadata, "quantity"); raw != "" {
		quantity, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || quantity <= 0 || a.creditsPerUnit <= 0 {
			return 0, domain.ErrInvalidEvent
		}
		return quantity * a.creditsPerUnit, nil
	}
	return 0, domain.ErrInvalidEvent
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, string(payload))))
	return hex.EncodeToString(mac.Sum(nil))
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseMetadataAccount(metadata map[string]any) (snowflake.ID, string, error) {
	if raw := readMetadataValue(metadata, "account_id"); raw != "" {
		accountID, err := snowflake.ParseString(raw)
		if err != nil || accountID == 0 {
			return 0, "", domain.ErrMissingAccount
		}
		return accountID, "", nil
	}
	for _, key := range []string{"user_id", "userId"} {
		if raw := readMetadataValue(metadata, key); raw != "" {
			return 0, raw, nil
		}
	}
	return 0, "", domain.ErrMissingAccount
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
