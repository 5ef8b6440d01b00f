package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberHub/internal/pkg/security"
)

// Marketplace event names.
const (
	MarketplacePurchaseApproved = "PURCHASE_APPROVED"
	MarketplacePurchaseComplete = "PURCHASE_COMPLETE"
)

// Headers carrying the marketplace credentials.
const (
	MarketplaceTokenHeader     = "X-Webhook-Token"
	MarketplaceSignatureHeader = "X-Webhook-Signature"
)

// MarketplaceIngestor verifies and classifies alternate processor webhooks.
// The marketplace sells to people we may never have seen, so it matches by
// email and creates accounts.
type MarketplaceIngestor struct {
	svc           *Service
	token         string
	signingSecret string
	log           *zap.Logger
	metrics       *metrics.Billing
}

// NewMarketplaceIngestor creates the ingestor. signingSecret is optional;
// when set every delivery must also carry a valid body signature.
func NewMarketplaceIngestor(svc *Service, token, signingSecret string, log *zap.Logger, m *metrics.Billing) *MarketplaceIngestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketplaceIngestor{
		svc:           svc,
		token:         strings.TrimSpace(token),
		signingSecret: strings.TrimSpace(signingSecret),
		log:           log.Named("marketplace_webhook"),
		metrics:       m,
	}
}

// Handle authenticates one delivery and feeds it to the service.
func (i *MarketplaceIngestor) Handle(ctx context.Context, payload []byte, token, signature string) (*Ack, error) {
	if !security.ConstantTimeEqual(strings.TrimSpace(token), i.token) {
		i.metrics.WebhookRejected(models.ProcessorMarketplace, "token")
		return nil, fmt.Errorf("%w: bad webhook token", ErrAuthenticationFailure)
	}
	if i.signingSecret != "" && !security.VerifyHMACSHA256(payload, signature, i.signingSecret) {
		i.metrics.WebhookRejected(models.ProcessorMarketplace, "signature")
		return nil, fmt.Errorf("%w: bad body signature", ErrAuthenticationFailure)
	}

	// A body that does not decode is still recorded, keyed by its hash.
	var env marketplaceEnvelope
	_ = json.Unmarshal(payload, &env)

	return i.svc.ingestDelivery(ctx, WebhookEventInput{
		Provider:        models.ProcessorMarketplace,
		ProviderEventID: env.ID,
		EventType:       env.Event,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	}, func() (*Event, error) {
		return ClassifyMarketplaceEvent(payload)
	})
}

type marketplaceEnvelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

type marketplacePayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Buyer struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"buyer"`
		Purchase struct {
			Transaction string `json:"transaction"`
			Status      string `json:"status"`
			Price       struct {
				Value    decimal.Decimal `json:"value"`
				Currency string          `json:"currency_value"`
			} `json:"price"`
		} `json:"purchase"`
		Affiliates []struct {
			AffiliateCode string `json:"affiliate_code"`
			Name          string `json:"name"`
		} `json:"affiliates"`
	} `json:"data"`
}

// ClassifyMarketplaceEvent turns a marketplace delivery into one command.
// Approved purchases are full one-shot payments; every other event is
// acknowledged and dropped.
func ClassifyMarketplaceEvent(payload []byte) (*Event, error) {
	var p marketplacePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode marketplace payload: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(p.Event)) {
	case MarketplacePurchaseApproved, MarketplacePurchaseComplete:
	default:
		return nil, nil
	}

	purchase := p.Data.Purchase
	txn := strings.TrimSpace(purchase.Transaction)
	if txn == "" {
		return nil, fmt.Errorf("purchase without transaction code")
	}
	email := models.NormalizeEmail(p.Data.Buyer.Email)
	if email == "" {
		return nil, fmt.Errorf("purchase %s without buyer email", txn)
	}
	amount, err := MinorUnits(purchase.Price.Value, purchase.Price.Currency)
	if err != nil {
		return nil, fmt.Errorf("purchase %s: %w", txn, err)
	}

	attribution := ""
	if len(p.Data.Affiliates) > 0 {
		attribution = p.Data.Affiliates[0].AffiliateCode
		if attribution == "" {
			attribution = p.Data.Affiliates[0].Name
		}
	}

	return &Event{
		Target: Target{
			Email:           email,
			DisplayName:     p.Data.Buyer.Name,
			AllowEmail:      true,
			CreateIfMissing: true,
		},
		Command: membership.RecordCharge{
			AmountMinor: amount,
			Currency:    normalizeCurrency(purchase.Price.Currency),
			SourceRef:   models.ProcessorMarketplace + ":" + txn,
		},
		Attribution:              attribution,
		AlternateTransactionCode: txn,
	}, nil
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts a decimal amount in major units to an integer amount
// in the currency's minor unit, rounding half away from zero.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	currency = normalizeCurrency(currency)
	if len(currency) != 3 {
		return 0, fmt.Errorf("invalid currency %q", currency)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount.String())
	}
	exp := int32(2)
	if zeroDecimalCurrencies[currency] {
		exp = 0
	}
	return amount.Shift(exp).Round(0).IntPart(), nil
}
