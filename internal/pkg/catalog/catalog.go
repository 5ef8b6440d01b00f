package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	MetadataType         = "type"
	MetadataInstallments = "installments"
	TypeMembershipTier   = "membership_tier"
)

var ErrOfferNotFound = errors.New("catalog: no matching offer")

// Price is a processor-side price object as listed from the catalog.
type Price struct {
	ID         string
	Active     bool
	Created    int64
	Currency   string
	UnitAmount int64
	Recurring  bool
	Interval   string
	Metadata   map[string]string
}

// Offer is the resolved PriceOffer for a tier.
type Offer struct {
	PriceID              string `json:"price_id"`
	InstallmentsRequired int    `json:"installments_required"`
	Currency             string `json:"currency"`
	UnitAmount           int64  `json:"unit_amount"`
	Recurring            bool   `json:"recurring"`
	Interval             string `json:"interval,omitempty"`
}

// PriceLister lists every price, archived ones included, in a currency.
type PriceLister interface {
	ListPrices(ctx context.Context, currency string) ([]Price, error)
}

// Cache stores resolved offers. Misses return ok=false and no error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Catalog is the Price Catalog Adapter.
type Catalog struct {
	lister PriceLister
	cache  Cache
	ttl    time.Duration
	log    *zap.Logger
}

func New(lister PriceLister, cache Cache, ttl time.Duration, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{lister: lister, cache: cache, ttl: ttl, log: log.Named("catalog")}
}

// Resolve returns the current offer for a tier with the given installment
// count and currency.
func (c *Catalog) Resolve(ctx context.Context, installments int, currency string) (Offer, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if installments < 1 || currency == "" {
		return Offer{}, fmt.Errorf("%w: installments=%d currency=%q", ErrOfferNotFound, installments, currency)
	}
	key := cacheKey(installments, currency)

	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Warn("offer cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			var offer Offer
			if err := json.Unmarshal(raw, &offer); err == nil {
				return offer, nil
			}
		}
	}

	prices, err := c.lister.ListPrices(ctx, currency)
	if err != nil {
		return Offer{}, fmt.Errorf("list prices: %w", err)
	}
	offer, ok := SelectOffer(prices, installments, currency)
	if !ok {
		return Offer{}, fmt.Errorf("%w: installments=%d currency=%s", ErrOfferNotFound, installments, currency)
	}

	if c.cache != nil && c.ttl > 0 {
		if raw, err := json.Marshal(offer); err == nil {
			if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
				c.log.Warn("offer cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return offer, nil
}

// SelectOffer picks the most recently created membership tier price tagged
// with the installment count. Equal creation times prefer the active price.
func SelectOffer(prices []Price, installments int, currency string) (Offer, bool) {
	var best *Price
	for i := range prices {
		p := &prices[i]
		if !strings.EqualFold(p.Currency, currency) {
			continue
		}
		if p.Metadata[MetadataType] != TypeMembershipTier {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(p.Metadata[MetadataInstallments]))
		if err != nil || n != installments {
			continue
		}
		if best == nil || p.Created > best.Created || (p.Created == best.Created && p.Active && !best.Active) {
			best = p
		}
	}
	if best == nil {
		return Offer{}, false
	}
	return Offer{
		PriceID:              best.ID,
		InstallmentsRequired: installments,
		Currency:             strings.ToLower(best.Currency),
		UnitAmount:           best.UnitAmount,
		Recurring:            best.Recurring,
		Interval:             best.Interval,
	}, true
}

// InstallmentsFromMetadata reads the installment count tag, 0 when absent.
func InstallmentsFromMetadata(md map[string]string) int {
	n, err := strconv.Atoi(strings.TrimSpace(md[MetadataInstallments]))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

func cacheKey(installments int, currency string) string {
	return fmt.Sprintf("catalog:offer:%s:%d", currency, installments)
}

// RedisCache is the Cache backed by the shared redis client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}
