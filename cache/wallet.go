/*
Package cache keeps a redis copy of wallet balances for the read path.

PURPOSE:
  GET /users/{id}/wallet is the hottest endpoint and only needs the derived
  balances. WalletCache stores them per wallet under a short TTL so repeated
  reads skip the store.

CONSISTENCY:
  The store remains the source of truth. Every write path invalidates:
  - the API deletes the key after each mutating request it served
  - WalletCache is also a booking.Notifier, so lifecycle transitions driven
    outside a request (the completion scheduler) invalidate as well
  Invalidation bumps a per-wallet generation counter before deleting the
  entry. A reader notes the generation before it reads the store and tags
  its snapshot with it; a snapshot filled across an invalidation carries an
  old generation and reads as a miss, so a balance read before a commit is
  never served next to the commit's transaction row.
  The TTL bounds staleness if an invalidation is lost. A redis failure is
  never fatal: reads fall through to the store and the error is logged.

KEYS:
  wallet:v2:{wallet_id}:balances -> {"generation": n, "balances": [...]}
  wallet:v2:{wallet_id}:gen      -> invalidation counter
*/
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/ledger"
)

// DefaultTTL applies when New is given a non-positive ttl.
const DefaultTTL = 30 * time.Second

// generationTTL outlives any entry by far, so a counter that expires and
// restarts at zero cannot revive an old snapshot.
const generationTTL = 24 * time.Hour

var _ booking.Notifier = (*WalletCache)(nil)

type WalletCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// Dial connects to redis and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func New(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *WalletCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletCache{client: client, ttl: ttl, logger: logger}
}

// BalancesKey formats the cache key of a wallet's balances.
func BalancesKey(walletID ledger.WalletID) string {
	return fmt.Sprintf("wallet:v2:%s:balances", walletID)
}

// GenerationKey holds the wallet's invalidation counter.
func GenerationKey(walletID ledger.WalletID) string {
	return fmt.Sprintf("wallet:v2:%s:gen", walletID)
}

type entry struct {
	Generation int64           `json:"generation"`
	Balances   []cachedBalance `json:"balances"`
}

type cachedBalance struct {
	Currency  string          `json:"currency"`
	Settled   decimal.Decimal `json:"settled"`
	Held      decimal.Decimal `json:"held"`
	Available decimal.Decimal `json:"available"`
}

// Balances returns the cached balances and the wallet's current generation.
// ok is false on a miss, including an entry filled under an older
// generation. Pass gen to SetBalances after reading the store.
func (c *WalletCache) Balances(ctx context.Context, walletID ledger.WalletID) (balances []ledger.Balance, gen int64, ok bool, err error) {
	vals, err := c.client.MGet(ctx, GenerationKey(walletID), BalancesKey(walletID)).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("cache get: %w", err)
	}
	if gen, err = parseGeneration(vals[0]); err != nil {
		return nil, 0, false, err
	}
	raw, _ := vals[1].(string)
	if raw == "" {
		return nil, gen, false, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Unreadable entry; drop it so the next read repopulates.
		c.drop(ctx, walletID)
		return nil, gen, false, fmt.Errorf("cache decode: %w", err)
	}
	if e.Generation != gen {
		return nil, gen, false, nil
	}

	balances = make([]ledger.Balance, 0, len(e.Balances))
	for _, b := range e.Balances {
		balances = append(balances, ledger.Balance{
			WalletID:  walletID,
			Currency:  ledger.Currency(b.Currency),
			Settled:   b.Settled,
			Held:      b.Held,
			Available: b.Available,
		})
	}
	return balances, gen, true, nil
}

// SetBalances stores a snapshot read from the store under generation gen,
// as returned by Balances before that read. A snapshot whose generation was
// bumped in the meantime is never served.
func (c *WalletCache) SetBalances(ctx context.Context, walletID ledger.WalletID, gen int64, balances []ledger.Balance) error {
	e := entry{Generation: gen, Balances: make([]cachedBalance, 0, len(balances))}
	for _, b := range balances {
		e.Balances = append(e.Balances, cachedBalance{
			Currency:  string(b.Currency),
			Settled:   b.Settled,
			Held:      b.Held,
			Available: b.Available,
		})
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	return c.client.Set(ctx, BalancesKey(walletID), data, c.ttl).Err()
}

// Invalidate bumps the wallet's generation and drops its entry. Failures are
// logged, not returned.
func (c *WalletCache) Invalidate(ctx context.Context, walletID ledger.WalletID) {
	key := GenerationKey(walletID)
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		c.logger.Warn("wallet cache invalidation failed",
			zap.String("wallet_id", string(walletID)),
			zap.Error(err))
	} else if err := c.client.Expire(ctx, key, generationTTL).Err(); err != nil {
		c.logger.Warn("wallet cache generation expiry failed",
			zap.String("wallet_id", string(walletID)),
			zap.Error(err))
	}
	c.drop(ctx, walletID)
}

func (c *WalletCache) drop(ctx context.Context, walletID ledger.WalletID) {
	if err := c.client.Del(ctx, BalancesKey(walletID)).Err(); err != nil {
		c.logger.Warn("wallet cache delete failed",
			zap.String("wallet_id", string(walletID)),
			zap.Error(err))
	}
}

func parseGeneration(v any) (int64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}
	gen, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache generation %q: %w", s, err)
	}
	return gen, nil
}

// Notify implements booking.Notifier.
func (c *WalletCache) Notify(ctx context.Context, e booking.Event) {
	c.Invalidate(ctx, e.Booking.WalletID)
}
