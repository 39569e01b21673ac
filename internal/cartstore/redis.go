package cartstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"finitefield.org/storefront/internal/cart"
)

const (
	redisKeyPrefix = "storefront:cart:"
	seededSuffix   = ":seeded"
)

var setQuantityScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return 0
end
local item = cjson.decode(raw)
item['quantity'] = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(item))
return 1
`)

// RedisStore keeps each cart in a Redis hash of item ID to JSON item. Items
// are returned ordered by ID, which for ULIDs is insertion order.
type RedisStore struct {
	client   redis.UniversalClient
	currency string
	seed     SeedFunc
	ttl      time.Duration
	now      func() time.Time
}

// NewRedisStore wraps client. A zero ttl keeps carts forever.
func NewRedisStore(client redis.UniversalClient, currency string, seed SeedFunc, ttl time.Duration) *RedisStore {
	if currency == "" {
		currency = "JPY"
	}
	return &RedisStore{
		client:   client,
		currency: strings.ToUpper(currency),
		seed:     seed,
		ttl:      ttl,
		now:      time.Now,
	}
}

func cartKey(userID string) string { return redisKeyPrefix + userID }

// ensureSeeded seeds a user's cart exactly once, even after a Clear.
func (s *RedisStore) ensureSeeded(ctx context.Context, userID string) error {
	first, err := s.client.SetNX(ctx, cartKey(userID)+seededSuffix, 1, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("cartstore: mark seeded: %w", err)
	}
	if !first || s.seed == nil {
		return nil
	}
	items := s.seed(userID)
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items)*2)
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("cartstore: encode item: %w", err)
		}
		values = append(values, item.ID, raw)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, cartKey(userID), values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, cartKey(userID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cartstore: seed cart: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (cart.Cart, error) {
	if err := s.ensureSeeded(ctx, userID); err != nil {
		return cart.Cart{}, err
	}
	raw, err := s.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return cart.Cart{}, fmt.Errorf("cartstore: read cart: %w", err)
	}
	out := cart.Cart{Currency: s.currency, Items: make([]cart.Item, 0, len(raw))}
	for id, value := range raw {
		var item cart.Item
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			return cart.Cart{}, fmt.Errorf("cartstore: decode item %s: %w", id, err)
		}
		item.ID = id
		out.Items = append(out.Items, item)
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
	return out, nil
}

// SetQuantity implements Store.
func (s *RedisStore) SetQuantity(ctx context.Context, userID, itemID string, quantity int) error {
	if !cart.ValidQuantity(quantity) {
		return ErrInvalidQuantity
	}
	if err := s.ensureSeeded(ctx, userID); err != nil {
		return err
	}
	updated, err := setQuantityScript.Run(ctx, s.client, []string{cartKey(userID)}, itemID, quantity).Int()
	if err != nil {
		return fmt.Errorf("cartstore: set quantity: %w", err)
	}
	if updated == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, userID, itemID string) error {
	if err := s.ensureSeeded(ctx, userID); err != nil {
		return err
	}
	removed, err := s.client.HDel(ctx, cartKey(userID), itemID).Result()
	if err != nil {
		return fmt.Errorf("cartstore: remove item: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.ensureSeeded(ctx, userID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("cartstore: clear cart: %w", err)
	}
	return nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, userID string, item cart.Item) (cart.Item, error) {
	if !cart.ValidQuantity(item.Quantity) {
		return cart.Item{}, ErrInvalidQuantity
	}
	if err := s.ensureSeeded(ctx, userID); err != nil {
		return cart.Item{}, err
	}
	if item.ID == "" {
		item.ID = NewItemID(s.now())
	}
	if item.Currency == "" {
		item.Currency = s.currency
	}
	key := cartKey(userID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, key, item.ID).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current cart.Item
			if err := json.Unmarshal([]byte(existing), &current); err != nil {
				return err
			}
			if !cart.ValidQuantity(current.Quantity + item.Quantity) {
				return ErrInvalidQuantity
			}
			current.Quantity += item.Quantity
			item = current
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, item.ID, raw)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return cart.Item{}, fmt.Errorf("cartstore: add item: %w", err)
	}
	return item, nil
}
