package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/config"
	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/redis/go-redis/v9"
)

// reserveScript blocks one unit on every night of the stay, all or nothing.
// KEYS[1] is the hold marker, KEYS[2..] the per-night counters.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 1
end
local capacity = tonumber(ARGV[1])
for i = 2, #KEYS do
  local used = tonumber(redis.call('GET', KEYS[i]) or '0')
  if used >= capacity then
    return 0
  end
end
for i = 2, #KEYS do
  redis.call('INCR', KEYS[i])
end
redis.call('SET', KEYS[1], table.concat(KEYS, ',', 2))
return 1
`)

// releaseScript gives the nights back exactly once.
var releaseScript = redis.NewScript(`
local nights = redis.call('GET', KEYS[1])
if not nights then
  return 0
end
for key in string.gmatch(nights, '([^,]+)') do
  if redis.call('DECR', key) <= 0 then
    redis.call('DEL', key)
  end
end
redis.call('DEL', KEYS[1])
return 1
`)

type RedisCache struct {
	client      *redis.Client
	listingsTTL time.Duration
}

func NewRedisCache(cfg config.RedisConfig, listingsTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:      redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		listingsTTL: listingsTTL,
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetListings(ctx context.Context) ([]domain.Listing, error) {
	var listings []domain.Listing
	ok, err := c.getJSON(ctx, listingsKey(), &listings)
	if err != nil || !ok {
		return nil, err
	}
	return listings, nil
}

func (c *RedisCache) SetListings(ctx context.Context, listings []domain.Listing) error {
	return c.setJSON(ctx, listingsKey(), listings)
}

func (c *RedisCache) GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error) {
	var l domain.Listing
	ok, err := c.getJSON(ctx, listingKey(ref), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (c *RedisCache) SetListing(ctx context.Context, l *domain.Listing) error {
	return c.setJSON(ctx, listingKey(l.Ref), l)
}

// Reserve takes one unit of inventory for every night of the booking. It is
// idempotent per booking and returns false when any night is full.
func (c *RedisCache) Reserve(ctx context.Context, b *domain.Booking, capacity int) (bool, error) {
	keys := append([]string{holdKey(b.Listing, b.ID)}, nightKeys(b.Listing, b.CheckIn, b.CheckOut)...)
	res, err := reserveScript.Run(ctx, c.client, keys, capacity).Int()
	if err != nil {
		return false, fmt.Errorf("reserve inventory for %s: %w", b.ID, err)
	}
	return res == 1, nil
}

// Release returns the booking's inventory. Releasing twice is a no-op.
func (c *RedisCache) Release(ctx context.Context, b *domain.Booking) error {
	if err := releaseScript.Run(ctx, c.client, []string{holdKey(b.Listing, b.ID)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release inventory for %s: %w", b.ID, err)
	}
	return nil
}

func (c *RedisCache) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) setJSON(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.listingsTTL).Err()
}

func listingsKey() string {
	return "cache:listings"
}

func listingKey(ref domain.ListingRef) string {
	return "cache:listing:" + ref.String()
}

// The {listing} hash tag keeps a booking's keys in one cluster slot so the
// scripts can touch them together.
func holdKey(ref domain.ListingRef, bookingID string) string {
	return fmt.Sprintf("hold:{%s}:%s", ref, bookingID)
}

func nightKeys(ref domain.ListingRef, checkIn, checkOut time.Time) []string {
	day := time.Date(checkIn.Year(), checkIn.Month(), checkIn.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(checkOut.Year(), checkOut.Month(), checkOut.Day(), 0, 0, 0, 0, time.UTC)
	keys := []string{inventoryKey(ref, day)}
	for day = day.AddDate(0, 0, 1); day.Before(last); day = day.AddDate(0, 0, 1) {
		keys = append(keys, inventoryKey(ref, day))
	}
	return keys
}

func inventoryKey(ref domain.ListingRef, day time.Time) string {
	return fmt.Sprintf("inventory:{%s}:%s", ref, day.Format(time.DateOnly))
}
