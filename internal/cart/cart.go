// Package cart keeps an attendee's not-yet-paid selections in a Redis hash.
package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ms-registration/internal/models"

	"github.com/go-redis/redis/v8"
)

type Item struct {
	Kind     models.EntitlementKind  `json:"kind"`
	TargetID string                  `json:"targetId"`
	Name     string                  `json:"name,omitempty"`
	Mode     models.RegistrationMode `json:"registrationMode,omitempty"`
}

func (i Item) Ref() models.TargetRef {
	return models.TargetRef{Kind: i.Kind, ID: i.TargetID}
}

type Cart struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cart {
	return &Cart{Client: client, TTL: ttl}
}

func key(attendee string) string {
	return "cart:" + attendee
}

// Add stores or replaces item and pushes the cart expiry forward.
func (c *Cart) Add(ctx context.Context, attendee string, item Item) error {
	if !item.Kind.Valid() || item.TargetID == "" {
		return fmt.Errorf("invalid cart item %q", item.Ref())
	}
	if item.Mode == "" {
		item.Mode = models.ModeIndividual
	}
	value, err := json.Marshal(item)
	if err != nil {
		return err
	}

	_, err = c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(attendee), item.Ref().String(), value)
		if c.TTL > 0 {
			pipe.Expire(ctx, key(attendee), c.TTL)
		}
		return nil
	})
	return err
}

func (c *Cart) Remove(ctx context.Context, attendee string, ref models.TargetRef) (bool, error) {
	n, err := c.Client.HDel(ctx, key(attendee), ref.String()).Result()
	return n > 0, err
}

// Items returns the cart sorted by kind then target id.
func (c *Cart) Items(ctx context.Context, attendee string) ([]Item, error) {
	raw, err := c.Client.HGetAll(ctx, key(attendee)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raw))
	for field, value := range raw {
		var item Item
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			return nil, fmt.Errorf("corrupt cart entry %s: %w", field, err)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(a, b int) bool {
		if items[a].Kind != items[b].Kind {
			return items[a].Kind < items[b].Kind
		}
		return items[a].TargetID < items[b].TargetID
	})
	return items, nil
}

func (c *Cart) Clear(ctx context.Context, attendee string) error {
	return c.Client.Del(ctx, key(attendee)).Err()
}
