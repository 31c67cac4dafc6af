package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/echallenge/internal/domain"
)

// Cache keeps questions in Redis in front of a slower Source. Every answer
// submission needs its round's question, so lookups are the hot path;
// concurrent misses for one question collapse into a single load.
// Question selection always goes to the Source.
type Cache struct {
	src    Source
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

type CacheConfig struct {
	Source Source
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func NewCache(c CacheConfig) *Cache {
	return &Cache{
		src:    c.Source,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}
}

func (c *Cache) SelectQuestions(ctx context.Context, contentID string, n int) ([]domain.Question, error) {
	qs, err := c.src.SelectQuestions(ctx, contentID, n)
	if err != nil {
		return nil, err
	}

	// Warm the cache: every selected question is about to be answered.
	for _, q := range qs {
		_ = c.store(ctx, q)
	}
	return qs, nil
}

func (c *Cache) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	if q, ok := c.load(ctx, questionID); ok {
		return q, nil
	}

	v, err, _ := c.sf.Do(questionID, func() (any, error) {
		if q, ok := c.load(ctx, questionID); ok {
			return q, nil
		}

		q, err := c.src.GetQuestion(ctx, questionID)
		if err != nil {
			return domain.Question{}, err
		}

		_ = c.store(ctx, q)
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return v.(domain.Question), nil
}

func (c *Cache) load(ctx context.Context, questionID string) (domain.Question, bool) {
	b, err := c.redis.Get(ctx, c.key(questionID)).Bytes()
	if err != nil {
		return domain.Question{}, false
	}

	var q domain.Question
	if err := json.Unmarshal(b, &q); err != nil {
		return domain.Question{}, false
	}
	return q, true
}

func (c *Cache) store(ctx context.Context, q domain.Question) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal question %s: %w", q.QuestionID, err)
	}
	err = c.redis.Set(ctx, c.key(q.QuestionID), b, c.ttlWithJitter()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache question %s: %w", q.QuestionID, err)
	}
	return nil
}

func (c *Cache) key(questionID string) string {
	return fmt.Sprintf("%s:question:%s", c.prefix, questionID)
}

// ttlWithJitter adds up to 10% to spread expirations.
func (c *Cache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	return c.ttl + time.Duration(rand.Int64N(int64(c.ttl)/10+1))
}
