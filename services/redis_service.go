package services

import (
	"context"
	"fmt"
	"time"

	"animochat_server/config"

	"github.com/gomodule/redigo/redis"
)

// RedisService is the thin adapter over the shared coordination store. Every
// operation is a single atomic Redis command (plus an EXPIRE where a TTL is
// requested); multi-step invariants are the callers' job. A returned error
// means the operation had no effect and the current attempt should be
// retried or abandoned.
type RedisService struct {
	Pool *redis.Pool
}

// NewRedisPool builds the shared connection pool used by every service.
func NewRedisPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		MaxActive:   64,
		Wait:        true,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialDatabase(cfg.DB)}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (s *RedisService) conn(ctx context.Context) (redis.Conn, error) {
	c, err := s.Pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis pool: %w", err)
	}
	return c, nil
}

// GetHash returns all fields of a hash; an empty map means the key is absent.
func (s *RedisService) GetHash(ctx context.Context, key string) (map[string]string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	fields, err := redis.StringMap(c.Do("HGETALL", key))
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// SetHash writes all fields and refreshes the key's TTL. A non-positive ttl
// leaves the key without expiry.
func (s *RedisService) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("HSET", redis.Args{}.Add(key).AddFlat(fields)...); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if ttl > 0 {
		if _, err := c.Do("PEXPIRE", key, ttl.Milliseconds()); err != nil {
			return fmt.Errorf("pexpire %s: %w", key, err)
		}
	}
	return nil
}

// SetHashFields updates a subset of fields without touching the key's TTL.
func (s *RedisService) SetHashFields(ctx context.Context, key string, fields map[string]string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("HSET", redis.Args{}.Add(key).AddFlat(fields)...); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisService) DeleteKey(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

func (s *RedisService) AddToSet(ctx context.Context, key, member string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("SADD", key, member); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisService) RemoveFromSet(ctx context.Context, key, member string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("SREM", key, member); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// PopRandomFromSet atomically removes and returns a random member, or ""
// when the set is empty. The destructive read is what keeps two concurrent
// scanners from considering the same candidate.
func (s *RedisService) PopRandomFromSet(ctx context.Context, key string) (string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	member, err := redis.String(c.Do("SPOP", key))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("spop %s: %w", key, err)
	}
	return member, nil
}

func (s *RedisService) SetMembers(ctx context.Context, key string) ([]string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	members, err := redis.Strings(c.Do("SMEMBERS", key))
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisService) SetCardinality(ctx context.Context, key string) (int, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("SCARD", key))
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

// TryAcquireLock attempts a SET NX PX and reports whether this caller now
// holds the lock. The TTL guarantees a crashed holder cannot wedge a pairing.
func (s *RedisService) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	reply, err := redis.String(c.Do("SET", key, "1", "NX", "PX", ttl.Milliseconds()))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return reply == "OK", nil
}

func (s *RedisService) ReleaseLock(ctx context.Context, key string) error {
	return s.DeleteKey(ctx, key)
}

// IncrementWithExpiry bumps a counter and refreshes its decay window.
func (s *RedisService) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("INCR", key))
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if _, err := c.Do("PEXPIRE", key, ttl.Milliseconds()); err != nil {
		return 0, fmt.Errorf("pexpire %s: %w", key, err)
	}
	return n, nil
}

// GetCounter reads a counter written by IncrementWithExpiry; absent keys
// read as zero.
func (s *RedisService) GetCounter(ctx context.Context, key string) (int, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("GET", key))
	if err == redis.ErrNil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// SetMarker writes an expiring flag key (presence heartbeats, cooldowns).
func (s *RedisService) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("SET", key, "1", "PX", ttl.Milliseconds()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisService) MarkerExists(ctx context.Context, key string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	exists, err := redis.Bool(c.Do("EXISTS", key))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

func (s *RedisService) Publish(ctx context.Context, channel string, payload []byte) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("PUBLISH", channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks delivering messages on channel to handler until ctx is
// cancelled or the subscription fails.
func (s *RedisService) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(channel); err != nil {
		c.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the Receive loop below.
			_ = psc.Unsubscribe()
			c.Close()
		case <-done:
		}
	}()
	defer c.Close()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			handler(v.Data)
		case redis.Subscription:
			// Subscribe/unsubscribe acks, nothing to do.
		case error:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscription %s: %w", channel, v)
		}
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("PING"); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
