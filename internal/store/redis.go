package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

// recordScript performs the read-modify-write of one (rule, resource) hash.
//
// KEYS[1] verdict hash
// ARGV[1] status, ARGV[2] evaluated_at (unix ms), ARGV[3] annotation,
// ARGV[4] now (unix ms), ARGV[5] claim deadline (unix ms)
//
// Returns {outcome, stored status, pending prev, pending new, pending at, pending annotation}.
var recordScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	local at = tonumber(ARGV[2])
	if cur then
		local curAt = tonumber(redis.call('HGET', KEYS[1], 'evaluated_at') or '0')
		if at < curAt then
			return {'stale', cur, '', '', '', ''}
		end
	end

	if cur == ARGV[1] then
		redis.call('HSET', KEYS[1], 'evaluated_at', ARGV[2], 'annotation', ARGV[3])
		local pnew = redis.call('HGET', KEYS[1], 'p_new')
		if pnew then
			local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed_until') or '0')
			if claimed <= tonumber(ARGV[4]) then
				redis.call('HSET', KEYS[1], 'claimed_until', ARGV[5])
				local p = redis.call('HMGET', KEYS[1], 'p_prev', 'p_new', 'p_at', 'p_note')
				return {'reclaimed', cur, p[1], p[2], p[3], p[4] or ''}
			end
		end
		return {'unchanged', cur, '', '', '', ''}
	end

	local prev = cur or 'UNKNOWN'
	redis.call('HSET', KEYS[1],
		'status', ARGV[1], 'evaluated_at', ARGV[2], 'annotation', ARGV[3],
		'p_prev', prev, 'p_new', ARGV[1], 'p_at', ARGV[2], 'p_note', ARGV[3],
		'claimed_until', ARGV[5])
	return {'transition', prev, prev, ARGV[1], ARGV[2], ARGV[3]}
`)

// ackScript clears the pending event if it is still the acknowledged one.
var ackScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'p_new') == ARGV[1] and redis.call('HGET', KEYS[1], 'p_at') == ARGV[2] then
		redis.call('HDEL', KEYS[1], 'p_prev', 'p_new', 'p_at', 'p_note', 'claimed_until')
		return 1
	end
	return 0
`)

// releaseScript drops the emission claim on the pending event.
var releaseScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'p_new') == ARGV[1] and redis.call('HGET', KEYS[1], 'p_at') == ARGV[2] then
		redis.call('HSET', KEYS[1], 'claimed_until', '0')
		return 1
	end
	return 0
`)

// RedisStore is a VerdictStore backed by Redis hashes and Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed verdict store.
func NewRedisStore(client redis.UniversalClient, cfg Config) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if cfg.EmitLease <= 0 {
		cfg.EmitLease = DefaultConfig().EmitLease
	}
	return &RedisStore{
		client: client,
		config: cfg,
		now:    time.Now,
	}
}

func (s *RedisStore) key(ruleID string, ref compliance.ResourceRef) string {
	return s.config.KeyPrefix + ":" + compliance.PairKey(ruleID, ref)
}

// Record implements VerdictStore.
func (s *RedisStore) Record(ctx context.Context, v compliance.Verdict) (Transition, error) {
	if err := validate(v); err != nil {
		return Transition{}, err
	}

	now := s.now()
	res, err := recordScript.Run(ctx, s.client,
		[]string{s.key(v.RuleID, v.Resource)},
		string(v.Status),
		v.EvaluatedAt.UnixMilli(),
		v.Annotation,
		now.UnixMilli(),
		now.Add(s.config.EmitLease).UnixMilli(),
	).StringSlice()
	if err != nil {
		return Transition{}, fmt.Errorf("failed to record verdict: %w", err)
	}
	if len(res) != 6 {
		return Transition{}, fmt.Errorf("failed to record verdict: unexpected script reply of length %d", len(res))
	}

	t := Transition{
		Outcome:  Outcome(res[0]),
		Previous: compliance.Status(res[1]),
	}
	switch t.Outcome {
	case OutcomeTransition, OutcomeReclaimed:
		ms, err := strconv.ParseInt(res[4], 10, 64)
		if err != nil {
			return Transition{}, fmt.Errorf("failed to parse pending event time: %w", err)
		}
		t.Event = changeEvent(v, compliance.Status(res[2]), compliance.Status(res[3]), time.UnixMilli(ms).UTC(), res[5])
	}
	return t, nil
}

// Ack implements VerdictStore.
func (s *RedisStore) Ack(ctx context.Context, e compliance.ChangeEvent) error {
	err := ackScript.Run(ctx, s.client,
		[]string{s.key(e.RuleID, e.Resource)},
		string(e.NewStatus),
		strconv.FormatInt(e.OccurredAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to acknowledge change event: %w", err)
	}
	return nil
}

// Release implements VerdictStore.
func (s *RedisStore) Release(ctx context.Context, e compliance.ChangeEvent) error {
	err := releaseScript.Run(ctx, s.client,
		[]string{s.key(e.RuleID, e.Resource)},
		string(e.NewStatus),
		strconv.FormatInt(e.OccurredAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release change event claim: %w", err)
	}
	return nil
}

// Get implements VerdictStore.
func (s *RedisStore) Get(ctx context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error) {
	fields, err := s.client.HMGet(ctx, s.key(ruleID, ref), "status", "evaluated_at", "annotation").Result()
	if err != nil {
		return compliance.Verdict{}, fmt.Errorf("failed to read verdict: %w", err)
	}
	status, ok := fields[0].(string)
	if !ok {
		return compliance.Verdict{}, ErrNotFound
	}

	v := compliance.Verdict{
		Resource: ref,
		RuleID:   ruleID,
		Status:   compliance.Status(status),
	}
	if at, ok := fields[1].(string); ok {
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			return compliance.Verdict{}, fmt.Errorf("failed to parse evaluated_at: %w", err)
		}
		v.EvaluatedAt = time.UnixMilli(ms).UTC()
	}
	v.Annotation, _ = fields[2].(string)
	return v, nil
}

// Ping implements VerdictStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	return nil
}
