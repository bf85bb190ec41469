package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/castellan-ai/castellan/pkg/config"
)

// Redis is the production Store. Records live at
// {prefix}:{entity}:{id}; each partition keeps a sorted-set index of
// member IDs so listings come back ordered without scans.
type Redis struct {
	rdb             *redis.Client
	prefix          string
	conversationTTL time.Duration
	metricTTL       time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis connects and verifies the server is reachable.
func NewRedis(ctx context.Context, cfg config.StoreConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cast"
	}
	return &Redis{
		rdb:             rdb,
		prefix:          prefix,
		conversationTTL: time.Duration(cfg.ConversationTTLDay) * 24 * time.Hour,
		metricTTL:       time.Duration(cfg.MetricTTLDays) * 24 * time.Hour,
	}, nil
}

func (s *Redis) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Redis) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Redis) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return json.Unmarshal(raw, v)
}

// index adds id to a partition's sorted set and refreshes its TTL so an
// active partition never outlives its members.
func (s *Redis) index(ctx context.Context, key string, score float64, id string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: id})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) members(ctx context.Context, key string, asc bool) ([]string, error) {
	if asc {
		return s.rdb.ZRange(ctx, key, 0, -1).Result()
	}
	return s.rdb.ZRevRange(ctx, key, 0, -1).Result()
}

func (s *Redis) PutThread(ctx context.Context, t *Thread) error {
	if err := s.putJSON(ctx, s.key("thread", t.ID), t, s.conversationTTL); err != nil {
		return err
	}
	idx := s.key("threads", t.OwnerID)
	if t.Status == ThreadDeleted {
		return s.rdb.ZRem(ctx, idx, t.ID).Err()
	}
	return s.index(ctx, idx, float64(t.LastMessageAt.UnixMilli()), t.ID, s.conversationTTL)
}

func (s *Redis) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	if err := s.getJSON(ctx, s.key("thread", id), &t); err != nil {
		return nil, err
	}
	if t.Status == ThreadDeleted {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *Redis) ListThreads(ctx context.Context, ownerID, agentID string, limit, offset int) (*ThreadPage, error) {
	ids, err := s.members(ctx, s.key("threads", ownerID), false)
	if err != nil {
		return nil, fmt.Errorf("listing threads for %s: %w", ownerID, err)
	}
	var all []*Thread
	for _, id := range ids {
		t, err := s.GetThread(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		all = append(all, t)
	}
	return paginate(all, limit, offset), nil
}

func (s *Redis) DeleteThread(ctx context.Context, id string) error {
	t, err := s.GetThread(ctx, id)
	if err != nil {
		return err
	}
	t.Status = ThreadDeleted
	return s.PutThread(ctx, t)
}

func (s *Redis) PutMessage(ctx context.Context, m *Message) error {
	if err := s.putJSON(ctx, s.key("message", m.ID), m, s.conversationTTL); err != nil {
		return err
	}
	return s.index(ctx, s.key("messages", m.ThreadID), float64(m.Ordinal), m.ID, s.conversationTTL)
}

func (s *Redis) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	ids, err := s.members(ctx, s.key("messages", threadID), true)
	if err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		var m Message
		if err := s.getJSON(ctx, s.key("message", id), &m); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// PutRun merges over the existing record before writing. There is a
// read-modify-write window here, but runs have exactly one state-machine
// driver so concurrent writers only race on child-usage propagation,
// which the max-merge absorbs.
func (s *Redis) PutRun(ctx context.Context, r *Run) error {
	var existing Run
	err := s.getJSON(ctx, s.key("run", r.ID), &existing)
	switch {
	case errors.Is(err, ErrNotFound):
		err = nil
	case err != nil:
		return err
	default:
		r = mergeRun(&existing, r)
	}
	if err := s.putJSON(ctx, s.key("run", r.ID), r, s.conversationTTL); err != nil {
		return err
	}
	return s.index(ctx, s.key("runs", r.ThreadID), float64(r.StartedAt.UnixMilli()), r.ID, s.conversationTTL)
}

func (s *Redis) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	if err := s.getJSON(ctx, s.key("run", id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Redis) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	ids, err := s.members(ctx, s.key("runs", threadID), true)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (s *Redis) PutStep(ctx context.Context, st *Step) error {
	if err := s.putJSON(ctx, s.key("step", st.ID), st, s.conversationTTL); err != nil {
		return err
	}
	return s.index(ctx, s.key("steps", st.RunID), float64(st.Ordinal), st.ID, s.conversationTTL)
}

func (s *Redis) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	ids, err := s.members(ctx, s.key("steps", runID), true)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(ids))
	for _, id := range ids {
		var st Step
		if err := s.getJSON(ctx, s.key("step", id), &st); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		steps = append(steps, &st)
	}
	return steps, nil
}

func (s *Redis) PutToolCall(ctx context.Context, tc *ToolCall) error {
	if err := s.putJSON(ctx, s.key("toolcall", tc.ID), tc, s.conversationTTL); err != nil {
		return err
	}
	return s.index(ctx, s.key("toolcalls", tc.RunID), float64(tc.CreatedAt.UnixMilli()), tc.ID, s.conversationTTL)
}

func (s *Redis) ListToolCalls(ctx context.Context, runID string) ([]*ToolCall, error) {
	ids, err := s.members(ctx, s.key("toolcalls", runID), true)
	if err != nil {
		return nil, err
	}
	calls := make([]*ToolCall, 0, len(ids))
	for _, id := range ids {
		var tc ToolCall
		if err := s.getJSON(ctx, s.key("toolcall", id), &tc); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		calls = append(calls, &tc)
	}
	return calls, nil
}

func (s *Redis) PutMetric(ctx context.Context, m *Metric) error {
	if err := s.putJSON(ctx, s.key("metric", m.ID), m, s.metricTTL); err != nil {
		return err
	}
	return s.index(ctx, s.key("metrics", m.Date), float64(m.CreatedAt.UnixMilli()), m.ID, s.metricTTL)
}

func (s *Redis) AddTokens(ctx context.Context, userID, date string, tokens int) error {
	key := s.key("budget", userID, date)
	pipe := s.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, int64(tokens))
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) TokensUsedOn(ctx context.Context, userID, date string) (int, error) {
	n, err := s.rdb.Get(ctx, s.key("budget", userID, date)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *Redis) PutAgent(ctx context.Context, spec *config.AgentSpec) error {
	if err := s.putJSON(ctx, s.key("agent", spec.ID), spec, 0); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, s.key("agents"), spec.ID).Err()
}

func (s *Redis) GetAgent(ctx context.Context, id string) (*config.AgentSpec, error) {
	var spec config.AgentSpec
	if err := s.getJSON(ctx, s.key("agent", id), &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Redis) ListAgents(ctx context.Context) ([]*config.AgentSpec, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("agents")).Result()
	if err != nil {
		return nil, err
	}
	specs := make([]*config.AgentSpec, 0, len(ids))
	for _, id := range ids {
		spec, err := s.GetAgent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s *Redis) DeleteAgent(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key("agent", id)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, s.key("agents"), id).Err()
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}
