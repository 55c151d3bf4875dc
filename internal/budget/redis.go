package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOrgsKey = "budget:orgs"

// reserveScript checks every period hash passed in KEYS and increments all
// of them only when none would exceed its limit. Returns {0} on success or
// {index, limit, spent} for the first offending key.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
  local limit = redis.call('HGET', key, 'limit')
  if limit then
    local spent = tonumber(redis.call('HGET', key, 'spent') or '0')
    if spent + amount > tonumber(limit) + 1e-9 then
      return {i, limit, tostring(spent)}
    end
  end
end
for _, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    redis.call('HINCRBYFLOAT', key, 'spent', ARGV[1])
    redis.call('HSET', key, 'updated_at', ARGV[2])
  end
end
return {0}
`)

var adjustScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    local spent = tonumber(redis.call('HGET', key, 'spent') or '0') + tonumber(ARGV[1])
    if spent < 0 then spent = 0 end
    redis.call('HSET', key, 'spent', tostring(spent), 'updated_at', ARGV[2])
  end
end
return 0
`)

// RedisLedger shares budgets across server instances. Each (org, period)
// is a hash budget:<org>:<period> with fields limit, spent, updated_at.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// OpenRedisLedger parses a redis:// URL and pings the server.
func OpenRedisLedger(ctx context.Context, url string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }

func budgetKey(orgID string, p Period) string { return "budget:" + orgID + ":" + string(p) }

func periodKeys(orgID string) []string {
	keys := make([]string, len(Periods))
	for i, p := range Periods {
		keys[i] = budgetKey(orgID, p)
	}
	return keys
}

func (l *RedisLedger) Reserve(ctx context.Context, orgID string, amount float64, now time.Time) (Decision, error) {
	res, err := reserveScript.Run(ctx, l.client, periodKeys(orgID), formatAmount(amount), now.Unix()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve: %w", err)
	}
	if len(res) == 0 {
		return Decision{}, errors.New("reserve: empty script reply")
	}
	idx, _ := res[0].(int64)
	if idx == 0 {
		return Decision{Allowed: true, Requested: amount}, nil
	}
	if len(res) < 3 || int(idx) > len(Periods) {
		return Decision{}, fmt.Errorf("reserve: unexpected script reply %v", res)
	}
	d := Decision{Period: Periods[idx-1], Requested: amount}
	d.Limit, _ = strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	d.Spent, _ = strconv.ParseFloat(fmt.Sprint(res[2]), 64)
	return d, nil
}

func (l *RedisLedger) Adjust(ctx context.Context, orgID string, delta float64, now time.Time) error {
	return adjustScript.Run(ctx, l.client, periodKeys(orgID), formatAmount(delta), now.Unix()).Err()
}

func (l *RedisLedger) SetLimit(ctx context.Context, orgID string, period Period, limit float64, now time.Time) error {
	key := budgetKey(orgID, period)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "limit", formatAmount(limit), "updated_at", now.Unix())
		pipe.HSetNX(ctx, key, "spent", "0")
		pipe.SAdd(ctx, redisOrgsKey, orgID)
		return nil
	})
	return err
}

func (l *RedisLedger) Reset(ctx context.Context, orgID string, period Period, now time.Time) error {
	key := budgetKey(orgID, period)
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}
	return l.client.HSet(ctx, key, "spent", "0", "updated_at", now.Unix()).Err()
}

func (l *RedisLedger) Get(ctx context.Context, orgID string) ([]Budget, error) {
	out := []Budget{}
	for _, p := range Periods {
		fields, err := l.client.HGetAll(ctx, budgetKey(orgID, p)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		b := Budget{OrgID: orgID, Period: p}
		b.Limit, _ = strconv.ParseFloat(fields["limit"], 64)
		b.Spent, _ = strconv.ParseFloat(fields["spent"], 64)
		if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
			b.UpdatedAt = time.Unix(ts, 0).UTC()
		}
		out = append(out, b)
	}
	return out, nil
}

func (l *RedisLedger) List(ctx context.Context) ([]Budget, error) {
	orgs, err := l.client.SMembers(ctx, redisOrgsKey).Result()
	if err != nil {
		return nil, err
	}
	out := []Budget{}
	for _, org := range orgs {
		rows, err := l.Get(ctx, org)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func formatAmount(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
