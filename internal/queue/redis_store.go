package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"insight-pipeline/internal/models"
)

// RedisStore keeps jobs in Redis. Each job is a hash; due times, ready order and leases
// live in sorted sets, and every transition runs as one Lua script so Redis applies it
// atomically.
//
//	<prefix>:job:<id>           job hash
//	<prefix>:scheduled          zset of pending ids scored by scheduled_at (ms)
//	<prefix>:ready              zset of due ids scored by -priority, member "<scheduled_at>:<id>"
//	<prefix>:processing         zset of claimed ids scored by lock_expiry (ms)
//	<prefix>:status:<status>    set of ids per status, for counts
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ JobStore = (*RedisStore)(nil)

// NewRedisStore builds a store on client. An empty prefix defaults to "jobs".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKeyPrefix() string      { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string   { return s.jobKeyPrefix() + id }
func (s *RedisStore) scheduledKey() string      { return s.prefix + ":scheduled" }
func (s *RedisStore) readyKey() string          { return s.prefix + ":ready" }
func (s *RedisStore) processingKey() string     { return s.prefix + ":processing" }
func (s *RedisStore) statusKey(st string) string { return s.prefix + ":status:" + st }

// Insert writes the job hash and schedules it in one MULTI block.
func (s *RedisStore) Insert(ctx context.Context, job models.Job) (models.Job, error) {
	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.Status = models.StatusPending
	job.Attempts = 0
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	job.ScheduledAt = fromMillis(job.ScheduledAt.UnixMilli())
	job.CreatedAt = fromMillis(now.UnixMilli())
	job.UpdatedAt = job.CreatedAt

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID),
		"id", job.ID,
		"name", job.Name,
		"payload", string(job.Payload),
		"status", job.Status,
		"priority", job.Priority,
		"attempts", 0,
		"max_attempts", job.MaxAttempts,
		"scheduled_at", job.ScheduledAt.UnixMilli(),
		"created_at", job.CreatedAt.UnixMilli(),
		"updated_at", job.UpdatedAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, s.scheduledKey(), redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID})
	pipe.SAdd(ctx, s.statusKey(models.StatusPending), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Claim promotes due jobs into the ready set and leases the head of it.
func (s *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	keys := []string{
		s.scheduledKey(),
		s.readyKey(),
		s.processingKey(),
		s.statusKey(models.StatusPending),
		s.statusKey(models.StatusProcessing),
	}
	res, err := claimScript.Run(ctx, s.client, keys, now.UnixMilli(), now.Add(lease).UnixMilli(), s.jobKeyPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	fields, err := flatToMap(res)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job, err := jobFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ReleaseStale sweeps the processing set for expired leases. The script replies with the
// requeued count followed by the ids it failed; those are read back afterwards.
func (s *RedisStore) ReleaseStale(ctx context.Context, now time.Time) (int64, []models.Job, error) {
	keys := []string{
		s.processingKey(),
		s.scheduledKey(),
		s.statusKey(models.StatusProcessing),
		s.statusKey(models.StatusPending),
		s.statusKey(models.StatusFailed),
	}
	res, err := releaseScript.Run(ctx, s.client, keys, now.UnixMilli(), s.jobKeyPrefix(), ErrLeaseExpiredOnFinalAttempt.Error()).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("release stale jobs: %w", err)
	}
	if len(res) == 0 {
		return 0, nil, fmt.Errorf("release stale jobs: empty reply")
	}
	requeued, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("release stale jobs: unexpected count %T", res[0])
	}
	var failed []models.Job
	for _, v := range res[1:] {
		id, _ := v.(string)
		job, err := s.Get(ctx, id)
		if err != nil {
			return requeued, failed, fmt.Errorf("read failed job: %w", err)
		}
		failed = append(failed, job)
	}
	return requeued, failed, nil
}

// Complete marks a processing job completed.
func (s *RedisStore) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, now time.Time) error {
	keys := []string{s.processingKey(), s.statusKey(models.StatusProcessing), s.statusKey(models.StatusCompleted)}
	return s.fenced(ctx, completeScript, "complete job", keys, id, attempt, string(result), now.UnixMilli())
}

// Retry returns a processing job to the scheduled set at runAt.
func (s *RedisStore) Retry(ctx context.Context, id string, attempt int, errMsg string, runAt time.Time) error {
	keys := []string{s.processingKey(), s.statusKey(models.StatusProcessing), s.statusKey(models.StatusPending), s.scheduledKey()}
	return s.fenced(ctx, retryScript, "retry job", keys, id, attempt, errMsg, runAt.UnixMilli(), time.Now().UnixMilli())
}

// Fail marks a processing job failed.
func (s *RedisStore) Fail(ctx context.Context, id string, attempt int, errMsg string, now time.Time, exhaust bool) error {
	flag := "0"
	if exhaust {
		flag = "1"
	}
	keys := []string{s.processingKey(), s.statusKey(models.StatusProcessing), s.statusKey(models.StatusFailed)}
	return s.fenced(ctx, failScript, "fail job", keys, id, attempt, errMsg, now.UnixMilli(), flag)
}

func (s *RedisStore) fenced(ctx context.Context, script *redis.Script, op string, keys []string, id string, attempt int, args ...any) error {
	argv := append([]any{s.jobKeyPrefix(), id, strconv.Itoa(attempt)}, args...)
	n, err := script.Run(ctx, s.client, keys, argv...).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Get fetches a job by id.
func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return jobFromHash(fields)
}

// CountByStatus reads the per-status set cardinalities.
func (s *RedisStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(models.Statuses))
	for _, st := range models.Statuses {
		cmds[st] = pipe.SCard(ctx, s.statusKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[string]int64, len(cmds))
	for st, cmd := range cmds {
		counts[st] = cmd.Val()
	}
	return counts, nil
}

func flatToMap(res any) (map[string]string, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply from script: %T", res)
	}
	out := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		out[k] = v
	}
	return out, nil
}

func jobFromHash(h map[string]string) (models.Job, error) {
	job := models.Job{
		ID:      h["id"],
		Name:    h["name"],
		Payload: json.RawMessage(h["payload"]),
		Status:  h["status"],
		Error:   h["error"],
	}
	var err error
	if job.Priority, err = atoiField(h, "priority"); err != nil {
		return models.Job{}, err
	}
	if job.Attempts, err = atoiField(h, "attempts"); err != nil {
		return models.Job{}, err
	}
	if job.MaxAttempts, err = atoiField(h, "max_attempts"); err != nil {
		return models.Job{}, err
	}
	if r := h["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	job.ScheduledAt = timeField(h, "scheduled_at")
	job.CreatedAt = timeField(h, "created_at")
	job.UpdatedAt = timeField(h, "updated_at")
	job.StartedAt = optTimeField(h, "started_at")
	job.CompletedAt = optTimeField(h, "completed_at")
	job.LockExpiry = optTimeField(h, "lock_expiry")
	return job, nil
}

func atoiField(h map[string]string, key string) (int, error) {
	v, ok := h[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func timeField(h map[string]string, key string) time.Time {
	ms, err := strconv.ParseInt(h[key], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMillis(ms)
}

func optTimeField(h map[string]string, key string) *time.Time {
	if h[key] == "" {
		return nil
	}
	t := timeField(h, key)
	return &t
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var claimScript = redis.NewScript(`
local now = ARGV[1]
local prefix = ARGV[3]

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local f = redis.call('HMGET', prefix .. id, 'priority', 'scheduled_at')
  if f[2] then
    redis.call('ZADD', KEYS[2], -tonumber(f[1]), string.format('%013d:%s', tonumber(f[2]), id))
  end
end

local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
  return nil
end
redis.call('ZREM', KEYS[2], head[1])
local id = string.match(head[1], ':(.+)$')
local key = prefix .. id

redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'status', 'processing', 'started_at', now, 'lock_expiry', ARGV[2], 'updated_at', now)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('SMOVE', KEYS[4], KEYS[5], id)
return redis.call('HGETALL', key)
`)

var releaseScript = redis.NewScript(`
local now = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local reply = {0}
for _, id in ipairs(expired) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', key, 'lock_expiry')
  local f = redis.call('HMGET', key, 'attempts', 'max_attempts', 'scheduled_at')
  if tonumber(f[1]) >= tonumber(f[2]) then
    redis.call('HSET', key, 'status', 'failed', 'error', ARGV[3], 'completed_at', now, 'updated_at', now)
    redis.call('SMOVE', KEYS[3], KEYS[5], id)
    table.insert(reply, id)
  else
    redis.call('HSET', key, 'status', 'pending', 'updated_at', now)
    redis.call('ZADD', KEYS[2], f[3], id)
    redis.call('SMOVE', KEYS[3], KEYS[4], id)
    reply[1] = reply[1] + 1
  end
end
return reply
`)

// fenceLua guards complete/retry/fail: ARGV[1] key prefix, ARGV[2] id, ARGV[3] attempt.
const fenceLua = `
local id = ARGV[2]
local key = ARGV[1] .. id
local cur = redis.call('HMGET', key, 'status', 'attempts')
if cur[1] ~= 'processing' or cur[2] ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', key, 'lock_expiry')
`

var completeScript = redis.NewScript(fenceLua + `
if ARGV[4] == '' then
  redis.call('HDEL', key, 'result')
else
  redis.call('HSET', key, 'result', ARGV[4])
end
redis.call('HSET', key, 'status', 'completed', 'completed_at', ARGV[5], 'updated_at', ARGV[5])
redis.call('SMOVE', KEYS[2], KEYS[3], id)
return 1
`)

var retryScript = redis.NewScript(fenceLua + `
redis.call('HSET', key, 'status', 'pending', 'error', ARGV[4], 'scheduled_at', ARGV[5], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[4], ARGV[5], id)
redis.call('SMOVE', KEYS[2], KEYS[3], id)
return 1
`)

var failScript = redis.NewScript(fenceLua + `
redis.call('HSET', key, 'status', 'failed', 'error', ARGV[4], 'completed_at', ARGV[5], 'updated_at', ARGV[5])
if ARGV[6] == '1' then
  redis.call('HSET', key, 'attempts', redis.call('HGET', key, 'max_attempts'))
end
redis.call('SMOVE', KEYS[2], KEYS[3], id)
return 1
`)
