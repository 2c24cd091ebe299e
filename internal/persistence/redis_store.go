package persistence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisStore implements WorkflowStore, RunStore and JobStore on Redis.
// It uses a simple key structure:
//
//	<prefix>wf:<id>                 => JSON workflow
//	<prefix>idx:wf                  => SET of workflow IDs
//	<prefix>run:<workflow>:<run>    => JSON run record
//	<prefix>idx:runs:<workflow>     => ZSET of run IDs scored by creation time
//	<prefix>idx:runwfs              => SET of workflow IDs that have runs
//	<prefix>job:<id>                => HASH: JSON doc plus the mutable job fields
//	<prefix>idx:jobs                => ZSET of job IDs scored by creation time
//
// The mutable job fields live next to the document so the claim and finish
// transitions can run as Lua scripts without decoding JSON server-side.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var (
	_ WorkflowStore = (*RedisStore)(nil)
	_ RunStore      = (*RedisStore)(nil)
	_ JobStore      = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisStore) keyWorkflow(id string) string { return r.prefix + "wf:" + id }

func (r *RedisStore) keyWorkflows() string { return r.prefix + "idx:wf" }

func (r *RedisStore) keyRun(workflowID, runID string) string {
	return r.prefix + "run:" + workflowID + ":" + runID
}

func (r *RedisStore) keyRuns(workflowID string) string { return r.prefix + "idx:runs:" + workflowID }

func (r *RedisStore) keyRunWorkflows() string { return r.prefix + "idx:runwfs" }

func (r *RedisStore) keyJob(id string) string { return r.prefix + "job:" + id }

func (r *RedisStore) keyJobs() string { return r.prefix + "idx:jobs" }

//
// Workflows
//

func (r *RedisStore) SaveWorkflow(ctx context.Context, wf api.Workflow) error {
	data, err := EncodeValue(wf)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyWorkflow(wf.ID), data, 0)
		pipe.SAdd(ctx, r.keyWorkflows(), wf.ID)
		return nil
	})
	return err
}

func (r *RedisStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	data, err := r.client.Get(ctx, r.keyWorkflow(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.Workflow{}, ErrWorkflowNotFound
		}
		return api.Workflow{}, err
	}
	return DecodeValue[api.Workflow](data)
}

func (r *RedisStore) ListWorkflows(ctx context.Context, owner string) ([]api.Workflow, error) {
	ids, err := r.client.SMembers(ctx, r.keyWorkflows()).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyWorkflow(id)
	}
	payloads, err := r.getMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]api.Workflow, 0, len(payloads))
	for _, data := range payloads {
		wf, err := DecodeValue[api.Workflow](data)
		if err != nil {
			return nil, err
		}
		if owner != "" && wf.Owner != owner {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.keyWorkflow(id))
		pipe.SRem(ctx, r.keyWorkflows(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// getMany fetches keys in one pipeline, skipping keys that vanished.
func (r *RedisStore) getMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([][]byte, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

//
// Runs
//

func (r *RedisStore) CreateRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := EncodeValue(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyRun(rec.WorkflowID, rec.RunID), data, 0)
		pipe.ZAdd(ctx, r.keyRuns(rec.WorkflowID), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.RunID,
		})
		pipe.SAdd(ctx, r.keyRunWorkflows(), rec.WorkflowID)
		return nil
	})
	return err
}

func (r *RedisStore) FinishRun(ctx context.Context, workflowID, runID string, status api.RunStatus, logs []api.LogEntry, errMsg string) error {
	key := r.keyRun(workflowID, runID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrRunNotFound
			}
			return err
		}
		rec, err := DecodeValue[api.RunRecord](data)
		if err != nil {
			return err
		}
		if rec.Status != api.RunRunning {
			return ErrRunNotRunning
		}

		rec.Status = status
		rec.Logs = logs
		rec.Error = errMsg
		rec.UpdatedAt = r.now().UTC()
		updated, err := EncodeValue(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)

	// A concurrent writer touched the record between WATCH and EXEC; it can
	// only have been another terminal write.
	if errors.Is(err, redis.TxFailedErr) {
		return ErrRunNotRunning
	}
	return err
}

func (r *RedisStore) GetRun(ctx context.Context, workflowID, runID string) (*api.RunRecord, error) {
	data, err := r.client.Get(ctx, r.keyRun(workflowID, runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	rec, err := DecodeValue[api.RunRecord](data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	workflowIDs := []string{filter.WorkflowID}
	if filter.WorkflowID == "" {
		ids, err := r.client.SMembers(ctx, r.keyRunWorkflows()).Result()
		if err != nil {
			return nil, err
		}
		workflowIDs = ids
	}

	var keys []string
	for _, wfID := range workflowIDs {
		runIDs, err := r.client.ZRange(ctx, r.keyRuns(wfID), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, runID := range runIDs {
			keys = append(keys, r.keyRun(wfID, runID))
		}
	}

	payloads, err := r.getMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	var runs []*api.RunRecord
	for _, data := range payloads {
		rec, err := DecodeValue[api.RunRecord](data)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		runs = append(runs, &rec)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

//
// Failure jobs
//

// Job hash fields.
const (
	fieldDoc          = "doc"
	fieldStatus       = "status"
	fieldAttempt      = "attempt"
	fieldError        = "error"
	fieldLeaseOwner   = "lease_owner"
	fieldLeaseExpires = "lease_expires_at" // unix milliseconds
	fieldUpdatedAt    = "updated_at"       // unix nanoseconds
)

var (
	// Claims a job. Returns 1 if claimed, 0 if held by someone else,
	// -1 if missing, -2 if completed.
	redisClaimJobScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])

if redis.call('EXISTS', key) == 0 then
	return -1
end
local status = redis.call('HGET', key, 'status')
if status == 'COMPLETED' then
	return -2
end

local claim = false
if status == 'PENDING' or status == 'FAILED' then
	claim = true
elseif status == 'IN_PROGRESS' then
	local cur = redis.call('HGET', key, 'lease_owner') or ''
	local exp = tonumber(redis.call('HGET', key, 'lease_expires_at') or '0')
	if cur == '' or cur == owner or exp <= now then
		claim = true
	end
end
if not claim then
	return 0
end

redis.call('HSET', key, 'status', 'IN_PROGRESS', 'lease_owner', owner, 'lease_expires_at', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

	// Finishes a job held by owner. Returns 1 on success, 0 if the lease is
	// held by someone else, -1 if missing.
	redisFinishJobScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return -1
end
local cur = redis.call('HGET', key, 'lease_owner') or ''
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', key, 'attempt', ARGV[2], 'status', ARGV[3], 'error', ARGV[4], 'lease_owner', '', 'lease_expires_at', '0', 'updated_at', ARGV[5])
return 1
`)
)

func jobFields(job *api.FailureJob) ([]any, error) {
	doc, err := EncodeValue(job)
	if err != nil {
		return nil, err
	}
	var leaseMs int64
	if !job.LeaseExpiresAt.IsZero() {
		leaseMs = job.LeaseExpiresAt.UnixMilli()
	}
	return []any{
		fieldDoc, doc,
		fieldStatus, string(job.Status),
		fieldAttempt, job.Attempt,
		fieldError, job.Error,
		fieldLeaseOwner, job.LeaseOwner,
		fieldLeaseExpires, leaseMs,
		fieldUpdatedAt, toNanos(job.UpdatedAt),
	}, nil
}

// decodeJobHash rebuilds a job from its document, overlaid with the
// mutable fields the scripts maintain.
func decodeJobHash(h map[string]string) (*api.FailureJob, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	job, err := DecodeValue[api.FailureJob]([]byte(h[fieldDoc]))
	if err != nil {
		return nil, err
	}
	job.Status = api.JobStatus(h[fieldStatus])
	job.Error = h[fieldError]
	job.LeaseOwner = h[fieldLeaseOwner]
	if v, err := strconv.Atoi(h[fieldAttempt]); err == nil {
		job.Attempt = v
	}
	job.LeaseExpiresAt = time.Time{}
	if v, err := strconv.ParseInt(h[fieldLeaseExpires], 10, 64); err == nil && v > 0 {
		job.LeaseExpiresAt = time.UnixMilli(v).UTC()
	}
	if v, err := strconv.ParseInt(h[fieldUpdatedAt], 10, 64); err == nil && v > 0 {
		job.UpdatedAt = fromNanos(v)
	}
	return &job, nil
}

func (r *RedisStore) CreateJob(ctx context.Context, job *api.FailureJob) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.keyJob(job.ID), fields...)
		pipe.ZAdd(ctx, r.keyJobs(), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

func (r *RedisStore) UpdateJob(ctx context.Context, job *api.FailureJob) error {
	exists, err := r.client.Exists(ctx, r.keyJob(job.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.keyJob(job.ID), fields...).Err()
}

func (r *RedisStore) GetJob(ctx context.Context, id string) (*api.FailureJob, error) {
	h, err := r.client.HGetAll(ctx, r.keyJob(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeJobHash(h)
}

func (r *RedisStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.FailureJob, error) {
	ids, err := r.client.ZRange(ctx, r.keyJobs(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keyJob(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var jobs []*api.FailureJob
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		job, err := decodeJobHash(h)
		if err != nil {
			return nil, err
		}
		if filter.WorkflowID != "" && job.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.RunID != "" && job.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) TryClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (*api.FailureJob, error) {
	now := r.now()
	res, err := redisClaimJobScript.Run(ctx, r.client, []string{r.keyJob(id)},
		owner,
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
		now.UnixNano(),
	).Int()
	if err != nil {
		return nil, err
	}
	switch res {
	case 1:
		return r.GetJob(ctx, id)
	case -1:
		return nil, ErrJobNotFound
	case -2:
		return nil, api.ErrJobCompleted
	default:
		return nil, api.ErrJobClaimed
	}
}

func (r *RedisStore) FinishJob(ctx context.Context, id, owner string, attempt int, status api.JobStatus, errMsg string) error {
	res, err := redisFinishJobScript.Run(ctx, r.client, []string{r.keyJob(id)},
		owner,
		attempt,
		string(status),
		errMsg,
		r.now().UnixNano(),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrJobNotFound
	default:
		return api.ErrJobClaimed
	}
}
