package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/axiomengine/axiom-workers/internal/backoff"
	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Queue is the broker contract between the dispatcher (producer side) and the
// worker pool (consumer side). All state lives in Redis so any worker process
// can claim any job.
type Queue interface {
	Enqueue(ctx context.Context, req *domain.JobRequest, callbackURL string, maxAttempts int, visibleAt time.Time) (*domain.JobRecord, error)
	Claim(ctx context.Context, workerID string, types []domain.JobType, leaseSeconds, inspectLimit, maxAttemptsDefault int) (*domain.JobRecord, bool, error)
	Heartbeat(ctx context.Context, jobID, workerID string, extendSeconds int) error
	Complete(ctx context.Context, jobID, workerID string, status domain.JobStatus, errMsg string) error
	Nack(ctx context.Context, jobID, workerID string, delay time.Duration, maxAttemptsDefault int, reason string) (time.Duration, bool, error)
	MoveDueDelayed(ctx context.Context, t domain.JobType, limit int) (int, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Cancel(ctx context.Context, jobID string) (*domain.JobRecord, error)
	Cancelled(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	Stats(ctx context.Context, t domain.JobType) (*domain.QueueStats, error)
	Depths(ctx context.Context) ([]domain.QueueStats, error)
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type redisQueue struct {
	rdb         *redis.Client
	backoffPol  string
	backoffBase time.Duration
	backoffMax  time.Duration
	rng         *rand.Rand
}

func NewRedisQueue(rdb *redis.Client, backoffPolicy string, backoffBase, backoffMax time.Duration) Queue {
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 15 * time.Minute
	}
	if backoffPolicy == "" {
		backoffPolicy = "exp_full_jitter"
	}
	return &redisQueue{
		rdb:         rdb,
		backoffPol:  backoffPolicy,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Terminal records are kept around for a day so status polls after completion
// still resolve; the ZSET index lets CleanupExpired reap without native TTLs.
const jobRetention = 24 * time.Hour

func keyJobsHash() string { return "axiom:jobs" }
func keyTTLIndex() string { return "axiom:jobs:ttl" }

func keyLease(id string) string  { return fmt.Sprintf("axiom:lease:%s", id) }
func keyCancel(id string) string { return fmt.Sprintf("axiom:cancel:%s", id) }

func keyQueuePending(t domain.JobType, priority int) string {
	return fmt.Sprintf("axiom:q:%s:pending:%d", t, priority)
}
func keyQueueInprog(t domain.JobType) string  { return fmt.Sprintf("axiom:q:%s:inprog", t) }
func keyQueueDelayed(t domain.JobType) string { return fmt.Sprintf("axiom:q:%s:delayed", t) }
func keyQueueDLQ(t domain.JobType) string     { return fmt.Sprintf("axiom:q:%s:dlq", t) }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalRecord(jsonStr string) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func AllTypes() []domain.JobType {
	return []domain.JobType{domain.JobTypeImage, domain.JobTypeVideo, domain.JobTypeMesh}
}

var ErrNotFound = fmt.Errorf("job not found")

func (q *redisQueue) registerTTL(ctx context.Context, id string, expireAt time.Time) error {
	z := &redis.Z{Score: float64(expireAt.UTC().Unix()), Member: id}
	return q.rdb.ZAdd(ctx, keyTTLIndex(), z).Err()
}

func (q *redisQueue) bumpTTL(ctx context.Context, id string) {
	_ = q.registerTTL(ctx, id, time.Now().Add(jobRetention))
}

func (q *redisQueue) loadRecord(ctx context.Context, id string) (*domain.JobRecord, error) {
	js, err := q.rdb.HGet(ctx, keyJobsHash(), id).Result()
	if err == redis.Nil || js == "" {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET job: %w", err)
	}
	return unmarshalRecord(js)
}

func (q *redisQueue) storeRecord(ctx context.Context, rec *domain.JobRecord) error {
	rec.UpdatedAt = time.Now()
	return q.rdb.HSet(ctx, keyJobsHash(), rec.Request.ID, marshal(rec)).Err()
}

// ===== Producer side =====

func (q *redisQueue) Enqueue(ctx context.Context, req *domain.JobRequest, callbackURL string, maxAttempts int, visibleAt time.Time) (*domain.JobRecord, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if existing, err := q.loadRecord(ctx, req.ID); err == nil {
		// Resubmission with a known ID is treated as a duplicate delivery.
		return existing, nil
	}

	now := time.Now()
	req.Priority = domain.ClampPriority(req.Priority)
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}

	rec := &domain.JobRecord{
		Request:     *req,
		Status:      domain.StatusQueued,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.rdb.HSet(ctx, keyJobsHash(), req.ID, marshal(rec)).Err(); err != nil {
		return nil, fmt.Errorf("redis HSET job: %w", err)
	}
	if err := q.registerTTL(ctx, req.ID, now.Add(jobRetention)); err != nil {
		return nil, fmt.Errorf("redis ZADD ttl-index: %w", err)
	}

	if !visibleAt.IsZero() && visibleAt.After(now) {
		z := &redis.Z{Score: float64(visibleAt.UTC().Unix()), Member: req.ID}
		if err := q.rdb.ZAdd(ctx, keyQueueDelayed(req.Type), z).Err(); err != nil {
			return nil, fmt.Errorf("redis ZADD delayed: %w", err)
		}
	} else {
		if err := q.rdb.LPush(ctx, keyQueuePending(req.Type, req.Priority), req.ID).Err(); err != nil {
			return nil, fmt.Errorf("redis LPUSH pending: %w", err)
		}
	}

	metrics.JobSubmittedTotal.WithLabelValues(string(req.Type), string(req.Variant())).Inc()
	return rec, nil
}

// ===== Consumer side =====

// claimMoveScript atomically pops one ID from the pending list and tracks it
// in the in-progress set, skipping IDs that are somehow already in-progress.
//
// KEYS[1] = pending list key
// KEYS[2] = in-progress set key
// ARGV[1] = max inner iterations (int)
var claimMoveScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local maxIter = tonumber(ARGV[1]) or 1
for i=1,maxIter do
  local id = redis.call("RPOP", src)
  if not id then
    return false
  end
  if redis.call("SADD", dst, id) == 1 then
    return id
  end
end
return false
`)

// requeueExpired sweeps a bounded sample of the in-progress set and nacks any
// job whose lease key has expired, presuming its worker died mid-run.
func (q *redisQueue) requeueExpired(ctx context.Context, t domain.JobType, inspectLimit, maxAttemptsDefault int) (int, error) {
	inprog := keyQueueInprog(t)
	if inspectLimit <= 0 {
		inspectLimit = 200
	}
	ids, err := q.rdb.SRandMemberN(ctx, inprog, int64(inspectLimit)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("SRANDMEMBER inprog: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	ttlCmds := make([]*redis.DurationCmd, 0, len(ids))
	for _, id := range ids {
		ttlCmds = append(ttlCmds, pipe.TTL(ctx, keyLease(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("pipeline TTL leases: %w", err)
	}

	moved := 0
	for i, id := range ids {
		ttl, err := ttlCmds[i].Result()
		if err != nil && err != redis.Nil {
			return moved, fmt.Errorf("TTL lease: %w", err)
		}
		if ttl > 0 {
			continue
		}
		metrics.LeaseExpiredTotal.WithLabelValues(string(t)).Inc()

		delay := time.Duration(0)
		priority := domain.MinPriority
		if rec, err := q.loadRecord(ctx, id); err == nil {
			delay = backoff.Delay(q.backoffPol, q.backoffBase, q.backoffMax, rec.Attempts, q.rng)
			priority = domain.ClampPriority(rec.Request.Priority)
		}
		if _, _, err := q.Nack(ctx, id, "", delay, maxAttemptsDefault, "LEASE_EXPIRED"); err != nil {
			// Fall back to pending when the nack path cannot resolve the job.
			if err := q.rdb.SRem(ctx, inprog, id).Err(); err != nil {
				return moved, fmt.Errorf("SREM inprog: %w", err)
			}
			if err := q.rdb.LPush(ctx, keyQueuePending(t, priority), id).Err(); err != nil {
				return moved, fmt.Errorf("LPUSH pending: %w", err)
			}
		}
		moved++
	}
	return moved, nil
}

func (q *redisQueue) MoveDueDelayed(ctx context.Context, t domain.JobType, limit int) (int, error) {
	delayed := keyQueueDelayed(t)
	if limit <= 0 {
		limit = 200
	}
	maxTS := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := q.rdb.ZRangeByScore(ctx, delayed, zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ZRANGEBYSCORE delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	moveIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := q.loadRecord(ctx, id)
		if err == ErrNotFound {
			pipe.ZRem(ctx, delayed, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		moveIDs = append(moveIDs, id)
		pipe.ZRem(ctx, delayed, id)
		pipe.LPush(ctx, keyQueuePending(t, domain.ClampPriority(rec.Request.Priority)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	for _, id := range moveIDs {
		if rec, err := q.loadRecord(ctx, id); err == nil {
			rec.Status = domain.StatusQueued
			rec.WorkerID = ""
			rec.LeaseUntil = ""
			_ = q.storeRecord(ctx, rec)
		}
		q.bumpTTL(ctx, id)
	}
	return len(moveIDs), nil
}

func (q *redisQueue) Claim(ctx context.Context, workerID string, types []domain.JobType, leaseSeconds, inspectLimit, maxAttemptsDefault int) (*domain.JobRecord, bool, error) {
	if len(types) == 0 {
		types = AllTypes()
	}
	if inspectLimit <= 0 {
		inspectLimit = 50
	}

	// Claim-time repair: promote due delayed jobs and requeue dead leases
	// before popping, so stuck work becomes visible without a separate sweeper.
	for _, t := range types {
		if _, err := q.MoveDueDelayed(ctx, t, inspectLimit); err != nil {
			return nil, false, err
		}
		if _, err := q.requeueExpired(ctx, t, inspectLimit, maxAttemptsDefault); err != nil {
			return nil, false, err
		}
	}

	tryPop := func(t domain.JobType, priority int) (*domain.JobRecord, bool, error) {
		src := keyQueuePending(t, priority)
		dst := keyQueueInprog(t)

		for i := 0; i < inspectLimit; i++ {
			res, err := claimMoveScript.Run(ctx, q.rdb, []string{src, dst}, 1).Result()
			if err == redis.Nil {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, fmt.Errorf("claim move script: %w", err)
			}
			id, ok := res.(string)
			if !ok || id == "" {
				return nil, false, nil
			}

			rec, err := q.loadRecord(ctx, id)
			if err == ErrNotFound {
				_ = q.rdb.SRem(ctx, dst, id).Err()
				continue
			}
			if err != nil {
				return nil, false, err
			}

			// A cancel that raced the claim wins: drop the job before work starts.
			if cancelled, _ := q.Cancelled(ctx, id); cancelled {
				rec.Status = domain.StatusCancelled
				rec.WorkerID = ""
				rec.LeaseUntil = ""
				_ = q.storeRecord(ctx, rec)
				_ = q.rdb.SRem(ctx, dst, id).Err()
				continue
			}

			leaseKey := keyLease(id)
			if err := q.rdb.SetEX(ctx, leaseKey, workerID, time.Duration(leaseSeconds)*time.Second).Err(); err != nil {
				_ = q.rdb.SRem(ctx, dst, id).Err()
				_ = q.rdb.LPush(ctx, src, id).Err()
				return nil, false, fmt.Errorf("SETEX lease: %w", err)
			}

			rec.Status = domain.StatusRunning
			rec.WorkerID = workerID
			rec.LeaseUntil = time.Now().Add(time.Duration(leaseSeconds) * time.Second).UTC().Format(time.RFC3339)
			rec.Attempts++
			if err := q.storeRecord(ctx, rec); err != nil {
				return nil, false, fmt.Errorf("HSET job running: %w", err)
			}
			q.bumpTTL(ctx, id)
			return rec, true, nil
		}
		return nil, false, nil
	}

	for _, t := range types {
		for p := domain.MaxPriority; p >= domain.MinPriority; p-- {
			if rec, ok, err := tryPop(t, p); err != nil {
				return nil, false, err
			} else if ok {
				return rec, true, nil
			}
		}
	}
	return nil, false, nil
}

func (q *redisQueue) Heartbeat(ctx context.Context, jobID, workerID string, extendSeconds int) error {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.WorkerID != workerID {
		return fmt.Errorf("not-owner")
	}
	if err := q.rdb.Expire(ctx, keyLease(jobID), time.Duration(extendSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("lease expire: %w", err)
	}
	rec.LeaseUntil = time.Now().Add(time.Duration(extendSeconds) * time.Second).UTC().Format(time.RFC3339)
	if err := q.storeRecord(ctx, rec); err != nil {
		return fmt.Errorf("HSET job: %w", err)
	}
	q.bumpTTL(ctx, jobID)
	return nil
}

// Complete acknowledges a claimed job into a terminal state and releases the
// lease and the in-progress membership.
func (q *redisQueue) Complete(ctx context.Context, jobID, workerID string, status domain.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal status %q", status)
	}
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if workerID != "" && rec.WorkerID != workerID {
		return fmt.Errorf("not-owner")
	}

	rec.Status = status
	rec.WorkerID = ""
	rec.LeaseUntil = ""
	rec.Error = errMsg
	if status == domain.StatusCompleted {
		rec.Progress = 100
	}
	rec.UpdatedAt = time.Now()

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, keyQueueInprog(rec.Request.Type), jobID)
	pipe.Del(ctx, keyLease(jobID))
	pipe.Del(ctx, keyCancel(jobID))
	pipe.HSet(ctx, keyJobsHash(), jobID, marshal(rec))
	pipe.ZAdd(ctx, keyTTLIndex(), &redis.Z{Score: float64(time.Now().Add(jobRetention).UTC().Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	metrics.JobCompletedTotal.WithLabelValues(string(rec.Request.Type), string(status)).Inc()
	return nil
}

func (q *redisQueue) Nack(ctx context.Context, jobID, workerID string, delay time.Duration, maxAttemptsDefault int, reason string) (time.Duration, bool, error) {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	if workerID != "" && rec.WorkerID != workerID {
		return 0, false, fmt.Errorf("not-owner")
	}
	if rec.Status != domain.StatusRunning {
		return 0, false, fmt.Errorf("not-running")
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = maxAttemptsDefault
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = 1
	}

	t := rec.Request.Type
	inprog := keyQueueInprog(t)

	if rec.Attempts >= rec.MaxAttempts {
		if reason == "" {
			reason = "MAX_ATTEMPTS"
		}
		rec.Status = domain.StatusFailed
		rec.WorkerID = ""
		rec.LeaseUntil = ""
		rec.Error = reason
		rec.UpdatedAt = time.Now()

		pipe := q.rdb.TxPipeline()
		pipe.SRem(ctx, inprog, jobID)
		pipe.Del(ctx, keyLease(jobID))
		pipe.LPush(ctx, keyQueueDLQ(t), jobID)
		pipe.HSet(ctx, keyJobsHash(), jobID, marshal(rec))
		pipe.ZAdd(ctx, keyTTLIndex(), &redis.Z{Score: float64(time.Now().Add(jobRetention).UTC().Unix()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, err
		}
		metrics.JobCompletedTotal.WithLabelValues(string(t), string(domain.StatusFailed)).Inc()
		return 0, true, nil
	}

	if delay < 0 {
		delay = 0
	}
	visibleAt := time.Now().Add(delay).UTC().Unix()

	rec.Status = domain.StatusQueued
	rec.WorkerID = ""
	rec.LeaseUntil = ""
	rec.Error = ""
	rec.UpdatedAt = time.Now()

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, inprog, jobID)
	pipe.Del(ctx, keyLease(jobID))
	pipe.ZAdd(ctx, keyQueueDelayed(t), &redis.Z{Score: float64(visibleAt), Member: jobID})
	pipe.HSet(ctx, keyJobsHash(), jobID, marshal(rec))
	pipe.ZAdd(ctx, keyTTLIndex(), &redis.Z{Score: float64(time.Now().Add(jobRetention).UTC().Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, err
	}
	metrics.JobRetriedTotal.WithLabelValues(string(t)).Inc()
	return delay, false, nil
}

func (q *redisQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	// Progress is monotone for the life of the job.
	if progress <= rec.Progress {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	rec.Progress = progress
	return q.storeRecord(ctx, rec)
}

// Cancel requests termination of a job. Queued and delayed jobs move straight
// to cancelled; running jobs get a cancel marker for the lifecycle to observe
// on its next progress tick.
func (q *redisQueue) Cancel(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	t := rec.Request.Type

	if rec.Status == domain.StatusQueued {
		rec.Status = domain.StatusCancelled
		rec.UpdatedAt = time.Now()

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyQueuePending(t, domain.ClampPriority(rec.Request.Priority)), 0, jobID)
		pipe.ZRem(ctx, keyQueueDelayed(t), jobID)
		pipe.HSet(ctx, keyJobsHash(), jobID, marshal(rec))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		metrics.JobCompletedTotal.WithLabelValues(string(t), string(domain.StatusCancelled)).Inc()
		return rec, nil
	}

	// Running: leave the record alone, the owning worker finalizes it.
	if err := q.rdb.Set(ctx, keyCancel(jobID), "1", jobRetention).Err(); err != nil {
		return nil, fmt.Errorf("SET cancel marker: %w", err)
	}
	return rec, nil
}

func (q *redisQueue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, keyCancel(jobID)).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return n > 0, nil
}

func (q *redisQueue) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return q.loadRecord(ctx, jobID)
}

func (q *redisQueue) Stats(ctx context.Context, t domain.JobType) (*domain.QueueStats, error) {
	var ready int64
	for p := domain.MaxPriority; p >= domain.MinPriority; p-- {
		n, err := q.rdb.LLen(ctx, keyQueuePending(t, p)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		ready += n
	}
	inprog, err := q.rdb.SCard(ctx, keyQueueInprog(t)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	delayed, err := q.rdb.ZCard(ctx, keyQueueDelayed(t)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	dlq, err := q.rdb.LLen(ctx, keyQueueDLQ(t)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return &domain.QueueStats{
		Type:       t,
		Ready:      ready,
		Delayed:    delayed,
		InProgress: inprog,
		DLQ:        dlq,
	}, nil
}

func (q *redisQueue) Depths(ctx context.Context) ([]domain.QueueStats, error) {
	out := make([]domain.QueueStats, 0, len(AllTypes()))
	for _, t := range AllTypes() {
		s, err := q.Stats(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// CleanupExpired reaps records past their retention window. Called from an
// admin path, never from the claim hot path.
func (q *redisQueue) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	maxTS := strconv.FormatInt(before.UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := q.rdb.ZRangeByScore(ctx, keyTTLIndex(), zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := q.removeJobFully(ctx, id); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (q *redisQueue) removeJobFully(ctx context.Context, id string) error {
	var typOpt *domain.JobType
	var prioOpt *int
	if rec, err := q.loadRecord(ctx, id); err == nil {
		t := rec.Request.Type
		typOpt = &t
		prio := domain.ClampPriority(rec.Request.Priority)
		prioOpt = &prio
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, keyJobsHash(), id)
	pipe.ZRem(ctx, keyTTLIndex(), id)
	pipe.Del(ctx, keyLease(id))
	pipe.Del(ctx, keyCancel(id))
	if typOpt != nil {
		t := *typOpt
		if prioOpt != nil {
			pipe.LRem(ctx, keyQueuePending(t, *prioOpt), 0, id)
		} else {
			for p := domain.MaxPriority; p >= domain.MinPriority; p-- {
				pipe.LRem(ctx, keyQueuePending(t, p), 0, id)
			}
		}
		pipe.SRem(ctx, keyQueueInprog(t), id)
		pipe.ZRem(ctx, keyQueueDelayed(t), id)
		pipe.LRem(ctx, keyQueueDLQ(t), 0, id)
	} else {
		for _, t := range AllTypes() {
			for p := domain.MaxPriority; p >= domain.MinPriority; p-- {
				pipe.LRem(ctx, keyQueuePending(t, p), 0, id)
			}
			pipe.SRem(ctx, keyQueueInprog(t), id)
			pipe.ZRem(ctx, keyQueueDelayed(t), id)
			pipe.LRem(ctx, keyQueueDLQ(t), 0, id)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}
