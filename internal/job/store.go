package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves due jobs from the delayed set onto the waiting list.
// ZREM and LPUSH run atomically so a job is promoted exactly once.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// claimScript moves the oldest waiting id onto the active list and locks it for
// the claiming engine in the same step, so an active job is never seen unlocked
// while its owner is alive.
var claimScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
	return false
end
redis.call('SET', ARGV[1] .. id .. ':lock', ARGV[2], 'PX', tonumber(ARGV[3]))
return id
`)

// extendScript renews a job lock held by ARGV[1]
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

// stalledScript returns every active job whose lock expired to the front of the waiting list
var stalledScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
	if redis.call('EXISTS', ARGV[1] .. id .. ':lock') == 0 then
		redis.call('LREM', KEYS[1], 1, id)
		redis.call('RPUSH', KEYS[2], id)
		moved = moved + 1
	end
end
return moved
`)

// liveScript reports whether an active job will still run: 1 locked, 2 recovered
// from the active list, 3 already waiting again, 0 lost.
var liveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 1
end
if redis.call('LREM', KEYS[2], 1, ARGV[1]) > 0 then
	redis.call('RPUSH', KEYS[3], ARGV[1])
	return 2
end
for _, id in ipairs(redis.call('LRANGE', KEYS[3], 0, -1)) do
	if id == ARGV[1] then
		return 3
	end
end
return 0
`)

// errJobNotFound is returned when a job record no longer exists
var errJobNotFound = errors.New("job not found")

// store persists jobs in Redis using one key space per queue:
//
//	{prefix}:{queue}:id         INCR counter for job ids
//	{prefix}:{queue}:{id}       JSON job record
//	{prefix}:{queue}:{id}:lock  owner token of an active job, expires unless renewed
//	{prefix}:{queue}:wait       LIST of runnable ids (LPUSH in, RPOPLPUSH out)
//	{prefix}:{queue}:delayed    ZSET of ids scored by run-at milliseconds
//	{prefix}:{queue}:active     LIST of ids being processed
//	{prefix}:{queue}:completed  LIST of retained completed ids
//	{prefix}:{queue}:failed     LIST of failed ids
//	{prefix}:{queue}:repeat     HASH of repeat chains to the id of their newest job
type store struct {
	client redis.UniversalClient
	prefix string
}

func (s *store) key(queue string, parts ...string) string {
	k := s.prefix + ":" + queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *store) nextID(ctx context.Context, queue string) (string, error) {
	id, err := s.client.Incr(ctx, s.key(queue, "id")).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate job id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *store) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.key(job.Queue, job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job %s/%s: %w", job.Queue, job.ID, err)
	}
	return nil
}

func (s *store) load(ctx context.Context, queue, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.key(queue, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errJobNotFound
		}
		return nil, fmt.Errorf("failed to load job %s/%s: %w", queue, id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s/%s: %w", queue, id, err)
	}
	return &job, nil
}

// enqueue saves the job and makes it runnable at runAt
func (s *store) enqueue(ctx context.Context, job *Job, runAt time.Time, now time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(job.Queue, job.ID), data, 0)
		if runAt.After(now) {
			pipe.ZAdd(ctx, s.key(job.Queue, "delayed"), redis.Z{
				Score:  float64(runAt.UnixMilli()),
				Member: job.ID,
			})
		} else {
			pipe.LPush(ctx, s.key(job.Queue, "wait"), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s/%s: %w", job.Queue, job.ID, err)
	}
	return nil
}

func (s *store) promoteDue(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{s.key(queue, "delayed"), s.key(queue, "wait")},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs of %s: %w", queue, err)
	}
	return n, nil
}

// claim moves the oldest waiting id onto the active list and locks it for token.
// It returns "" when the queue is empty.
func (s *store) claim(ctx context.Context, queue, token string, lock time.Duration) (string, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.key(queue, "wait"), s.key(queue, "active")},
		s.key(queue)+":", token, lock.Milliseconds(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to claim job of %s: %w", queue, err)
	}
	return id, nil
}

// extendLock renews the lock of an active job. It reports false when token no longer owns it.
func (s *store) extendLock(ctx context.Context, queue, id, token string, lock time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client,
		[]string{s.key(queue, id, "lock")},
		token, lock.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock of %s/%s: %w", queue, id, err)
	}
	return n == 1, nil
}

// requeueStalled moves active jobs whose lock expired back to the waiting list
func (s *store) requeueStalled(ctx context.Context, queue string) (int, error) {
	n, err := stalledScript.Run(ctx, s.client,
		[]string{s.key(queue, "active"), s.key(queue, "wait")},
		s.key(queue)+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs of %s: %w", queue, err)
	}
	return n, nil
}

// activeIsLive reports whether an active job is locked or can be run again.
// An unlocked job still on the active list is moved back to waiting.
func (s *store) activeIsLive(ctx context.Context, queue, id string) (bool, error) {
	n, err := liveScript.Run(ctx, s.client,
		[]string{s.key(queue, id, "lock"), s.key(queue, "active"), s.key(queue, "wait")},
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check job %s/%s: %w", queue, id, err)
	}
	return n != 0, nil
}

// finish records a terminal job and removes it from the active list
func (s *store) finish(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.key(job.Queue, "active"), 1, job.ID)
		pipe.Del(ctx, s.key(job.Queue, job.ID, "lock"))
		switch {
		case job.State == StateCompleted && job.Options.RemoveOnComplete:
			pipe.Del(ctx, s.key(job.Queue, job.ID))
		case job.State == StateCompleted:
			pipe.Set(ctx, s.key(job.Queue, job.ID), data, 0)
			pipe.LPush(ctx, s.key(job.Queue, "completed"), job.ID)
		default:
			pipe.Set(ctx, s.key(job.Queue, job.ID), data, 0)
			pipe.LPush(ctx, s.key(job.Queue, "failed"), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finish job %s/%s: %w", job.Queue, job.ID, err)
	}
	return nil
}

func (s *store) dropActive(ctx context.Context, queue, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.key(queue, "active"), 1, id)
		pipe.Del(ctx, s.key(queue, id, "lock"))
		return nil
	})
	return err
}

// reserveRepeat registers a repeat chain. It reports false when an identical chain is already live.
func (s *store) reserveRepeat(ctx context.Context, queue, repeatKey, id string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, s.key(queue, "repeat"), repeatKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve repeat chain: %w", err)
	}
	return ok, nil
}

// repeatHead returns the id of the newest job of a repeat chain, "" when none is registered
func (s *store) repeatHead(ctx context.Context, queue, repeatKey string) (string, error) {
	id, err := s.client.HGet(ctx, s.key(queue, "repeat"), repeatKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read repeat chain: %w", err)
	}
	return id, nil
}

// advanceRepeat points a repeat chain at its newest job
func (s *store) advanceRepeat(ctx context.Context, queue, repeatKey, id string) error {
	if err := s.client.HSet(ctx, s.key(queue, "repeat"), repeatKey, id).Err(); err != nil {
		return fmt.Errorf("failed to advance repeat chain: %w", err)
	}
	return nil
}

func (s *store) releaseRepeat(ctx context.Context, queue, repeatKey string) error {
	return s.client.HDel(ctx, s.key(queue, "repeat"), repeatKey).Err()
}

func (s *store) counts(ctx context.Context, queue string) (map[State]int64, error) {
	pipe := s.client.Pipeline()
	wait := pipe.LLen(ctx, s.key(queue, "wait"))
	delayed := pipe.ZCard(ctx, s.key(queue, "delayed"))
	active := pipe.LLen(ctx, s.key(queue, "active"))
	completed := pipe.LLen(ctx, s.key(queue, "completed"))
	failed := pipe.LLen(ctx, s.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs of %s: %w", queue, err)
	}

	return map[State]int64{
		StateWaiting:   wait.Val() + delayed.Val(),
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}
