package formlease

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/formlock/pkg/lease"
)

// Lease hash: owner, hint, at (unix millis). Snapshot hash: fields (JSON),
// by, at. An empty owner means the lease is free; a missing hash means the
// form was never leased.

var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
local at = redis.call('HGET', KEYS[1], 'at') or ''
if ARGV[4] == '1' and owner ~= '' and owner ~= ARGV[1] and owner ~= ARGV[5] then
	return {0, owner, at}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'hint', ARGV[3], 'at', ARGV[2])
return {1, owner, at}
`)

var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= '' and owner == ARGV[1] then
	redis.call('HSET', KEYS[1], 'owner', '', 'hint', '')
	return 1
end
return 0
`)

var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local owner = redis.call('HGET', KEYS[1], 'owner')
	if not owner or owner == '' or owner ~= ARGV[1] then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'at', ARGV[2])
redis.call('HSET', KEYS[2], 'fields', ARGV[3], 'by', ARGV[1], 'at', ARGV[2])
return 1
`)

type repoRedis struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRepo returns a Redis-backed Repository. Keys are namespaced under
// prefix.
func NewRedisRepo(client redis.Cmdable, prefix string) Repository {
	return &repoRedis{client: client, prefix: prefix}
}

func (r *repoRedis) leaseKey(formID string) string {
	return r.prefix + "lease:" + formID
}

func (r *repoRedis) snapshotKey(formID string) string {
	return r.prefix + "snapshot:" + formID
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *repoRedis) Acquire(ctx context.Context, formID, sessionID string, now time.Time, opts AcquireOptions) (lease.AcquireResult, error) {
	cond := "0"
	if opts.Conditional {
		cond = "1"
	}
	raw, err := acquireScript.Run(ctx, r.client, []string{r.leaseKey(formID)},
		sessionID, millis(now), opts.OwnerHint, cond, opts.ExpectOwner).Slice()
	if err != nil {
		return lease.AcquireResult{}, fmt.Errorf("acquire script: %w", err)
	}
	if len(raw) != 3 {
		return lease.AcquireResult{}, fmt.Errorf("acquire script: unexpected reply %v", raw)
	}
	granted, _ := raw[0].(int64)
	prevOwner, _ := raw[1].(string)
	prevAt, _ := raw[2].(string)

	prev := lease.Lease{FormID: formID, OwnerID: prevOwner, AcquiredAt: parseMillis(prevAt)}
	if granted == 0 {
		return lease.AcquireResult{Granted: false, Lease: prev, Previous: prev}, nil
	}
	return lease.AcquireResult{
		Granted:  true,
		Lease:    lease.Lease{FormID: formID, OwnerID: sessionID, OwnerHint: opts.OwnerHint, AcquiredAt: parseMillis(millis(now))},
		Previous: prev,
	}, nil
}

func (r *repoRedis) Release(ctx context.Context, formID, sessionID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(formID)}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("release script: %w", err)
	}
	return n == 1, nil
}

func (r *repoRedis) GetLease(ctx context.Context, formID string) (lease.Lease, error) {
	vals, err := r.client.HMGet(ctx, r.leaseKey(formID), "owner", "at", "hint").Result()
	if err != nil {
		return lease.Lease{}, err
	}
	owner, _ := vals[0].(string)
	at, _ := vals[1].(string)
	l := lease.Lease{FormID: formID, OwnerID: owner, AcquiredAt: parseMillis(at)}
	if owner != "" {
		l.OwnerHint, _ = vals[2].(string)
	}
	return l, nil
}

func (r *repoRedis) SaveSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields, now time.Time) (*lease.Snapshot, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	ok, err := saveScript.Run(ctx, r.client,
		[]string{r.leaseKey(formID), r.snapshotKey(formID)},
		sessionID, millis(now), string(body)).Int()
	if err != nil {
		return nil, fmt.Errorf("save script: %w", err)
	}
	if ok == 0 {
		return nil, lease.ErrRejected
	}
	return &lease.Snapshot{
		FormID:  formID,
		Fields:  fields.Clone(),
		SavedBy: sessionID,
		SavedAt: parseMillis(millis(now)),
	}, nil
}

func (r *repoRedis) GetSnapshot(ctx context.Context, formID string) (*lease.Snapshot, error) {
	vals, err := r.client.HMGet(ctx, r.snapshotKey(formID), "fields", "by", "at").Result()
	if err != nil {
		return nil, err
	}
	snap := &lease.Snapshot{FormID: formID, Fields: lease.Fields{}}
	body, _ := vals[0].(string)
	if body == "" {
		return snap, nil
	}
	if err := json.Unmarshal([]byte(body), &snap.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	snap.SavedBy, _ = vals[1].(string)
	at, _ := vals[2].(string)
	snap.SavedAt = parseMillis(at)
	return snap, nil
}
