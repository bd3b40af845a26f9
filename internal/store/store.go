// Package store is the coordination-store adapter for the quota engine. It
// wraps a redis.UniversalClient (or a miniredis server in tests) and
// encapsulates the Lua scripts and key-naming scheme that give the three
// quota operations (admit, commit, release) their atomicity guarantees.
//
// Key naming generalizes the teacher's getBucketKey/getTimestampKey helper
// pattern to three dimensions and a reservation hash: each (api key,
// dimension) pair gets one hash at "rl:seg:{key}:{dim}", with the bucket
// index as a hash field, and each reservation lives at "rl:res:{id}" (a hash
// that also records its bucket of origin), with its id indexed by admission
// time t0 in a sorted set at "rl:res:open" for the sweep scan.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmquota/ratelimiter/internal/obs"
)

// Dimension is one of the three quota axes.
type Dimension string

const (
	DimInputTokens  Dimension = "in"
	DimOutputTokens Dimension = "out"
	DimRequests     Dimension = "req"
)

// ErrUnavailable wraps any error returned by a failed store round-trip.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is the Redis-backed coordination store adapter.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string

	admitScript   *redis.Script
	commitScript  *redis.Script
	releaseScript *redis.Script
	sweepScript   *redis.Script
	usageScript   *redis.Script
}

// New creates a Store bound to the given client.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "rl:"
	}
	s := &Store{
		client:    client,
		keyPrefix: keyPrefix,
	}
	s.loadScripts()
	return s
}

func (s *Store) segmentHashKey(apiKey string, dim Dimension) string {
	return fmt.Sprintf("%sseg:%s:%s", s.keyPrefix, apiKey, dim)
}

func (s *Store) reservationKey(id string) string {
	return fmt.Sprintf("%sres:%s", s.keyPrefix, id)
}

func (s *Store) reservationIndexKey() string {
	return s.keyPrefix + "res:open"
}

// loadScripts compiles the Lua scripts used for the atomic quota
// operations. Following the teacher's redis_limiter.go convention: every
// script is a *redis.Script built once at construction time and invoked
// through .Run(ctx, client, keys, args...) on every call.
func (s *Store) loadScripts() {
	// KEYS[1..3] = segment hash keys for input/output/requests dimensions
	// KEYS[4]    = reservation hash key
	// KEYS[5]    = open-reservation index (sorted set, score = t0)
	// ARGV[1]    = bucket index b
	// ARGV[2]    = window segment count N
	// ARGV[3]    = in_est
	// ARGV[4]    = out_reserve
	// ARGV[5]    = limit_in
	// ARGV[6]    = limit_out
	// ARGV[7]    = limit_req
	// ARGV[8]    = now (unix seconds, float)
	// ARGV[9]    = reservation id
	// ARGV[10]   = segment ttl seconds (2W)
	// ARGV[11]   = reservation ttl seconds (T_sweep)
	// ARGV[12]   = api key
	// ARGV[13]   = segment size S, seconds (bucket duration)
	s.admitScript = redis.NewScript(`
		local segIn, segOut, segReq, resKey, resIndex = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
		local b          = tonumber(ARGV[1])
		local n          = tonumber(ARGV[2])
		local inEst      = tonumber(ARGV[3])
		local outReserve = tonumber(ARGV[4])
		local limitIn    = tonumber(ARGV[5])
		local limitOut   = tonumber(ARGV[6])
		local limitReq   = tonumber(ARGV[7])
		local now        = tonumber(ARGV[8])
		local resID      = ARGV[9]
		local segTTL     = tonumber(ARGV[10])
		local resTTL     = tonumber(ARGV[11])
		local apiKey     = ARGV[12]
		local segSize    = tonumber(ARGV[13])

		-- Sums occupied buckets in the window and tracks the earliest
		-- occupied one, whose expiry bounds how soon capacity reopens.
		local function windowScan(segKey)
			local sum = 0
			local earliest = nil
			local fields = redis.call('HGETALL', segKey)
			for i = 1, #fields, 2 do
				local bucket = tonumber(fields[i])
				local val = tonumber(fields[i+1])
				if bucket ~= nil and bucket > b - n and bucket <= b and val > 0 then
					sum = sum + val
					if earliest == nil or bucket < earliest then
						earliest = bucket
					end
				end
			end
			return sum, earliest
		end

		local usedIn, earliestIn   = windowScan(segIn)
		local usedOut, earliestOut = windowScan(segOut)
		local usedReq, earliestReq = windowScan(segReq)

		local addIn, addOut, addReq = inEst, outReserve, 1

		local okIn  = (usedIn + addIn) <= limitIn
		local okOut = (usedOut + addOut) <= limitOut
		local okReq = (usedReq + addReq) <= limitReq

		if not (okIn and okOut and okReq) then
			-- tightest binding dimension: among the dimensions this request
			-- would push past their ceiling, the one with the smallest
			-- remaining capacity
			local remIn, remOut, remReq = limitIn - usedIn, limitOut - usedOut, limitReq - usedReq
			local tightest, limit, remaining, earliest = nil, 0, 0, nil
			if not okIn then tightest, limit, remaining, earliest = "in", limitIn, remIn, earliestIn end
			if not okOut and (tightest == nil or remOut < remaining) then tightest, limit, remaining, earliest = "out", limitOut, remOut, earliestOut end
			if not okReq and (tightest == nil or remReq < remaining) then tightest, limit, remaining, earliest = "req", limitReq, remReq, earliestReq end
			if remaining < 0 then remaining = 0 end

			local windowSeconds = n * segSize
			local retryAfter
			if earliest == nil then
				retryAfter = windowSeconds
			else
				retryAfter = (earliest + n) * segSize - now
			end
			if retryAfter < 1 then retryAfter = 1 end
			if retryAfter > windowSeconds then retryAfter = windowSeconds end

			return {0, tightest, limit, remaining, math.floor(retryAfter)}
		end

		redis.call('HINCRBY', segIn, tostring(b), addIn)
		redis.call('EXPIRE', segIn, segTTL)
		redis.call('HINCRBY', segOut, tostring(b), addOut)
		redis.call('EXPIRE', segOut, segTTL)
		redis.call('HINCRBY', segReq, tostring(b), addReq)
		redis.call('EXPIRE', segReq, segTTL)

		redis.call('HSET', resKey,
			'key', apiKey,
			'in_est', inEst,
			'out_reserve', outReserve,
			'bucket', b,
			't0', now,
			'status', 'OPEN')
		redis.call('EXPIRE', resKey, resTTL)
		redis.call('ZADD', resIndex, now, resID)

		local remIn, remOut, remReq = limitIn - usedIn - addIn, limitOut - usedOut - addOut, limitReq - usedReq - addReq
		local tightest, limit, remaining = "in", limitIn, remIn
		if remOut < remaining then tightest, limit, remaining = "out", limitOut, remOut end
		if remReq < remaining then tightest, limit, remaining = "req", limitReq, remReq end

		return {1, tightest, limit, remaining, 0}
	`)

	// KEYS[1] = reservation hash key
	// KEYS[2] = reservation open-index
	// KEYS[3..4] = segment hash keys (in/out); requests are unchanged by commit
	// ARGV[1] = in_actual
	// ARGV[2] = out_actual
	// ARGV[3] = segment ttl seconds
	// ARGV[4] = oldest live bucket (fallback floor if b0 has expired)
	// ARGV[5] = reservation id
	s.commitScript = redis.NewScript(`
		local resKey, resIndex = KEYS[1], KEYS[2]
		local segIn, segOut = KEYS[3], KEYS[4]
		local inActual  = tonumber(ARGV[1])
		local outActual = tonumber(ARGV[2])
		local segTTL    = tonumber(ARGV[3])
		local oldestLive = tonumber(ARGV[4])

		local status = redis.call('HGET', resKey, 'status')
		if not status or status ~= 'OPEN' then
			return {0, 'noop'}
		end

		local inEst      = tonumber(redis.call('HGET', resKey, 'in_est'))
		local outReserve = tonumber(redis.call('HGET', resKey, 'out_reserve'))
		local b0         = tonumber(redis.call('HGET', resKey, 'bucket'))

		local deltaIn  = inActual - inEst
		local deltaOut = outActual - outReserve

		local targetBucket = b0
		local usedFallback = false
		if b0 < oldestLive then
			targetBucket = oldestLive
			usedFallback = true
		end

		local function applyDelta(segKey, delta)
			if delta == 0 then return end
			local newVal = redis.call('HINCRBY', segKey, tostring(targetBucket), delta)
			if newVal < 0 then
				redis.call('HSET', segKey, tostring(targetBucket), 0)
			end
			redis.call('EXPIRE', segKey, segTTL)
		end

		applyDelta(segIn, deltaIn)
		applyDelta(segOut, deltaOut)

		redis.call('HSET', resKey, 'status', 'COMMITTED')
		redis.call('ZREM', resIndex, ARGV[5])
		redis.call('DEL', resKey)

		if usedFallback then
			return {1, 'fallback'}
		end
		return {1, 'ok'}
	`)

	// KEYS[1] = reservation hash key
	// KEYS[2] = reservation open-index
	// KEYS[3..5] = segment hash keys (in/out/req)
	// ARGV[1] = segment ttl seconds
	// ARGV[2] = reservation id
	s.releaseScript = redis.NewScript(`
		local resKey, resIndex = KEYS[1], KEYS[2]
		local segIn, segOut, segReq = KEYS[3], KEYS[4], KEYS[5]
		local segTTL = tonumber(ARGV[1])
		local resID  = ARGV[2]

		local status = redis.call('HGET', resKey, 'status')
		if not status or status ~= 'OPEN' then
			return 0
		end

		local inEst      = tonumber(redis.call('HGET', resKey, 'in_est'))
		local outReserve = tonumber(redis.call('HGET', resKey, 'out_reserve'))
		local b0         = tonumber(redis.call('HGET', resKey, 'bucket'))

		local function releaseDelta(segKey, amount)
			if amount == 0 then return end
			local newVal = redis.call('HINCRBY', segKey, tostring(b0), -amount)
			if newVal < 0 then
				redis.call('HSET', segKey, tostring(b0), 0)
			end
			redis.call('EXPIRE', segKey, segTTL)
		end

		releaseDelta(segIn, inEst)
		releaseDelta(segOut, outReserve)
		releaseDelta(segReq, 1)

		redis.call('HSET', resKey, 'status', 'RELEASED')
		redis.call('ZREM', resIndex, resID)
		redis.call('DEL', resKey)

		return 1
	`)

	// KEYS[1] = reservation open-index (sorted set keyed by t0)
	// ARGV[1] = cutoff = now - T_sweep
	// ARGV[2] = limit (max ids to return per sweep tick)
	s.sweepScript = redis.NewScript(`
		local resIndex = KEYS[1]
		local cutoff = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		return redis.call('ZRANGEBYSCORE', resIndex, '-inf', cutoff, 'LIMIT', 0, limit)
	`)

	// KEYS[1..3] = segment hash keys (in/out/req)
	// ARGV[1] = bucket index b
	// ARGV[2] = window segment count N
	s.usageScript = redis.NewScript(`
		local segIn, segOut, segReq = KEYS[1], KEYS[2], KEYS[3]
		local b = tonumber(ARGV[1])
		local n = tonumber(ARGV[2])

		local function windowSum(segKey)
			local sum = 0
			local fields = redis.call('HGETALL', segKey)
			for i = 1, #fields, 2 do
				local bucket = tonumber(fields[i])
				local val = tonumber(fields[i+1])
				if bucket ~= nil and bucket > b - n and bucket <= b then
					sum = sum + val
				end
			end
			return sum
		end

		return {windowSum(segIn), windowSum(segOut), windowSum(segReq)}
	`)
}

// AdmitResult is the raw outcome of the admit script.
type AdmitResult struct {
	Admitted       bool
	TightestDim    Dimension
	TightestLimit  int64
	TightestRemain int64
	// RetryAfter is how long until the tightest-binding dimension's
	// earliest occupied segment rolls out of the window. Zero when Admitted.
	RetryAfter time.Duration
}

// Admit runs the atomic admit script for one (key, in_est, out_reserve)
// triple at bucket b, under window segment count n and segment duration
// segSize.
func (s *Store) Admit(ctx context.Context, apiKey string, bucket, n int64, segSize time.Duration, inEst, outReserve int, limitIn, limitOut, limitReq int, now time.Time, reservationID string, segTTL, resTTL time.Duration) (AdmitResult, error) {
	keys := []string{
		s.segmentHashKey(apiKey, DimInputTokens),
		s.segmentHashKey(apiKey, DimOutputTokens),
		s.segmentHashKey(apiKey, DimRequests),
		s.reservationKey(reservationID),
		s.reservationIndexKey(),
	}

	raw, err := s.admitScript.Run(ctx, s.client, keys,
		bucket, n, inEst, outReserve, limitIn, limitOut, limitReq,
		float64(now.Unix()), reservationID,
		int(segTTL.Seconds()), int(resTTL.Seconds()), apiKey,
		int(segSize.Seconds()),
	).Slice()
	if err != nil {
		obs.ErrorContext(ctx, err, "admit script failed", map[string]interface{}{"key": apiKey})
		return AdmitResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) != 5 {
		return AdmitResult{}, fmt.Errorf("%w: unexpected admit script reply", ErrUnavailable)
	}

	admitted, _ := raw[0].(int64)
	tightest, _ := raw[1].(string)
	limit, _ := raw[2].(int64)
	remaining, _ := raw[3].(int64)
	retryAfterSeconds, _ := raw[4].(int64)

	return AdmitResult{
		Admitted:       admitted == 1,
		TightestDim:    Dimension(tightest),
		TightestLimit:  limit,
		TightestRemain: remaining,
		RetryAfter:     time.Duration(retryAfterSeconds) * time.Second,
	}, nil
}

// CommitResult reports whether commit applied the delta to the original
// bucket or fell back to the oldest live bucket.
type CommitResult struct {
	Applied  bool
	Fallback bool
}

// Commit applies the true usage delta to the reservation's original bucket
// (or the oldest live bucket, as a best-effort fallback if b0 has expired).
func (s *Store) Commit(ctx context.Context, apiKey, reservationID string, inActual, outActual int, oldestLiveBucket int64, segTTL time.Duration) (CommitResult, error) {
	keys := []string{
		s.reservationKey(reservationID),
		s.reservationIndexKey(),
		s.segmentHashKey(apiKey, DimInputTokens),
		s.segmentHashKey(apiKey, DimOutputTokens),
	}
	raw, err := s.commitScript.Run(ctx, s.client, keys,
		inActual, outActual, int(segTTL.Seconds()), oldestLiveBucket, reservationID,
	).Slice()
	if err != nil {
		obs.ErrorContext(ctx, err, "commit script failed", map[string]interface{}{"reservation_id": reservationID})
		return CommitResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) != 2 {
		return CommitResult{}, fmt.Errorf("%w: unexpected commit script reply", ErrUnavailable)
	}
	applied, _ := raw[0].(int64)
	status, _ := raw[1].(string)
	return CommitResult{Applied: applied == 1, Fallback: status == "fallback"}, nil
}

// Release cancels a reservation, returning its provisional additions.
func (s *Store) Release(ctx context.Context, apiKey, reservationID string, segTTL time.Duration) (bool, error) {
	keys := []string{
		s.reservationKey(reservationID),
		s.reservationIndexKey(),
		s.segmentHashKey(apiKey, DimInputTokens),
		s.segmentHashKey(apiKey, DimOutputTokens),
		s.segmentHashKey(apiKey, DimRequests),
	}
	released, err := s.releaseScript.Run(ctx, s.client, keys, int(segTTL.Seconds()), reservationID).Int64()
	if err != nil {
		obs.ErrorContext(ctx, err, "release script failed", map[string]interface{}{"reservation_id": reservationID})
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return released == 1, nil
}

// StaleReservations returns reservation ids whose t0 is older than cutoff,
// used by the background sweep.
func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	raw, err := s.sweepScript.Run(ctx, s.client, []string{s.reservationIndexKey()}, float64(cutoff.Unix()), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return raw, nil
}

// ReservationSnapshot returns the api key a reservation belongs to, used by
// the sweeper before releasing it (release needs the key to address the
// per-dimension segment hashes).
func (s *Store) ReservationSnapshot(ctx context.Context, reservationID string) (apiKey string, ok bool, err error) {
	val, err := s.client.HGet(ctx, s.reservationKey(reservationID), "key").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, true, nil
}

// WindowUsage returns the current sliding-window sum for all three
// dimensions of one key, used by the admin usage endpoint and the monitor.
func (s *Store) WindowUsage(ctx context.Context, apiKey string, bucket, n int64) (inUsed, outUsed, reqUsed int64, err error) {
	keys := []string{
		s.segmentHashKey(apiKey, DimInputTokens),
		s.segmentHashKey(apiKey, DimOutputTokens),
		s.segmentHashKey(apiKey, DimRequests),
	}
	raw, err := s.usageScript.Run(ctx, s.client, keys, bucket, n).Slice()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: unexpected usage script reply", ErrUnavailable)
	}
	in, _ := raw[0].(int64)
	out, _ := raw[1].(int64)
	req, _ := raw[2].(int64)
	return in, out, req, nil
}

// Ping checks connectivity to the coordination store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
