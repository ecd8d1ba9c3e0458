// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package verifier implements the fast (existence+type) and full
// (value-equal) post-migration comparison described in spec.md §4.4. The
// per-type value comparator (CompareValue) is also reused by the SCAN
// incremental handler's Stage B value-compare backfill (§4.5).
package verifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mode selects which comparison depth to run.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeFull Mode = "full"
)

// Category classifies the outcome of comparing one key.
type Category string

const (
	CategoryMatching     Category = "matching"
	CategoryMissing      Category = "missing_in_target"
	CategoryTypeMismatch Category = "type_mismatch"
	CategoryValueMismatch Category = "value_mismatch"
)

// Result summarizes one verification run.
type Result struct {
	Total     int
	Counts    map[Category]int
}

// PassRate reports matching/total, or 1.0 when total is 0 (vacuous pass).
func (r Result) PassRate() float64 {
	if r.Total == 0 {
		return 1.0
	}
	return float64(r.Counts[CategoryMatching]) / float64(r.Total)
}

// Passes reports whether the run meets the spec's 0.95 threshold.
func (r Result) Passes() bool {
	return r.PassRate() >= 0.95
}

// Verifier compares a source and target Redis instance.
type Verifier struct {
	source *redis.Client
	target *redis.Client
}

// New returns a Verifier bound to a source/target pair.
func New(source, target *redis.Client) *Verifier {
	return &Verifier{source: source, target: target}
}

// Run executes a verification pass in the given mode over up to sampleSize
// keys streamed from SCAN, in both fast and full mode. To compare an
// explicit key list instead, call VerifyKeys.
func (v *Verifier) Run(ctx context.Context, mode Mode, pattern string, sampleSize int) (Result, error) {
	if sampleSize <= 0 {
		sampleSize = 100
	}

	keys, err := v.sampleKeys(ctx, pattern, sampleSize)
	if err != nil {
		return Result{}, err
	}
	return v.VerifyKeys(ctx, mode, keys)
}

func (v *Verifier) sampleKeys(ctx context.Context, pattern string, n int) ([]string, error) {
	var keys []string
	var cursor uint64
	for len(keys) < n {
		page, next, err := v.source.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning source for sample: %w", err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys, nil
}

// VerifyKeys runs the chosen comparison mode over an explicit key list.
func (v *Verifier) VerifyKeys(ctx context.Context, mode Mode, keys []string) (Result, error) {
	res := Result{Total: len(keys), Counts: make(map[Category]int)}
	if len(keys) == 0 {
		return res, nil
	}

	switch mode {
	case ModeFull:
		for _, k := range keys {
			cat, err := v.compareFull(ctx, k)
			if err != nil {
				return res, err
			}
			res.Counts[cat]++
		}
	default:
		cats, err := v.compareFastBatch(ctx, keys)
		if err != nil {
			return res, err
		}
		for _, cat := range cats {
			res.Counts[cat]++
		}
	}
	return res, nil
}

// compareFastBatch pipelines EXISTS+TYPE on target and TYPE on source for
// a batch of keys, per spec.md §4.4 Fast mode.
func (v *Verifier) compareFastBatch(ctx context.Context, keys []string) ([]Category, error) {
	srcPipe := v.source.Pipeline()
	srcType := make([]*redis.StatusCmd, len(keys))
	for i, k := range keys {
		srcType[i] = srcPipe.Type(ctx, k)
	}
	if _, err := srcPipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pipelined source TYPE: %w", err)
	}

	dstPipe := v.target.Pipeline()
	dstExists := make([]*redis.IntCmd, len(keys))
	dstType := make([]*redis.StatusCmd, len(keys))
	for i, k := range keys {
		dstExists[i] = dstPipe.Exists(ctx, k)
		dstType[i] = dstPipe.Type(ctx, k)
	}
	if _, err := dstPipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pipelined target EXISTS/TYPE: %w", err)
	}

	cats := make([]Category, len(keys))
	for i := range keys {
		exists, _ := dstExists[i].Result()
		if exists == 0 {
			cats[i] = CategoryMissing
			continue
		}
		srcT, _ := srcType[i].Result()
		dstT, _ := dstType[i].Result()
		if srcT != dstT {
			cats[i] = CategoryTypeMismatch
			continue
		}
		cats[i] = CategoryMatching
	}
	return cats, nil
}

// compareFull checks existence, type, value and TTL-within-2s tolerance,
// per spec.md §4.4 Full mode.
func (v *Verifier) compareFull(ctx context.Context, key string) (Category, error) {
	srcType, err := v.source.Type(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("source TYPE %s: %w", key, err)
	}

	exists, err := v.target.Exists(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("target EXISTS %s: %w", key, err)
	}
	if exists == 0 {
		return CategoryMissing, nil
	}

	dstType, err := v.target.Type(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("target TYPE %s: %w", key, err)
	}
	if srcType != dstType {
		return CategoryTypeMismatch, nil
	}

	equal, err := CompareValue(ctx, v.source, v.target, srcType, key)
	if err != nil {
		return "", err
	}
	if !equal {
		return CategoryValueMismatch, nil
	}

	if !ttlWithinTolerance(ctx, v.source, v.target, key) {
		return CategoryValueMismatch, nil
	}

	return CategoryMatching, nil
}

func ttlWithinTolerance(ctx context.Context, source, target *redis.Client, key string) bool {
	srcTTL, err1 := source.TTL(ctx, key).Result()
	dstTTL, err2 := target.TTL(ctx, key).Result()
	if err1 != nil || err2 != nil {
		return true // cannot compare, don't fail the key on TTL alone
	}
	if srcTTL <= 0 || dstTTL <= 0 {
		return true // one or both have no expiry: nothing to tolerate
	}
	diff := srcTTL - dstTTL
	if diff < 0 {
		diff = -diff
	}
	return diff <= 2*time.Second
}

// CompareValue compares the value of key on source and target, using the
// type-specific read appropriate to typ. Shared by the verifier's Full
// mode and the SCAN incremental handler's Stage B backfill.
func CompareValue(ctx context.Context, source, target *redis.Client, typ, key string) (bool, error) {
	switch typ {
	case "string":
		a, errA := source.Get(ctx, key).Result()
		b, errB := target.Get(ctx, key).Result()
		if errA != nil || errB != nil {
			return errA == errB, nil
		}
		return a == b, nil
	case "list":
		a, errA := source.LRange(ctx, key, 0, -1).Result()
		b, errB := target.LRange(ctx, key, 0, -1).Result()
		if errA != nil || errB != nil {
			return false, nil
		}
		return stringSlicesEqual(a, b), nil
	case "set":
		a, errA := source.SMembers(ctx, key).Result()
		b, errB := target.SMembers(ctx, key).Result()
		if errA != nil || errB != nil {
			return false, nil
		}
		return stringSetsEqual(a, b), nil
	case "zset":
		a, errA := source.ZRangeWithScores(ctx, key, 0, -1).Result()
		b, errB := target.ZRangeWithScores(ctx, key, 0, -1).Result()
		if errA != nil || errB != nil {
			return false, nil
		}
		return zsetsEqual(a, b), nil
	case "hash":
		a, errA := source.HGetAll(ctx, key).Result()
		b, errB := target.HGetAll(ctx, key).Result()
		if errA != nil || errB != nil {
			return false, nil
		}
		return stringMapsEqual(a, b), nil
	default:
		// stream and other types: fall back to existence-only equality,
		// already established by the caller before CompareValue is invoked.
		return true, nil
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, s := range a {
		set[s]++
	}
	for _, s := range b {
		set[s]--
	}
	for _, c := range set {
		if c != 0 {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func zsetsEqual(a, b []redis.Z) bool {
	if len(a) != len(b) {
		return false
	}
	byMember := make(map[string]float64, len(a))
	for _, z := range a {
		byMember[fmt.Sprint(z.Member)] = z.Score
	}
	for _, z := range b {
		score, ok := byMember[fmt.Sprint(z.Member)]
		if !ok || math.Abs(score-z.Score) > 1e-9 {
			return false
		}
	}
	return true
}
