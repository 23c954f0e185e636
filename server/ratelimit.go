package server

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

// rateLimits throttles tool calls per tool family. Query tools share one
// budget; ingestion gets its own, much smaller one because each call can
// fan out into hundreds of embedding requests.
type rateLimits struct {
	query  *limiter.Limiter
	ingest *limiter.Limiter
}

func newRateLimits(queryPerMin, ingestPerMin int64) *rateLimits {
	if queryPerMin <= 0 {
		queryPerMin = testdoc.DefaultSearchRatePerMin
	}
	if ingestPerMin <= 0 {
		ingestPerMin = testdoc.DefaultIngestRatePerMin
	}
	store := memory.NewStore()
	return &rateLimits{
		query:  limiter.New(store, limiter.Rate{Period: time.Minute, Limit: queryPerMin}),
		ingest: limiter.New(store, limiter.Rate{Period: time.Minute, Limit: ingestPerMin}),
	}
}

// allowQuery reserves one query-tool call, failing with a rate-limited error
// carrying the retry-after hint when the budget is spent.
func (r *rateLimits) allowQuery(ctx context.Context) error {
	return allow(ctx, r.query, "query")
}

func (r *rateLimits) allowIngest(ctx context.Context) error {
	return allow(ctx, r.ingest, "ingest")
}

func allow(ctx context.Context, lim *limiter.Limiter, family string) error {
	res, err := lim.Get(ctx, family)
	if err != nil {
		return core.NewError(core.KindInternal, "rate limiter failure", err)
	}
	if !res.Reached {
		return nil
	}
	retryAfter := time.Until(time.Unix(res.Reset, 0))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return core.NewErrorf(core.KindRateLimited, "%s rate limit exceeded", family).
		WithField("retry_after", retryAfter)
}
