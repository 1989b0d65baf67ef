// Package batch offers bulk mutation and query of telemetry records.
// Every operation isolates failures per item: a bad item is skipped and
// reported, the rest still go through.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/eventbus"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

// ScreenFunc writes the screening verdict onto a record.
type ScreenFunc func(rec *telemetry.Record)

// Publisher receives created events for processed records.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) int
}

// ItemError describes one skipped item.
type ItemError struct {
	Index int    `json:"index"`
	Item  string `json:"item,omitempty"`
	Error string `json:"error"`
}

// Result is returned by every batch operation.
type Result struct {
	Affected int64       `json:"affected"`
	Failed   int         `json:"failed"`
	Errors   []ItemError `json:"errors,omitempty"`
}

func (r *Result) fail(index int, item string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ItemError{Index: index, Item: item, Error: err.Error()})
}

// Gateway runs batch operations against the record store.
type Gateway struct {
	store     storage.RecordStore
	screen    ScreenFunc
	publisher Publisher
	logger    zerolog.Logger
}

// New builds a gateway. screen and publisher may be nil, in which case
// Process only fills defaults and nothing is published.
func New(store storage.RecordStore, screen ScreenFunc, publisher Publisher, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:     store,
		screen:    screen,
		publisher: publisher,
		logger:    logger.With().Str("component", "batch").Logger(),
	}
}

// Create inserts records. It tries one transactional SaveAll first and falls
// back to per-record saves so one bad row cannot sink the rest.
func (g *Gateway) Create(ctx context.Context, recs []telemetry.Record) (Result, []telemetry.Record, error) {
	var res Result
	if len(recs) == 0 {
		return res, nil, nil
	}
	now := time.Now().UTC()
	ptrs := make([]*telemetry.Record, len(recs))
	for i := range recs {
		rec := recs[i].Clone()
		rec.ID = 0
		rec.ApplyDefaults(now)
		ptrs[i] = &rec
	}

	err := g.store.SaveAll(ctx, ptrs)
	if err == nil {
		res.Affected = int64(len(ptrs))
		return res, deref(ptrs), nil
	}
	g.logger.Warn().Err(err).Int("count", len(ptrs)).Msg("bulk insert failed, falling back to per-record saves")

	saved := make([]*telemetry.Record, 0, len(ptrs))
	for i, rec := range ptrs {
		rec.ID = 0
		if err := g.store.Save(ctx, rec); err != nil {
			res.fail(i, rec.Source, err)
			continue
		}
		res.Affected++
		saved = append(saved, rec)
	}
	return res, deref(saved), nil
}

// Update upserts records by id. Records without an id are inserted.
func (g *Gateway) Update(ctx context.Context, recs []telemetry.Record) (Result, error) {
	var res Result
	now := time.Now().UTC()
	for i := range recs {
		rec := recs[i].Clone()
		rec.ApplyDefaults(now)
		if err := g.store.Update(ctx, &rec); err != nil {
			res.fail(i, strconv.FormatInt(rec.ID, 10), err)
			continue
		}
		res.Affected++
	}
	return res, nil
}

// Delete removes records by id. Ids that do not parse are reported and
// skipped.
func (g *Gateway) Delete(ctx context.Context, ids []string) (Result, error) {
	var res Result
	parsed := g.parseIDs(ids, &res)
	if len(parsed) == 0 {
		return res, nil
	}
	n, err := g.store.DeleteByIDs(ctx, parsed)
	if err != nil {
		return res, fmt.Errorf("delete records: %w", err)
	}
	res.Affected = n
	return res, nil
}

// DeleteByTimeRange removes records with data time in [from, to).
func (g *Gateway) DeleteByTimeRange(ctx context.Context, from, to time.Time) (Result, error) {
	var res Result
	if !from.Before(to) {
		return res, fmt.Errorf("start %s must be before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	n, err := g.store.DeleteByTimeRange(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("delete by time range: %w", err)
	}
	res.Affected = n
	return res, nil
}

// DeleteBySources removes every record of the named sources. Blank names are
// skipped.
func (g *Gateway) DeleteBySources(ctx context.Context, sources []string) (Result, error) {
	var res Result
	clean := make([]string, 0, len(sources))
	for i, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			res.fail(i, s, errors.New("empty source"))
			continue
		}
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return res, nil
	}
	n, err := g.store.DeleteBySources(ctx, clean)
	if err != nil {
		return res, fmt.Errorf("delete by sources: %w", err)
	}
	res.Affected = n
	return res, nil
}

// Query loads records by id. Unknown ids are simply absent from the result.
func (g *Gateway) Query(ctx context.Context, ids []string) (Result, []telemetry.Record, error) {
	var res Result
	parsed := g.parseIDs(ids, &res)
	if len(parsed) == 0 {
		return res, []telemetry.Record{}, nil
	}
	recs, err := g.store.FindByIDs(ctx, parsed)
	if err != nil {
		return res, nil, fmt.Errorf("query records: %w", err)
	}
	res.Affected = int64(len(recs))
	return res, recs, nil
}

// Process fills defaults, screens, persists and publishes each record.
// Persist failures are per item.
func (g *Gateway) Process(ctx context.Context, recs []telemetry.Record) (Result, []telemetry.Record, error) {
	var res Result
	out := make([]telemetry.Record, 0, len(recs))
	now := time.Now().UTC()
	for i := range recs {
		rec := recs[i].Clone()
		rec.ID = 0
		rec.ApplyDefaults(now)
		if g.screen != nil {
			g.screen(&rec)
		}
		if err := g.store.Save(ctx, &rec); err != nil {
			res.fail(i, rec.Source, err)
			continue
		}
		res.Affected++
		out = append(out, rec)
		if g.publisher != nil {
			g.publisher.Publish(ctx, eventbus.Event{Kind: eventbus.KindCreated, Record: rec})
		}
	}
	if res.Failed > 0 {
		g.logger.Warn().Int("failed", res.Failed).Int64("processed", res.Affected).Msg("batch process finished with failures")
	}
	return res, out, nil
}

func (g *Gateway) parseIDs(ids []string, res *Result) []int64 {
	parsed := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for i, raw := range ids {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || id <= 0 {
			if err == nil {
				err = errors.New("id must be positive")
			}
			res.fail(i, raw, fmt.Errorf("invalid id: %w", err))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		parsed = append(parsed, id)
	}
	return parsed
}

func deref(ptrs []*telemetry.Record) []telemetry.Record {
	out := make([]telemetry.Record, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out
}
