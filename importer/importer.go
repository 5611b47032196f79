/*
Package importer bulk-loads client records and generates their timelines.

PURPOSE:
  Onboarding arrives as large arrays of client records, each optionally
  carrying activity assignments. The importer writes them in fixed-size
  chunks and isolates failures so one bad record never aborts the batch.

ITEM LIFECYCLE:
  received -> validated -> rejected            (bad fields, never written)
                        -> persisted            (counted as created/updated)
                             -> timelines-generated
                             -> post-process-failed (still counted, error recorded)

PER CHUNK:
  1. Validate every record (go-playground/validator tags).
  2. Write the valid ones with ClientWriter.SaveClients. Items that failed
     with a retryable storage error are retried up to MaxRetries times.
     Client IDs are assigned before the first attempt so a retry updates
     the same row instead of creating a second one.
  3. Generate timelines for persisted records that carry assignments, at
     most Concurrency at a time (errgroup). Failures are recorded per item.

  The whole chunk shares one ChunkTimeout deadline. Cancellation is checked
  between chunks: the importer stops at the next boundary and returns the
  result so far with the context error.

USAGE:
  imp := importer.New(store, generator)
  imp.ChunkSize = 100
  result, err := imp.ImportBatch(ctx, records)

SEE ALSO:
  - timeline/store.go: ClientWriter and PartialWriteError
  - timeline/generator.go: Timeline generation per record
*/
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// RECORDS
// =============================================================================

// ActivityRecord assigns an activity (optionally one subactivity) to a client.
type ActivityRecord struct {
	ActivityID    string `json:"activity_id" validate:"required"`
	SubactivityID string `json:"subactivity_id,omitempty"`
	Fee           string `json:"fee,omitempty" validate:"omitempty,numeric"`
}

// ClientRecord is one item of an import batch. A record with an ID updates
// that client; a record without one creates a new client.
type ClientRecord struct {
	ID         string           `json:"id,omitempty"`
	Name       string           `json:"name" validate:"required"`
	BranchID   string           `json:"branch_id" validate:"required"`
	Email      string           `json:"email,omitempty" validate:"omitempty,email"`
	Activities []ActivityRecord `json:"activities,omitempty" validate:"dive"`
}

// ItemError describes one record that was rejected, failed to persist, or
// failed post-processing. Index is the record's position in the batch.
type ItemError struct {
	Index int          `json:"index"`
	Error string       `json:"error"`
	Data  ClientRecord `json:"data"`
}

// Result summarizes a batch.
type Result struct {
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Errors  []ItemError `json:"errors"`
}

// =============================================================================
// IMPORTER
// =============================================================================

// TimelineGenerator generates a client's timelines for a set of assignments.
// *timeline.Generator satisfies it.
type TimelineGenerator interface {
	Generate(ctx context.Context, client timeline.Client, assignments []timeline.Assignment) (*timeline.GenerateResult, error)
}

const (
	DefaultChunkSize    = 100
	DefaultMaxRetries   = 2
	DefaultChunkTimeout = 30 * time.Second
	DefaultConcurrency  = 4
)

// Importer drives bulk client imports.
type Importer struct {
	Clients    timeline.ClientWriter
	Generator  TimelineGenerator
	ChunkSize  int
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay   time.Duration
	ChunkTimeout time.Duration
	Concurrency  int
	Logger       *slog.Logger

	validate *validator.Validate
	newID    func() string
}

// New creates an importer with default tuning.
func New(clients timeline.ClientWriter, generator TimelineGenerator) *Importer {
	return &Importer{
		Clients:      clients,
		Generator:    generator,
		ChunkSize:    DefaultChunkSize,
		MaxRetries:   DefaultMaxRetries,
		RetryDelay:   100 * time.Millisecond,
		ChunkTimeout: DefaultChunkTimeout,
		Concurrency:  DefaultConcurrency,
		validate:     newValidator(),
		newID:        uuid.NewString,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (imp *Importer) logger() *slog.Logger {
	if imp.Logger != nil {
		return imp.Logger
	}
	return slog.Default()
}

// pending is a validated record awaiting (or after) its write.
type pending struct {
	index       int
	record      ClientRecord
	client      timeline.Client
	assignments []timeline.Assignment
}

// ImportBatch imports records chunk by chunk. Per-record failures are
// reported in Result.Errors and never returned as the error. The error is
// non-nil only when ctx is done before every chunk was processed; the
// result then covers the chunks that completed.
func (imp *Importer) ImportBatch(ctx context.Context, records []ClientRecord) (*Result, error) {
	result := &Result{Errors: []ItemError{}}
	size := imp.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	for start := 0; start < len(records); start += size {
		if err := ctx.Err(); err != nil {
			imp.logger().Warn("import interrupted",
				"component", "importer",
				"processed", start,
				"total", len(records),
				"error", err)
			return result, err
		}
		end := min(start+size, len(records))
		imp.importChunk(ctx, records[start:end], start, result)
	}

	imp.logger().Info("import finished",
		"component", "importer",
		"records", len(records),
		"created", result.Created,
		"updated", result.Updated,
		"errors", len(result.Errors))
	return result, nil
}

func (imp *Importer) importChunk(ctx context.Context, chunk []ClientRecord, offset int, result *Result) {
	started := time.Now()
	defer func() { chunkDuration.Observe(time.Since(started).Seconds()) }()

	if imp.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, imp.ChunkTimeout)
		defer cancel()
	}

	var valid []pending
	for i, rec := range chunk {
		p, err := imp.prepare(offset+i, rec)
		if err != nil {
			imp.fail(result, offset+i, rec, err, "rejected")
			continue
		}
		valid = append(valid, p)
	}

	persisted := imp.write(ctx, valid, result)
	imp.postProcess(ctx, persisted, result)
}

// prepare validates a record and converts it to domain values. IDs are
// assigned here, before any write.
func (imp *Importer) prepare(index int, rec ClientRecord) (pending, error) {
	if imp.validate == nil {
		imp.validate = newValidator()
	}
	if err := imp.validate.Struct(rec); err != nil {
		return pending{}, validationError(err)
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		if imp.newID == nil {
			imp.newID = uuid.NewString
		}
		id = imp.newID()
	}

	p := pending{
		index:  index,
		record: rec,
		client: timeline.Client{
			ID:       timeline.ClientID(id),
			Name:     strings.TrimSpace(rec.Name),
			BranchID: strings.TrimSpace(rec.BranchID),
			Email:    strings.TrimSpace(rec.Email),
		},
	}
	for _, a := range rec.Activities {
		fee := decimal.Zero
		if a.Fee != "" {
			var err error
			if fee, err = decimal.NewFromString(a.Fee); err != nil {
				return pending{}, &timeline.ValidationError{Field: "fee", Reason: err.Error()}
			}
		}
		p.assignments = append(p.assignments, timeline.Assignment{
			ActivityID:    timeline.ActivityID(a.ActivityID),
			SubactivityID: timeline.SubactivityID(a.SubactivityID),
			Fee:           fee,
		})
	}
	return p, nil
}

// write persists items, retrying the ones that failed with a retryable
// error. It returns the items that were applied, in input order.
func (imp *Importer) write(ctx context.Context, items []pending, result *Result) []pending {
	var persisted []pending
	for attempt := 0; len(items) > 0; attempt++ {
		if attempt > 0 {
			chunkRetries.Inc()
			if err := sleep(ctx, imp.RetryDelay*time.Duration(attempt)); err != nil {
				for _, p := range items {
					imp.fail(result, p.index, p.record, err, "failed")
				}
				break
			}
		}

		clients := make([]timeline.Client, len(items))
		for i, p := range items {
			clients[i] = p.client
		}

		outcomes, err := imp.Clients.SaveClients(ctx, clients)
		failed := map[int]error{}
		var partial *timeline.PartialWriteError
		switch {
		case err == nil:
		case errors.As(err, &partial):
			outcomes, failed = partial.Applied, partial.Failed
		default:
			outcomes = nil
			for i := range items {
				failed[i] = err
			}
		}

		for _, o := range outcomes {
			p := items[o.Index]
			if o.Created {
				result.Created++
				importedItems.WithLabelValues("created").Inc()
			} else {
				result.Updated++
				importedItems.WithLabelValues("updated").Inc()
			}
			persisted = append(persisted, p)
		}

		var retry []pending
		for i, p := range items {
			ferr, ok := failed[i]
			if !ok {
				continue
			}
			if timeline.IsRetryable(ferr) && attempt < imp.MaxRetries {
				retry = append(retry, p)
				continue
			}
			imp.fail(result, p.index, p.record, ferr, "failed")
		}
		if len(retry) > 0 {
			imp.logger().Warn("retrying chunk items",
				"component", "importer",
				"attempt", attempt+1,
				"items", len(retry))
		}
		items = retry
	}
	return persisted
}

// postProcess generates timelines for persisted records that carry
// assignments. A failure is recorded for that record only.
func (imp *Importer) postProcess(ctx context.Context, items []pending, result *Result) {
	if imp.Generator == nil {
		return
	}
	limit := imp.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range items {
		if len(p.assignments) == 0 {
			continue
		}
		p := p
		g.Go(func() error {
			if _, err := imp.Generator.Generate(gctx, p.client, p.assignments); err != nil {
				mu.Lock()
				imp.fail(result, p.index, p.record, fmt.Errorf("generate timelines: %w", err), "post_process_failed")
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (imp *Importer) fail(result *Result, index int, rec ClientRecord, err error, outcome string) {
	importedItems.WithLabelValues(outcome).Inc()
	result.Errors = append(result.Errors, ItemError{Index: index, Error: err.Error(), Data: rec})
	imp.logger().Debug("import item failed",
		"component", "importer",
		"index", index,
		"outcome", outcome,
		"error", err)
}

// validationError reduces validator output to the first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &timeline.ValidationError{Field: "record", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &timeline.ValidationError{Field: field, Reason: reason}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
