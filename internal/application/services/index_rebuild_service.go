package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"github.com/zatekoja/clinicalvalidation/pkg/retry"
	"golang.org/x/sync/singleflight"
)

// DefaultRebuildBatchSize is the number of rows streamed per batch.
const DefaultRebuildBatchSize = 1000

const (
	checkpointKeyPrefix = "search_cache:checkpoint:"
	rebuildLockPrefix   = "search_cache:rebuild_lock:"
)

// RebuildOptions controls one rebuild run.
type RebuildOptions struct {
	// DryRun counts source rows and index documents without writing.
	DryRun bool
	// Resume keeps the existing index and continues after the stored checkpoints.
	Resume    bool
	BatchSize int
	// Kinds limits the run; empty means every kind.
	Kinds []entities.EntityKind
}

// KindReport describes the load of one entity kind.
type KindReport struct {
	Kind        entities.EntityKind `json:"kind"`
	SourceRows  int                 `json:"source_rows"`
	IndexedDocs int                 `json:"indexed_docs"`
	Loaded      int                 `json:"loaded"`
	Batches     int                 `json:"batches"`
	ResumedFrom string              `json:"resumed_from,omitempty"`
}

// RebuildReport summarises a rebuild. Count mismatches are warnings: a
// partial index is tolerated because searches fall back to the database.
type RebuildReport struct {
	Index     string        `json:"index"`
	DryRun    bool          `json:"dry_run"`
	Resumed   bool          `json:"resumed"`
	Kinds     []KindReport  `json:"kinds"`
	Warnings  []string      `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// IndexRebuildService mirrors the knowledge tables into a search index.
// Runs are single-flight within the process and guarded by a lock across
// processes.
type IndexRebuildService struct {
	knowledge   repositories.KnowledgeRepository
	index       providers.SearchIndexWriter
	locks       providers.LockProvider
	checkpoints providers.CacheProvider
	lockTTL     time.Duration
	retryConfig retry.Config
	metrics     *observability.Metrics

	group singleflight.Group
}

// NewIndexRebuildService creates the rebuild job. locks and checkpoints may
// be nil, which disables the cross-process lock and resumability.
func NewIndexRebuildService(
	knowledge repositories.KnowledgeRepository,
	index providers.SearchIndexWriter,
	locks providers.LockProvider,
	checkpoints providers.CacheProvider,
	lockTTL time.Duration,
	metrics *observability.Metrics,
) *IndexRebuildService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &IndexRebuildService{
		knowledge:   knowledge,
		index:       index,
		locks:       locks,
		checkpoints: checkpoints,
		lockTTL:     lockTTL,
		retryConfig: retry.DefaultConfig(),
		metrics:     metrics,
	}
}

// IndexName returns the name of the index being rebuilt
func (s *IndexRebuildService) IndexName() string {
	return s.index.Name()
}

// Rebuild runs a rebuild. A caller that arrives while a run is in progress
// in this process shares its report; another process holding the lock
// yields a CONFLICT error.
func (s *IndexRebuildService) Rebuild(ctx context.Context, opts RebuildOptions) (*RebuildReport, error) {
	v, err, shared := s.group.Do(s.flightKey(opts), func() (interface{}, error) {
		return s.run(ctx, opts)
	})
	if shared {
		observability.LoggerFromContext(ctx).Info().Str("index", s.index.Name()).Msg("Joined in-flight search cache rebuild")
	}
	if err != nil {
		return nil, err
	}
	return v.(*RebuildReport), nil
}

// flightKey identifies runs that may share one result: same index, mode and kinds.
func (s *IndexRebuildService) flightKey(opts RebuildOptions) string {
	kinds := make([]string, 0, len(opts.Kinds))
	for _, kind := range opts.Kinds {
		kinds = append(kinds, string(kind))
	}
	if len(kinds) == 0 {
		for _, kind := range entities.AllEntityKinds {
			kinds = append(kinds, string(kind))
		}
	}
	sort.Strings(kinds)
	kinds = slices.Compact(kinds)
	return fmt.Sprintf("%s:dry=%t:resume=%t:%s", s.index.Name(), opts.DryRun, opts.Resume, strings.Join(kinds, ","))
}

func (s *IndexRebuildService) run(ctx context.Context, opts RebuildOptions) (*RebuildReport, error) {
	ctx, span := observability.StartSpan(ctx, "search_cache.rebuild")
	defer span.End()

	logger := observability.LoggerFromContext(ctx).With().Str("index", s.index.Name()).Logger()
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = entities.AllEntityKinds
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}

	report := &RebuildReport{
		Index:     s.index.Name(),
		DryRun:    opts.DryRun,
		Resumed:   opts.Resume,
		StartedAt: time.Now().UTC(),
	}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	if opts.DryRun {
		for _, kind := range kinds {
			kr := KindReport{Kind: kind}
			var err error
			if kr.SourceRows, err = s.knowledge.Count(ctx, kind); err != nil {
				return nil, apperrors.NewInternalError("failed to count "+string(kind)+" rows", err)
			}
			if kr.IndexedDocs, err = s.index.Count(ctx, kind); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: index count unavailable: %v", kind, err))
			}
			kr.ResumedFrom = s.checkpoint(ctx, kind)
			report.Kinds = append(report.Kinds, kr)
		}
		logger.Info().Interface("kinds", report.Kinds).Msg("Search cache rebuild dry run")
		return report, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Only the requested kinds are replaced; the others keep serving queries.
	if opts.Resume {
		if err := s.index.Create(ctx, kinds...); err != nil {
			return nil, apperrors.NewExternalError("failed to ensure search index schema", err)
		}
	} else {
		if err := s.index.Drop(ctx, kinds...); err != nil {
			return nil, apperrors.NewExternalError("failed to drop search index", err)
		}
		if err := s.index.Create(ctx, kinds...); err != nil {
			return nil, apperrors.NewExternalError("failed to create search index", err)
		}
		if err := s.ResetCheckpoints(ctx, kinds); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear rebuild checkpoints")
		}
	}

	for _, kind := range kinds {
		kr, err := s.loadKind(ctx, kind, batchSize, opts.Resume)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}

		if kr.SourceRows, err = s.knowledge.Count(ctx, kind); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: source count unavailable: %v", kind, err))
		} else if kr.IndexedDocs, err = s.index.Count(ctx, kind); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: index count unavailable: %v", kind, err))
		} else if kr.SourceRows != kr.IndexedDocs {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: index holds %d documents, source has %d rows", kind, kr.IndexedDocs, kr.SourceRows))
		}
		report.Kinds = append(report.Kinds, kr)

		logger.Info().
			Str("kind", string(kind)).
			Int("loaded", kr.Loaded).
			Int("batches", kr.Batches).
			Int("source_rows", kr.SourceRows).
			Int("indexed_docs", kr.IndexedDocs).
			Msg("Search cache kind loaded")
	}

	for _, w := range report.Warnings {
		logger.Warn().Msg("Search cache verification: " + w)
	}
	return report, nil
}

func (s *IndexRebuildService) loadKind(ctx context.Context, kind entities.EntityKind, batchSize int, resume bool) (KindReport, error) {
	kr := KindReport{Kind: kind}
	after := ""
	if resume {
		after = s.checkpoint(ctx, kind)
		kr.ResumedFrom = after
	}

	for {
		if err := ctx.Err(); err != nil {
			return kr, err
		}

		n, last, err := s.loadBatch(ctx, kind, after, batchSize)
		if err != nil {
			return kr, err
		}
		if n == 0 {
			return kr, nil
		}

		kr.Loaded += n
		kr.Batches++
		after = last
		s.saveCheckpoint(ctx, kind, after)
		observability.RecordIndexedDocuments(ctx, s.metrics, s.index.Name(), string(kind), n)

		if n < batchSize {
			return kr, nil
		}
	}
}

// loadBatch reads one page after the given key and upserts it, returning the
// row count and the last key.
func (s *IndexRebuildService) loadBatch(ctx context.Context, kind entities.EntityKind, after string, size int) (int, string, error) {
	readErr := func(err error) error {
		return apperrors.NewInternalError(fmt.Sprintf("failed to read %s rows after %q", kind, after), err)
	}

	switch kind {
	case entities.KindDiagnosis:
		rows, err := s.knowledge.ListDiagnoses(ctx, after, size)
		if err != nil {
			return 0, after, readErr(err)
		}
		if len(rows) == 0 {
			return 0, after, nil
		}
		return len(rows), rows[len(rows)-1].Code, s.write(ctx, kind, func() error { return s.index.IndexDiagnoses(ctx, rows) })

	case entities.KindProcedure:
		rows, err := s.knowledge.ListProcedures(ctx, after, size)
		if err != nil {
			return 0, after, readErr(err)
		}
		if len(rows) == 0 {
			return 0, after, nil
		}
		return len(rows), rows[len(rows)-1].Code, s.write(ctx, kind, func() error { return s.index.IndexProcedures(ctx, rows) })

	case entities.KindMapping:
		rows, err := s.knowledge.ListMappings(ctx, after, size)
		if err != nil {
			return 0, after, readErr(err)
		}
		if len(rows) == 0 {
			return 0, after, nil
		}
		return len(rows), rows[len(rows)-1].ID, s.write(ctx, kind, func() error { return s.index.IndexMappings(ctx, rows) })

	case entities.KindDocument:
		rows, err := s.knowledge.ListDocuments(ctx, after, size)
		if err != nil {
			return 0, after, readErr(err)
		}
		if len(rows) == 0 {
			return 0, after, nil
		}
		return len(rows), rows[len(rows)-1].ICD10Code, s.write(ctx, kind, func() error { return s.index.IndexDocuments(ctx, rows) })
	}
	return 0, after, apperrors.NewValidationError("unknown entity kind " + string(kind))
}

func (s *IndexRebuildService) write(ctx context.Context, kind entities.EntityKind, fn func() error) error {
	err := retry.DoWithLog(ctx, s.retryConfig, s.index.Name(), fn, func(attempt int, err error, next time.Duration) {
		observability.LoggerFromContext(ctx).Warn().Err(err).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Search cache batch upsert failed, retrying")
	})
	if err != nil {
		return apperrors.NewExternalError(fmt.Sprintf("failed to index %s batch", kind), err)
	}
	return nil
}

func (s *IndexRebuildService) acquire(ctx context.Context) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	key := rebuildLockPrefix + s.index.Name()
	token, ok, err := s.locks.AcquireLock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, apperrors.NewUnavailableError("failed to acquire rebuild lock", err)
	}
	if !ok {
		return nil, apperrors.NewConflictError("search cache rebuild already running")
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locks.ReleaseLock(releaseCtx, key, token); err != nil {
			observability.GetLogger().Warn().Err(err).Str("lock", key).Msg("Failed to release rebuild lock")
		}
	}, nil
}

// CheckpointKey returns the cache key holding the last loaded key of a kind
func (s *IndexRebuildService) CheckpointKey(kind entities.EntityKind) string {
	return checkpointKeyPrefix + s.index.Name() + ":" + string(kind)
}

func (s *IndexRebuildService) checkpoint(ctx context.Context, kind entities.EntityKind) string {
	if s.checkpoints == nil {
		return ""
	}
	data, err := s.checkpoints.Get(ctx, s.CheckpointKey(kind))
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			observability.LoggerFromContext(ctx).Warn().Err(err).Str("kind", string(kind)).Msg("Failed to read rebuild checkpoint")
		}
		return ""
	}
	return string(data)
}

func (s *IndexRebuildService) saveCheckpoint(ctx context.Context, kind entities.EntityKind, key string) {
	if s.checkpoints == nil {
		return
	}
	// Checkpoints outlive the lock so a crashed run can be resumed later.
	if err := s.checkpoints.Set(ctx, s.CheckpointKey(kind), []byte(key), int((7 * 24 * time.Hour).Seconds())); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("kind", string(kind)).Msg("Failed to save rebuild checkpoint")
	}
}

// ResetCheckpoints forgets stored progress for the given kinds (all when empty)
func (s *IndexRebuildService) ResetCheckpoints(ctx context.Context, kinds []entities.EntityKind) error {
	if s.checkpoints == nil {
		return nil
	}
	if len(kinds) == 0 {
		kinds = entities.AllEntityKinds
	}
	var errs []error
	for _, kind := range kinds {
		if err := s.checkpoints.Delete(ctx, s.CheckpointKey(kind)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
