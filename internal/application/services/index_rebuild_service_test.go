package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/cache"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"github.com/zatekoja/clinicalvalidation/pkg/retry"
)

// pagedKnowledge pages over the fixtures by key.
type pagedKnowledge struct {
	memoryKnowledge
}

func page[T any](rows []T, key func(T) string, after string, limit int) []T {
	sorted := append([]T(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })
	var out []T
	for _, r := range sorted {
		if key(r) > after && len(out) < limit {
			out = append(out, r)
		}
	}
	return out
}

func (pagedKnowledge) ListDiagnoses(_ context.Context, after string, limit int) ([]*entities.DiagnosisCode, error) {
	return page(fixtureDiagnoses, func(d *entities.DiagnosisCode) string { return d.Code }, after, limit), nil
}

func (pagedKnowledge) ListProcedures(_ context.Context, after string, limit int) ([]*entities.ProcedureCode, error) {
	return page(fixtureProcedures, func(p *entities.ProcedureCode) string { return p.Code }, after, limit), nil
}

func (pagedKnowledge) ListMappings(_ context.Context, after string, limit int) ([]*entities.AppropriatenessMapping, error) {
	return page(fixtureMappings, func(m *entities.AppropriatenessMapping) string { return m.ID }, after, limit), nil
}

func (pagedKnowledge) ListDocuments(_ context.Context, after string, limit int) ([]*entities.ClinicalDocument, error) {
	return page(fixtureDocuments, func(d *entities.ClinicalDocument) string { return d.ICD10Code }, after, limit), nil
}

func (pagedKnowledge) Count(_ context.Context, kind entities.EntityKind) (int, error) {
	switch kind {
	case entities.KindDiagnosis:
		return len(fixtureDiagnoses), nil
	case entities.KindProcedure:
		return len(fixtureProcedures), nil
	case entities.KindMapping:
		return len(fixtureMappings), nil
	default:
		return len(fixtureDocuments), nil
	}
}

// recordingWriter wraps a Bleve index, counting calls and injecting failures.
type recordingWriter struct {
	*search.BleveIndex

	drops        atomic.Int32
	diagnosisErr []error
	dropGate     chan struct{}
	dropStarted  chan struct{}

	mu          sync.Mutex
	diagBatches [][]string
	droppedKind []entities.EntityKind
}

func (w *recordingWriter) Drop(ctx context.Context, kinds ...entities.EntityKind) error {
	w.drops.Add(1)
	w.mu.Lock()
	w.droppedKind = append(w.droppedKind, kinds...)
	w.mu.Unlock()
	if w.dropStarted != nil {
		close(w.dropStarted)
		<-w.dropGate
	}
	return w.BleveIndex.Drop(ctx, kinds...)
}

func (w *recordingWriter) IndexDiagnoses(ctx context.Context, rows []*entities.DiagnosisCode) error {
	w.mu.Lock()
	if len(w.diagnosisErr) > 0 {
		err := w.diagnosisErr[0]
		w.diagnosisErr = w.diagnosisErr[1:]
		w.mu.Unlock()
		return err
	}
	codes := make([]string, len(rows))
	for i, r := range rows {
		codes[i] = r.Code
	}
	w.diagBatches = append(w.diagBatches, codes)
	w.mu.Unlock()
	return w.BleveIndex.IndexDiagnoses(ctx, rows)
}

func newRebuildFixture(t *testing.T) (*IndexRebuildService, *recordingWriter, *cache.MemoryAdapter) {
	t.Helper()
	idx, err := search.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	writer := &recordingWriter{BleveIndex: idx}
	store := cache.NewMemoryAdapter(0)
	svc := NewIndexRebuildService(pagedKnowledge{}, writer, store, store, time.Minute, nil)
	svc.retryConfig = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	return svc, writer, store
}

func kindReport(r *RebuildReport, kind entities.EntityKind) KindReport {
	for _, k := range r.Kinds {
		if k.Kind == kind {
			return k
		}
	}
	return KindReport{}
}

func TestIndexRebuild_FullLoad(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)
	ctx := context.Background()

	report, err := svc.Rebuild(ctx, RebuildOptions{BatchSize: 2})
	require.NoError(t, err)

	assert.Equal(t, "bleve", report.Index)
	assert.Empty(t, report.Warnings)
	require.Len(t, report.Kinds, 4)

	diag := kindReport(report, entities.KindDiagnosis)
	assert.Equal(t, 3, diag.Loaded)
	assert.Equal(t, 2, diag.Batches)
	assert.Equal(t, 3, diag.SourceRows)
	assert.Equal(t, 3, diag.IndexedDocs)
	assert.Equal(t, [][]string{{"E83.110", "K52.9"}, {"S82.001A"}}, writer.diagBatches)

	assert.Equal(t, 2, kindReport(report, entities.KindProcedure).Loaded)
	assert.Equal(t, 2, kindReport(report, entities.KindMapping).Loaded)
	assert.Equal(t, 1, kindReport(report, entities.KindDocument).Loaded)
	assert.EqualValues(t, 1, writer.drops.Load())

	checkpoint, err := store.Get(ctx, svc.CheckpointKey(entities.KindDiagnosis))
	require.NoError(t, err)
	assert.Equal(t, "S82.001A", string(checkpoint))

	// The lock is released afterwards.
	_, err = svc.Rebuild(ctx, RebuildOptions{})
	assert.NoError(t, err)
}

func TestIndexRebuild_ResumeContinuesAfterCheckpoint(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, svc.CheckpointKey(entities.KindDiagnosis), []byte("K52.9"), 0))

	report, err := svc.Rebuild(ctx, RebuildOptions{Resume: true, Kinds: []entities.EntityKind{entities.KindDiagnosis}})
	require.NoError(t, err)

	assert.Zero(t, writer.drops.Load())
	assert.Equal(t, [][]string{{"S82.001A"}}, writer.diagBatches)

	diag := kindReport(report, entities.KindDiagnosis)
	assert.Equal(t, "K52.9", diag.ResumedFrom)
	assert.Equal(t, 1, diag.Loaded)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "index holds 1 documents, source has 3 rows")
}

func TestIndexRebuild_FullRunClearsCheckpoints(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, svc.CheckpointKey(entities.KindDiagnosis), []byte("S82.001A"), 0))

	_, err := svc.Rebuild(ctx, RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis}})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"E83.110", "K52.9", "S82.001A"}}, writer.diagBatches)
}

func TestIndexRebuild_DryRunWritesNothing(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)

	report, err := svc.Rebuild(context.Background(), RebuildOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Zero(t, writer.drops.Load())
	assert.Empty(t, writer.diagBatches)
	assert.Equal(t, 3, kindReport(report, entities.KindDiagnosis).SourceRows)
	assert.Zero(t, kindReport(report, entities.KindDiagnosis).IndexedDocs)

	exists, _ := store.Exists(context.Background(), svc.CheckpointKey(entities.KindDiagnosis))
	assert.False(t, exists)
}

func TestIndexRebuild_LockHeldElsewhere(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)
	_, ok, err := store.AcquireLock(context.Background(), rebuildLockPrefix+"bleve", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Rebuild(context.Background(), RebuildOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Zero(t, writer.drops.Load())
}

func TestIndexRebuild_RetriesTransientUpsert(t *testing.T) {
	svc, writer, _ := newRebuildFixture(t)
	writer.diagnosisErr = []error{errors.New("timeout"), errors.New("timeout")}

	report, err := svc.Rebuild(context.Background(), RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis}})
	require.NoError(t, err)
	assert.Equal(t, 3, kindReport(report, entities.KindDiagnosis).Loaded)
}

func TestIndexRebuild_UpsertExhaustedFails(t *testing.T) {
	svc, writer, store := newRebuildFixture(t)
	failure := errors.New("index unavailable")
	writer.diagnosisErr = []error{failure, failure, failure}

	_, err := svc.Rebuild(context.Background(), RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	assert.ErrorIs(t, err, failure)

	exists, _ := store.Exists(context.Background(), rebuildLockPrefix+"bleve")
	assert.False(t, exists)
}

func TestIndexRebuild_SingleFlight(t *testing.T) {
	svc, writer, _ := newRebuildFixture(t)
	writer.dropGate = make(chan struct{})
	writer.dropStarted = make(chan struct{})

	var wg sync.WaitGroup
	reports := make([]*RebuildReport, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = svc.Rebuild(context.Background(), RebuildOptions{})
	}()
	<-writer.dropStarted

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], errs[1] = svc.Rebuild(context.Background(), RebuildOptions{})
	}()
	time.Sleep(20 * time.Millisecond)
	close(writer.dropGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, reports[0], reports[1])
	assert.EqualValues(t, 1, writer.drops.Load())
}

func TestIndexRebuild_SubsetKeepsOtherKinds(t *testing.T) {
	svc, writer, _ := newRebuildFixture(t)
	ctx := context.Background()

	_, err := svc.Rebuild(ctx, RebuildOptions{})
	require.NoError(t, err)
	writer.droppedKind = nil

	report, err := svc.Rebuild(ctx, RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis}})
	require.NoError(t, err)
	require.Len(t, report.Kinds, 1)
	assert.Equal(t, []entities.EntityKind{entities.KindDiagnosis}, writer.droppedKind)

	counts := map[entities.EntityKind]int{
		entities.KindDiagnosis: 3,
		entities.KindProcedure: 2,
		entities.KindMapping:   2,
		entities.KindDocument:  1,
	}
	for kind, want := range counts {
		n, err := writer.Count(ctx, kind)
		require.NoError(t, err, kind)
		assert.Equal(t, want, n, kind)
	}
}

func TestIndexRebuild_FlightKeySeparatesScopes(t *testing.T) {
	svc, _, _ := newRebuildFixture(t)

	full := svc.flightKey(RebuildOptions{})
	assert.Equal(t, full, svc.flightKey(RebuildOptions{Kinds: entities.AllEntityKinds}))
	assert.NotEqual(t, full, svc.flightKey(RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis}}))
	assert.NotEqual(t, full, svc.flightKey(RebuildOptions{Resume: true}))
	assert.NotEqual(t, full, svc.flightKey(RebuildOptions{DryRun: true}))
	assert.Equal(t,
		svc.flightKey(RebuildOptions{Kinds: []entities.EntityKind{entities.KindMapping, entities.KindDiagnosis}}),
		svc.flightKey(RebuildOptions{Kinds: []entities.EntityKind{entities.KindDiagnosis, entities.KindMapping}}),
	)
}
