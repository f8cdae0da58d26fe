package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/application/services"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

// SearchCacheRebuilder runs the batch search-cache load.
type SearchCacheRebuilder interface {
	Rebuild(ctx context.Context, opts services.RebuildOptions) (*services.RebuildReport, error)
	IndexName() string
}

// Rebuild run states reported by the status endpoint.
const (
	RebuildIdle      = "idle"
	RebuildRunning   = "running"
	RebuildSucceeded = "succeeded"
	RebuildFailed    = "failed"
)

// RebuildStatus describes the latest run started through this handler.
type RebuildStatus struct {
	Status     string                  `json:"status"`
	Index      string                  `json:"index"`
	Options    *RebuildRequest         `json:"options,omitempty"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Report     *services.RebuildReport `json:"report,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// RebuildRequest echoes the options a run was started with.
type RebuildRequest struct {
	DryRun    bool                  `json:"dry_run"`
	Resume    bool                  `json:"resume"`
	BatchSize int                   `json:"batch_size,omitempty"`
	Kinds     []entities.EntityKind `json:"kinds,omitempty"`
}

// SearchCacheHandler triggers search-cache rebuilds in the background.
type SearchCacheHandler struct {
	rebuilder SearchCacheRebuilder

	mu     sync.Mutex
	status RebuildStatus
	wg     sync.WaitGroup
}

// NewSearchCacheHandler creates a new search cache handler
func NewSearchCacheHandler(rebuilder SearchCacheRebuilder) *SearchCacheHandler {
	return &SearchCacheHandler{
		rebuilder: rebuilder,
		status:    RebuildStatus{Status: RebuildIdle, Index: rebuilder.IndexName()},
	}
}

// TriggerRebuild handles POST /api/admin/search-cache/rebuild?dryRun=&resume=&kinds=&batchSize=
func (h *SearchCacheHandler) TriggerRebuild(w http.ResponseWriter, r *http.Request) {
	opts, err := parseRebuildOptions(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.Lock()
	if h.status.Status == RebuildRunning {
		current := h.status
		h.mu.Unlock()
		respondWithJSON(w, http.StatusConflict, current)
		return
	}
	started := time.Now().UTC()
	h.status = RebuildStatus{
		Status:    RebuildRunning,
		Index:     h.rebuilder.IndexName(),
		Options:   &RebuildRequest{DryRun: opts.DryRun, Resume: opts.Resume, BatchSize: opts.BatchSize, Kinds: opts.Kinds},
		StartedAt: &started,
	}
	accepted := h.status
	h.wg.Add(1)
	h.mu.Unlock()

	// The run outlives the request.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.wg.Done()
		report, err := h.rebuilder.Rebuild(ctx, opts)
		h.finish(ctx, report, err)
	}()

	respondWithJSON(w, http.StatusAccepted, accepted)
}

// GetStatus handles GET /api/admin/search-cache/rebuild
func (h *SearchCacheHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	respondWithJSON(w, http.StatusOK, status)
}

// Wait blocks until background runs started by this handler have finished.
func (h *SearchCacheHandler) Wait() {
	h.wg.Wait()
}

func (h *SearchCacheHandler) finish(ctx context.Context, report *services.RebuildReport, err error) {
	logger := observability.LoggerFromContext(ctx)
	finished := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.FinishedAt = &finished
	h.status.Report = report
	if err != nil {
		h.status.Status = RebuildFailed
		h.status.Error = err.Error()
		logger.Error().Err(err).Str("index", h.status.Index).Msg("Search cache rebuild failed")
		return
	}
	h.status.Status = RebuildSucceeded
	logger.Info().Str("index", h.status.Index).Int("warnings", len(report.Warnings)).Msg("Search cache rebuild finished")
}

func parseRebuildOptions(r *http.Request) (services.RebuildOptions, error) {
	query := r.URL.Query()
	var opts services.RebuildOptions

	for name, target := range map[string]*bool{"dryRun": &opts.DryRun, "resume": &opts.Resume} {
		if raw := strings.TrimSpace(query.Get(name)); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return opts, fmt.Errorf("invalid %s parameter", name)
			}
			*target = v
		}
	}

	if raw := strings.TrimSpace(query.Get("batchSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return opts, errors.New("invalid batchSize parameter")
		}
		opts.BatchSize = n
	}

	if raw := strings.TrimSpace(query.Get("kinds")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind, err := entities.ParseEntityKind(part)
			if err != nil {
				return opts, fmt.Errorf("invalid kinds parameter: %s", strings.TrimSpace(part))
			}
			opts.Kinds = append(opts.Kinds, kind)
		}
	}
	return opts, nil
}
