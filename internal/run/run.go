// Package run tracks evaluation runs: the FIFO queue of topics a team
// still has to converse about, the resident state of runs currently
// being driven, and recovery of interrupted runs from the request log.
//
// Each execution mode has its own Registry. Normal-mode runs are
// persisted and recoverable; debug runs live only in memory.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/storage"
)

// ErrNotRecoverable is returned when a run cannot be rebuilt from the
// request log. Debug runs are never recoverable.
var ErrNotRecoverable = errors.New("run: not recoverable")

// Run is the resident state of one evaluation run. It is owned by a
// Registry; callers must hold the orchestrator's per-run lock while
// mutating it.
type Run struct {
	Meta model.RunMeta

	catalog *catalog.Catalog
	open    []model.Topic
}

func newRun(meta model.RunMeta, cat *catalog.Catalog) *Run {
	return &Run{Meta: meta, catalog: cat, open: cat.Topics()}
}

// NextTopic pops the first open topic from the queue.
func (r *Run) NextTopic() (model.Topic, bool) {
	if len(r.open) == 0 {
		return model.Topic{}, false
	}
	t := r.open[0]
	r.open = r.open[1:]
	return t, true
}

// HasNextTopic reports whether any topics remain open.
func (r *Run) HasNextTopic() bool { return len(r.open) > 0 }

// Progress reports done and open topics in catalog order. A topic is
// done as soon as it left the open queue, including the one currently
// in conversation.
func (r *Run) Progress() model.RunStatus {
	openSet := make(map[string]bool, len(r.open))
	open := make([]string, 0, len(r.open))
	for _, t := range r.open {
		openSet[t.ID] = true
		open = append(open, t.ID)
	}

	done := make([]string, 0, r.catalog.Len()-len(r.open))
	for _, t := range r.catalog.Topics() {
		if !openSet[t.ID] {
			done = append(done, t.ID)
		}
	}
	return model.RunStatus{Status: model.StatusActive, DoneTopics: done, OpenTopics: open}
}

// Registry holds the resident runs of one execution mode and rebuilds
// interrupted runs from the request log. Safe for concurrent use; the
// higher-level per-run serialization lives in the orchestrator.
type Registry struct {
	mode    model.Mode
	catalog *catalog.Catalog
	store   storage.Store
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewRegistry creates an empty registry for one mode.
func NewRegistry(mode model.Mode, cat *catalog.Catalog, store storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		mode:    mode,
		catalog: cat,
		store:   store,
		logger:  logger.With("mode", mode),
		runs:    make(map[string]*Run),
	}
}

// Active returns the resident run, if any.
func (g *Registry) Active(runID string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[runID]
	return r, ok
}

// Create registers a fresh run. Normal-mode runs are also written to
// storage so they survive restarts; debug runs are memory-only.
func (g *Registry) Create(ctx context.Context, meta model.RunMeta) (*Run, error) {
	r := newRun(meta, g.catalog)

	g.mu.Lock()
	if _, ok := g.runs[meta.RunID]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("run: run %q: %w", meta.RunID, storage.ErrAlreadyExists)
	}
	g.runs[meta.RunID] = r
	g.mu.Unlock()

	if g.mode == model.ModeRun {
		if err := g.store.InsertRun(ctx, meta); err != nil {
			g.mu.Lock()
			delete(g.runs, meta.RunID)
			g.mu.Unlock()
			return nil, fmt.Errorf("run: persist run %q: %w", meta.RunID, err)
		}
	}
	g.logger.Info("run created", "run_id", meta.RunID, "team_id", meta.TeamID)
	return r, nil
}

// Exists reports whether the run is resident or has logged turns in
// storage. A non-empty teamID additionally requires ownership of the
// stored run.
func (g *Registry) Exists(ctx context.Context, runID, teamID string) (bool, error) {
	if r, ok := g.Active(runID); ok {
		if teamID != "" && r.Meta.TeamID != teamID {
			return false, nil
		}
		return true, nil
	}
	if g.mode != model.ModeRun {
		return false, nil
	}
	has, err := g.store.RunHasTurns(ctx, runID, teamID)
	if err != nil {
		return false, fmt.Errorf("run: check run %q: %w", runID, err)
	}
	return has, nil
}

// Recover rebuilds an interrupted run from the request log and makes it
// resident. Topics with logged turns are skipped from the front of the
// queue up to the first unvisited topic, so the run resumes exactly
// where it stopped. Recovering an already resident run is a no-op.
func (g *Registry) Recover(ctx context.Context, runID string) (*Run, error) {
	if r, ok := g.Active(runID); ok {
		return r, nil
	}
	if g.mode != model.ModeRun {
		return nil, fmt.Errorf("%w: %s runs are memory-only", ErrNotRecoverable, g.mode)
	}

	meta, err := g.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %q has no stored record", ErrNotRecoverable, runID)
		}
		return nil, fmt.Errorf("run: load run %q: %w", runID, err)
	}
	topicIDs, err := g.store.DistinctRunTopics(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run: load visited topics of %q: %w", runID, err)
	}

	visited := make(map[string]bool, len(topicIDs))
	for _, id := range topicIDs {
		visited[id] = true
	}

	r := newRun(meta, g.catalog)
	r.open = rebuildOpenTopics(r.open, visited)

	g.mu.Lock()
	// A concurrent recovery may have won; keep the resident one.
	if existing, ok := g.runs[runID]; ok {
		g.mu.Unlock()
		return existing, nil
	}
	g.runs[runID] = r
	g.mu.Unlock()

	g.logger.Info("run recovered", "run_id", runID, "visited_topics", len(topicIDs), "open_topics", len(r.open))
	return r, nil
}

// rebuildOpenTopics drops visited topics from the front of the queue
// and stops at the first unvisited one. Visited topics further back
// stay queued; they were reached out of order and will come up again.
func rebuildOpenTopics(topics []model.Topic, visited map[string]bool) []model.Topic {
	for len(topics) > 0 && visited[topics[0].ID] {
		topics = topics[1:]
	}
	return topics
}

// Status reports run progress. Resident runs answer from memory;
// otherwise done topics are read from the request log. A run with no
// open topics left is complete.
func (g *Registry) Status(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	if r, ok := g.Active(runID); ok {
		status = r.Progress()
	} else {
		done, err := g.store.DistinctRunTopics(ctx, runID)
		if err != nil {
			return model.RunStatus{}, fmt.Errorf("run: status of %q: %w", runID, err)
		}
		doneSet := make(map[string]bool, len(done))
		for _, id := range done {
			doneSet[id] = true
		}
		open := make([]string, 0, g.catalog.Len())
		for _, t := range g.catalog.Topics() {
			if !doneSet[t.ID] {
				open = append(open, t.ID)
			}
		}
		status = model.RunStatus{Status: model.StatusInactive, DoneTopics: done, OpenTopics: open}
	}

	if len(status.OpenTopics) == 0 {
		status.Status = model.StatusComplete
	}
	return status, nil
}

// Dump exports every logged turn of a run in the interactive submission
// format: one record per turn, grouped by topic, with the topic id
// suffixed by the turn's position within its topic.
func (g *Registry) Dump(ctx context.Context, runID string) ([]model.ExportRecord, error) {
	meta, err := g.store.GetRunMeta(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run: dump %q: %w", runID, err)
	}
	records, err := g.store.ListRunRequests(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run: dump %q: %w", runID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("run: dump %q: %w", runID, storage.ErrNotFound)
	}

	base := model.ExportMetadata{
		TeamID:       meta.TeamID,
		RunID:        runID,
		Type:         "interactive",
		Description:  meta.Description,
		TrackPersona: meta.TrackPersona,
	}

	var topicOrder []string
	byTopic := make(map[string][]model.RequestRecord)
	for _, rec := range records {
		if _, ok := byTopic[rec.TopicID]; !ok {
			topicOrder = append(topicOrder, rec.TopicID)
		}
		byTopic[rec.TopicID] = append(byTopic[rec.TopicID], rec)
	}

	var out []model.ExportRecord
	for _, topicID := range topicOrder {
		for i, rec := range byTopic[topicID] {
			md := base
			md.TopicID = fmt.Sprintf("%s_%d", topicID, i+1)
			out = append(out, model.ExportRecord{
				Metadata: md,
				Responses: []model.ExportResponse{{
					Rank:            1,
					UserUtterance:   rec.UserUtterance,
					UserRubric:      rec.Subtopic,
					UserRubricScore: rec.Rating,
					Text:            rec.Response,
					Citations:       rec.Citations,
					Provenance:      rec.Provenance,
				}},
				References: rec.Citations,
			})
		}
	}
	return out, nil
}
