// Package turns orchestrates evaluation dialogues: it owns the
// start/continue turn cycle, drives the simulated users, enforces
// budgets and ownership, and appends every completed turn to the
// request log.
//
// One Service exists per execution mode. All state transitions of a run
// happen under a per-run lock, so concurrent requests for the same run
// are serialized while different runs proceed in parallel.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taiwa-eval/taiwa/internal/budget"
	"github.com/taiwa-eval/taiwa/internal/integrity"
	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/run"
	"github.com/taiwa-eval/taiwa/internal/session"
	"github.com/taiwa-eval/taiwa/internal/simuser"
	"github.com/taiwa-eval/taiwa/internal/storage"
)

// Sentinel errors; the HTTP layer maps each to a status code.
var (
	// ErrInvalidRequest marks malformed client input.
	ErrInvalidRequest = errors.New("turns: invalid request")
	// ErrRunConflict is returned when starting a run whose id was
	// already used, live or completed.
	ErrRunConflict = errors.New("turns: run already exists or was completed before")
	// ErrRunNotStarted is returned when continuing a run that was never
	// started, is owned by another team, or already finished.
	ErrRunNotStarted = errors.New("turns: run does not exist or was completed")
	// ErrRunNotFound is returned by status and dump for unknown runs.
	ErrRunNotFound = errors.New("turns: run not found")
	// ErrNotOwner is returned when a run belongs to a different team.
	ErrNotOwner = errors.New("turns: run does not belong to team")
	// ErrRunFinished is returned when continuing a run with no topics left.
	ErrRunFinished = errors.New("turns: no more open topics, run was finished")
	// ErrNoActiveSession is returned by the session endpoint between
	// sessions.
	ErrNoActiveSession = errors.New("turns: no active session")
)

// Service orchestrates the runs of one execution mode.
type Service struct {
	mode     model.Mode
	runs     *run.Registry
	sessions *session.Registry
	users    *simuser.Pool
	store    storage.Store
	budget   *budget.Service
	limit    budget.Limit
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the orchestrator for one mode.
func New(mode model.Mode, runs *run.Registry, sessions *session.Registry, users *simuser.Pool, store storage.Store, budgetSvc *budget.Service, limit budget.Limit, logger *slog.Logger) *Service {
	return &Service{
		mode:     mode,
		runs:     runs,
		sessions: sessions,
		users:    users,
		store:    store,
		budget:   budgetSvc,
		limit:    limit,
		logger:   logger.With("mode", mode),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockRun returns the mutex serializing all work on one run. Locks are
// never discarded; the run id space is bounded by the catalog campaign.
func (s *Service) lockRun(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[runID] = m
	}
	return m
}

// Start begins a new run for the team and returns the simulated user's
// opening utterance for the first topic. The opening turn itself is not
// logged; a turn enters the request log only once the assistant has
// answered it.
func (s *Service) Start(ctx context.Context, teamID string, meta model.RunMeta) (model.UserUtterance, error) {
	mu := s.lockRun(meta.RunID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.budget.Check(ctx, teamID, s.mode, s.limit); err != nil {
		return model.UserUtterance{}, err
	}
	if err := meta.Validate(); err != nil {
		return model.UserUtterance{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if meta.TeamID != "" && meta.TeamID != teamID {
		return model.UserUtterance{}, fmt.Errorf("%w: team name %q does not match token", ErrNotOwner, meta.TeamID)
	}

	// A run id is single-use: live in either mode's memory, or with any
	// logged normal-mode history.
	taken, err := s.runs.Exists(ctx, meta.RunID, "")
	if err != nil {
		return model.UserUtterance{}, err
	}
	if taken {
		return model.UserUtterance{}, fmt.Errorf("%w: %q", ErrRunConflict, meta.RunID)
	}

	meta.TeamID = teamID
	r, err := s.runs.Create(ctx, meta)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return model.UserUtterance{}, fmt.Errorf("%w: %q", ErrRunConflict, meta.RunID)
		}
		return model.UserUtterance{}, err
	}

	sess, err := s.initSession(r)
	if err != nil {
		return model.UserUtterance{}, err
	}

	utterance, subtopic, err := sess.User.Initiate(ctx, sess.TopicID)
	if err != nil {
		return model.UserUtterance{}, fmt.Errorf("turns: initiate topic %q: %w", sess.TopicID, err)
	}
	sess.Append(model.Turn{Role: model.RoleUser, Content: utterance})
	sess.MarkSubtopic(subtopic)

	s.logger.Info("run started", "team_id", teamID, "run_id", meta.RunID, "topic_id", sess.TopicID)
	return s.utteranceReply(meta.RunID, sess, utterance, false, false), nil
}

// Continue accepts the assistant's answer to the previous utterance and
// returns the simulated user's next one. This is where turns become
// durable: the answered turn is appended to the request log, and when
// the user says farewell a closing record seals the topic.
func (s *Service) Continue(ctx context.Context, teamID string, reply model.AssistantReply) (model.UserUtterance, error) {
	if err := reply.Validate(); err != nil {
		return model.UserUtterance{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	mu := s.lockRun(reply.RunID)
	mu.Lock()
	defer mu.Unlock()

	// An exhausted budget still allows finishing the topic currently in
	// conversation; only opening the next session requires credits.
	if _, budgetErr := s.budget.Check(ctx, teamID, s.mode, s.limit); budgetErr != nil {
		if _, err := s.resolveRun(ctx, teamID, reply.RunID); err != nil {
			return model.UserUtterance{}, err
		}
		if _, err := s.sessions.Get(teamID, reply.RunID); err != nil {
			return model.UserUtterance{}, budgetErr
		}
	}

	r, err := s.resolveRun(ctx, teamID, reply.RunID)
	if err != nil {
		return model.UserUtterance{}, err
	}

	sess, err := s.sessions.Get(teamID, reply.RunID)
	if err != nil {
		// The previous topic's session ended; open the next one.
		sess, err = s.initSession(r)
		if err != nil {
			return model.UserUtterance{}, err
		}
		s.logger.Debug("new session", "team_id", teamID, "run_id", reply.RunID, "topic_id", sess.TopicID)
	}

	var (
		utterance string
		subtopic  *string
		rating    *int
	)
	if len(sess.Transcript) == 0 {
		// Session was created by recovery or by the branch above; the
		// submitted response answers a different topic and is dropped.
		utterance, subtopic, err = sess.User.Initiate(ctx, sess.TopicID)
		if err != nil {
			return model.UserUtterance{}, fmt.Errorf("turns: initiate topic %q: %w", sess.TopicID, err)
		}
	} else {
		sess.Append(model.Turn{Role: model.RoleAssistant, Content: reply.Response})
		utterance, subtopic, rating, err = sess.User.Respond(ctx, sess.TopicID, sess.Subtopics, sess.Transcript)
		if err != nil {
			return model.UserUtterance{}, fmt.Errorf("turns: respond on topic %q: %w", sess.TopicID, err)
		}
	}
	sess.Append(model.Turn{Role: model.RoleUser, Content: utterance})
	sess.MarkSubtopic(subtopic)

	if len(sess.Transcript) != 1 {
		answered := sess.Transcript[len(sess.Transcript)-3].Content
		rec := model.RequestRecord{
			Timestamp:     time.Now().UTC(),
			RunID:         reply.RunID,
			TeamID:        teamID,
			SessionID:     sess.ID,
			TopicID:       sess.TopicID,
			UserID:        sess.User.ID(),
			Mode:          s.mode,
			UserUtterance: answered,
			Response:      &reply.Response,
			Citations:     reply.Citations,
			Provenance:    reply.Provenance,
			Subtopic:      sess.Subtopics[len(sess.Subtopics)-2],
			Rating:        rating,
		}
		if err := s.store.AppendRequest(ctx, rec); err != nil {
			return model.UserUtterance{}, fmt.Errorf("turns: log turn: %w", err)
		}
	}

	lastOfSession := subtopic == nil
	lastOfRun := false
	if lastOfSession {
		if err := s.sessions.Terminate(teamID, reply.RunID); err != nil {
			return model.UserUtterance{}, err
		}
		// The farewell has no assistant answer; seal the topic with a
		// closing record so recovery can tell it is finished.
		closing := model.RequestRecord{
			Timestamp:     time.Now().UTC(),
			RunID:         reply.RunID,
			TeamID:        teamID,
			SessionID:     sess.ID,
			TopicID:       sess.TopicID,
			UserID:        sess.User.ID(),
			Mode:          s.mode,
			UserUtterance: utterance,
			Citations:     map[string]float64{},
			Provenance:    []string{},
			Rating:        rating,
		}
		if err := s.store.AppendRequest(ctx, closing); err != nil {
			return model.UserUtterance{}, fmt.Errorf("turns: log closing turn: %w", err)
		}
		lastOfRun = !r.HasNextTopic()
		s.logger.Info("session finished", "team_id", teamID, "run_id", reply.RunID, "topic_id", sess.TopicID, "last_of_run", lastOfRun)
	}

	return s.utteranceReply(reply.RunID, sess, utterance, lastOfSession, lastOfRun), nil
}

// SessionState returns the live session's latest utterance and full
// transcript without advancing the dialogue.
func (s *Service) SessionState(ctx context.Context, teamID, runID string) (model.UserUtterance, error) {
	mu := s.lockRun(runID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.resolveRun(ctx, teamID, runID); err != nil {
		return model.UserUtterance{}, err
	}
	sess, err := s.sessions.Get(teamID, runID)
	if err != nil {
		return model.UserUtterance{}, fmt.Errorf("%w: run %q", ErrNoActiveSession, runID)
	}

	last, ok := sess.LastUserUtterance()
	if !ok {
		return model.UserUtterance{}, fmt.Errorf("%w: run %q", ErrNoActiveSession, runID)
	}
	return s.utteranceReply(runID, sess, last, false, false), nil
}

// Status reports run progress by id. It takes the run lock so a
// concurrent Continue cannot advance the open-topic queue mid-read.
func (s *Service) Status(ctx context.Context, runID string) (model.RunStatus, error) {
	mu := s.lockRun(runID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.runs.Exists(ctx, runID, "")
	if err != nil {
		return model.RunStatus{}, err
	}
	if !exists {
		return model.RunStatus{}, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	return s.runs.Status(ctx, runID)
}

// Dump exports the team's run in the interactive submission format.
func (s *Service) Dump(ctx context.Context, teamID, runID string) ([]model.ExportRecord, error) {
	exists, err := s.runs.Exists(ctx, runID, teamID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	records, err := s.runs.Dump(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return records, nil
}

// RunProof is a tamper-evidence receipt over a run's logged turns. Teams
// can keep the root hash next to a downloaded dump and later prove the
// log was not rewritten underneath them.
type RunProof struct {
	RunID    string `json:"run_id"`
	Records  int    `json:"records"`
	RootHash string `json:"root_hash"`
}

// Verify recomputes the Merkle root over the team's run log.
func (s *Service) Verify(ctx context.Context, teamID, runID string) (RunProof, error) {
	exists, err := s.runs.Exists(ctx, runID, teamID)
	if err != nil {
		return RunProof{}, err
	}
	if !exists {
		return RunProof{}, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}

	records, err := s.store.ListRunRequests(ctx, runID)
	if err != nil {
		return RunProof{}, err
	}
	if len(records) == 0 {
		return RunProof{}, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}

	leaves := make([]string, 0, len(records))
	for _, rec := range records {
		leaves = append(leaves, integrity.ComputeRecordHash(rec))
	}
	sort.Strings(leaves)

	return RunProof{
		RunID:    runID,
		Records:  len(records),
		RootHash: integrity.BuildMerkleRoot(leaves),
	}, nil
}

// resolveRun returns the resident run or recovers it from the request
// log, enforcing team ownership.
func (s *Service) resolveRun(ctx context.Context, teamID, runID string) (*run.Run, error) {
	if r, ok := s.runs.Active(runID); ok {
		if r.Meta.TeamID != teamID {
			return nil, fmt.Errorf("%w: run %q, team %q", ErrNotOwner, runID, teamID)
		}
		return r, nil
	}

	exists, err := s.runs.Exists(ctx, runID, teamID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrRunNotStarted, runID)
	}
	status, err := s.runs.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if status.Status == model.StatusComplete {
		return nil, fmt.Errorf("%w: %q", ErrRunNotStarted, runID)
	}

	r, err := s.runs.Recover(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotRecoverable) {
			return nil, fmt.Errorf("%w: %q", ErrRunNotStarted, runID)
		}
		return nil, err
	}
	return r, nil
}

// initSession pops the next open topic and opens a session with one of
// its simulated users.
func (s *Service) initSession(r *run.Run) (*session.Session, error) {
	if !r.HasNextTopic() {
		return nil, fmt.Errorf("%w: run %q", ErrRunFinished, r.Meta.RunID)
	}
	topic, _ := r.NextTopic()

	user, err := s.users.UserFor(topic.ID)
	if err != nil {
		return nil, fmt.Errorf("turns: open session on topic %q: %w", topic.ID, err)
	}
	sess, err := s.sessions.Create(r.Meta.TeamID, r.Meta.RunID, topic.ID, user)
	if err != nil {
		return nil, fmt.Errorf("turns: open session on topic %q: %w", topic.ID, err)
	}
	return sess, nil
}

func (s *Service) utteranceReply(runID string, sess *session.Session, utterance string, lastOfSession, lastOfRun bool) model.UserUtterance {
	history := make([]model.Turn, len(sess.Transcript))
	copy(history, sess.Transcript)
	return model.UserUtterance{
		Timestamp:             time.Now().UTC(),
		RunID:                 runID,
		TopicID:               sess.TopicID,
		UserID:                sess.User.ID(),
		Utterance:             utterance,
		History:               history,
		LastResponseOfSession: lastOfSession,
		LastResponseOfRun:     lastOfRun,
	}
}
