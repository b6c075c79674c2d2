// Package sync provides the engine that drains the offline mutation queue
// against the remote REST service and reconciles local placeholder records
// with server-assigned identities.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/showtrack/internal/api"
	apperrors "github.com/kimhsiao/showtrack/internal/errors"
	"github.com/kimhsiao/showtrack/internal/logging"
	"github.com/kimhsiao/showtrack/internal/models"
	"github.com/kimhsiao/showtrack/internal/store"
)

// RemoteAPI is the slice of the REST client the engine depends on.
type RemoteAPI interface {
	CreateLocation(ctx context.Context, payload json.RawMessage) (*api.CreatedRecord, error)
	CreateBarcode(ctx context.Context, payload json.RawMessage) (*api.CreatedRecord, error)
}

// Broadcaster receives sync lifecycle events for the embedding UI.
type Broadcaster interface {
	Broadcast(event string, data map[string]interface{})
}

// Event names published through the Broadcaster.
const (
	EventSyncStarted      = "sync.started"
	EventSyncCompleted    = "sync.completed"
	EventItemDeadLettered = "sync.item_dead_lettered"
)

// Result summarizes one sync pass.
type Result struct {
	Synced       int
	Failed       int
	DeadLettered int
	Misses       int
	Duration     time.Duration
}

// Engine drains the mutation queue. At most one pass runs at a time; the
// in-flight guard is checked and set before any suspension point.
type Engine struct {
	store       *store.Store
	remote      RemoteAPI
	broadcaster Broadcaster
	maxAttempts int

	mu       sync.Mutex
	inFlight bool
	online   bool
}

// NewEngine creates an Engine. maxAttempts is how many failed dispatches a
// queue entry survives before being dead-lettered.
func NewEngine(st *store.Store, remote RemoteAPI, maxAttempts int) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Engine{
		store:       st,
		remote:      remote,
		maxAttempts: maxAttempts,
	}
}

// SetBroadcaster attaches an event sink. Nil disables broadcasting.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// SetOnline records the connectivity state the monitor observed.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
}

// Online reports the last observed connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// InFlight reports whether a sync pass is currently running.
func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// AttemptSync drains the queue once. Returns false without side effects
// when offline, when storage is unavailable, or when a pass is already in
// flight. Item-level failures do not fail the pass.
func (e *Engine) AttemptSync(ctx context.Context) bool {
	e.mu.Lock()
	if !e.online || e.inFlight {
		e.mu.Unlock()
		return false
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	if !e.store.Ready() {
		return false
	}

	result, err := e.drain(ctx)
	if err != nil {
		logging.ErrorWithCode("sync pass aborted",
			string(apperrors.CodeOf(err)), err, nil)
		return false
	}

	if result.Synced > 0 || result.Failed > 0 || result.DeadLettered > 0 || result.Misses > 0 {
		logging.Info("sync pass completed", map[string]interface{}{
			"synced":        result.Synced,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
			"misses":        result.Misses,
			"duration_ms":   result.Duration.Milliseconds(),
		})
		e.broadcast(EventSyncCompleted, map[string]interface{}{
			"synced":        result.Synced,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
			"misses":        result.Misses,
		})
	}
	return true
}

// drain processes every due queue entry in replay order.
func (e *Engine) drain(ctx context.Context) (*Result, error) {
	start := time.Now()
	repo := e.store.Repository()

	entries, err := repo.ListQueueDue(start.Unix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "reading sync queue", err)
	}

	result := &Result{}
	if len(entries) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	e.broadcast(EventSyncStarted, map[string]interface{}{"pending": len(entries)})

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, nil
		default:
		}

		e.dispatch(ctx, entry, result)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// dispatch sends one entry to the remote service and applies the outcome.
func (e *Engine) dispatch(ctx context.Context, entry *models.QueueEntry, result *Result) {
	repo := e.store.Repository()

	record, err := e.send(ctx, entry)
	if err != nil {
		e.handleFailure(entry, err, result)
		return
	}

	// Rewrite the local key to the server identity and clear the flag
	switch entry.Kind {
	case models.KindLocation:
		err = repo.RewriteLocationID(entry.Token, record.ID)
	case models.KindBarcode:
		err = repo.RewriteBarcodeID(entry.Token, record.ID)
	default:
		err = apperrors.New(apperrors.ErrInternal, "unknown entity kind "+string(entry.Kind))
	}

	// The server acknowledged the create, so the entry leaves the queue
	// on every path from here: re-sending would duplicate the record.
	reconciled := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// The server has the data but the local record is gone, most
		// likely deleted before the sync completed. Drop the entry.
		logging.ErrorWithCode("no local record for synced entry",
			string(apperrors.ErrReconciliationMiss), nil,
			map[string]interface{}{"entry_id": entry.ID, "kind": string(entry.Kind)})
		result.Misses++
	case err != nil:
		logging.ErrorWithCode("synced record could not be reconciled, needs repair",
			string(apperrors.ErrReconciliationMiss), err,
			map[string]interface{}{"entry_id": entry.ID, "kind": string(entry.Kind)})
		result.Failed++
	default:
		reconciled = true
	}

	if err := repo.DeleteQueueEntry(entry.ID); err != nil {
		logging.Error("removing synced queue entry failed", err,
			map[string]interface{}{"entry_id": entry.ID})
		if reconciled {
			result.Failed++
		}
		return
	}

	if reconciled {
		result.Synced++
	}
}

// send builds the payload and calls the matching create endpoint. The
// payload is rebuilt from the current record when possible, so location
// references rewritten by an earlier reconciliation are picked up; the
// stored payload is the fallback.
func (e *Engine) send(ctx context.Context, entry *models.QueueEntry) (*api.CreatedRecord, error) {
	repo := e.store.Repository()

	switch entry.Kind {
	case models.KindLocation:
		payload := entry.Payload
		if loc, err := repo.GetLocationByToken(entry.Token); err == nil {
			payload, _ = json.Marshal(map[string]interface{}{
				"name":       loc.Name,
				"notes":      loc.Notes,
				"image_path": loc.ImagePath,
				"project_id": loc.ProjectID,
			})
		}
		return e.remote.CreateLocation(ctx, payload)

	case models.KindBarcode:
		payload := entry.Payload
		if bc, err := repo.GetBarcodeByToken(entry.Token); err == nil {
			payload, _ = json.Marshal(map[string]interface{}{
				"value":       bc.Value,
				"location_id": bc.LocationID,
			})
		}
		return e.remote.CreateBarcode(ctx, payload)

	default:
		return nil, apperrors.New(apperrors.ErrInternal, "unknown entity kind "+string(entry.Kind))
	}
}

// handleFailure applies the retry policy: rejected payloads dead-letter
// immediately, retryable failures back off exponentially until the
// attempt budget runs out.
func (e *Engine) handleFailure(entry *models.QueueEntry, sendErr error, result *Result) {
	repo := e.store.Repository()
	entry.Attempts++

	if !apperrors.IsRetryable(sendErr) || entry.Attempts >= e.maxAttempts {
		if err := repo.MoveToDeadLetter(entry, sendErr.Error()); err != nil {
			logging.Error("dead-lettering failed, entry kept", err,
				map[string]interface{}{"entry_id": entry.ID})
			result.Failed++
			return
		}
		logging.ErrorWithCode("queue entry dead-lettered",
			string(apperrors.CodeOf(sendErr)), sendErr,
			map[string]interface{}{
				"entry_id": entry.ID,
				"kind":     string(entry.Kind),
				"attempts": entry.Attempts,
			})
		e.broadcast(EventItemDeadLettered, map[string]interface{}{
			"entry_id": entry.ID,
			"kind":     string(entry.Kind),
		})
		result.DeadLettered++
		return
	}

	next := time.Now().Unix() + calculateBackoff(entry.Attempts)
	if err := repo.UpdateQueueRetry(entry.ID, entry.Attempts, next); err != nil {
		logging.Error("recording retry failed", err,
			map[string]interface{}{"entry_id": entry.ID})
	}
	logging.Warn("queue entry dispatch failed, scheduled for retry",
		map[string]interface{}{
			"entry_id":        entry.ID,
			"attempts":        entry.Attempts,
			"next_attempt_at": next,
			"error":           sendErr.Error(),
		})
	result.Failed++
}

// broadcast forwards an event to the attached sink, if any.
func (e *Engine) broadcast(event string, data map[string]interface{}) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(event, data)
	}
}
