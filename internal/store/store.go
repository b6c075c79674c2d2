// Package store provides the durable offline record store: pending domain
// records, the FIFO mutation queue, and the cached auth snapshot.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/kimhsiao/showtrack/internal/db"
	apperrors "github.com/kimhsiao/showtrack/internal/errors"
	"github.com/kimhsiao/showtrack/internal/logging"
	"github.com/kimhsiao/showtrack/internal/models"
)

// Event announces that a mutation was durably written and enqueued.
// Subscribers (the connectivity monitor) decide independently when to sync.
type Event struct {
	Kind  models.EntityKind
	Token models.UUID
}

// Store owns the local collections and the mutation queue. A Store that
// failed to initialize degrades instead of crashing: reads return empty
// results and writes report ErrStorageUnavailable.
type Store struct {
	dataDir string
	db      *db.DB
	repo    *db.Repository
	events  chan Event
}

// New creates a Store rooted at dataDir. Call Init before use.
func New(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		events:  make(chan Event, 64),
	}
}

// Init idempotently opens the underlying storage and applies migrations.
// Returns false when storage cannot be opened; the caller must treat that
// as "offline capability disabled", not as a fatal condition.
func (s *Store) Init() bool {
	if s.repo != nil {
		return true
	}

	database, err := db.Open(s.dataDir)
	if err != nil {
		logging.ErrorWithCode("offline storage unavailable",
			string(apperrors.ErrStorageUnavailable), err,
			map[string]interface{}{"data_dir": s.dataDir})
		return false
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err == nil {
		err = migrator.Up()
	} else {
		logging.ErrorWithCode("offline schema init failed",
			string(apperrors.ErrMigration), err, nil)
	}
	if err != nil {
		logging.ErrorWithCode("offline schema migration failed",
			string(apperrors.ErrMigration), err, nil)
		database.Close()
		return false
	}

	s.db = database
	s.repo = db.NewRepository(database.DB)
	return true
}

// Ready reports whether offline storage is usable.
func (s *Store) Ready() bool {
	return s.repo != nil
}

// Events is the channel of mutation-enqueued announcements.
func (s *Store) Events() <-chan Event {
	return s.events
}

// publish never blocks: a slow or absent subscriber must not stall saves.
func (s *Store) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		logging.Warn("mutation event dropped, subscriber too slow",
			map[string]interface{}{"kind": string(ev.Kind)})
	}
}

// SaveLocation durably writes a pending location and its queue entry,
// then announces the mutation. Returns the assigned local key.
func (s *Store) SaveLocation(loc *models.PendingLocation) (int64, error) {
	if s.repo == nil {
		return 0, apperrors.New(apperrors.ErrStorageUnavailable, "offline storage not initialized")
	}

	loc.SyncToken = models.UUID(uuid.New().String())
	payload, err := json.Marshal(map[string]interface{}{
		"name":       loc.Name,
		"notes":      loc.Notes,
		"image_path": loc.ImagePath,
		"project_id": loc.ProjectID,
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "encoding location payload", err)
	}

	entry := &models.QueueEntry{
		Kind:    models.KindLocation,
		Action:  models.ActionCreate,
		Token:   loc.SyncToken,
		Payload: payload,
	}
	if err := s.repo.CreateLocationAndEnqueue(loc, entry); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "saving location", err)
	}

	logging.Debug("location saved offline", map[string]interface{}{
		"local_id":   loc.ID,
		"project_id": loc.ProjectID,
	})
	s.publish(Event{Kind: models.KindLocation, Token: loc.SyncToken})
	return loc.ID, nil
}

// SaveBarcode durably writes a pending barcode and its queue entry,
// then announces the mutation. Returns the assigned local key.
func (s *Store) SaveBarcode(bc *models.PendingBarcode) (int64, error) {
	if s.repo == nil {
		return 0, apperrors.New(apperrors.ErrStorageUnavailable, "offline storage not initialized")
	}

	bc.SyncToken = models.UUID(uuid.New().String())
	payload, err := json.Marshal(map[string]interface{}{
		"value":       bc.Value,
		"location_id": bc.LocationID,
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "encoding barcode payload", err)
	}

	entry := &models.QueueEntry{
		Kind:    models.KindBarcode,
		Action:  models.ActionCreate,
		Token:   bc.SyncToken,
		Payload: payload,
	}
	if err := s.repo.CreateBarcodeAndEnqueue(bc, entry); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "saving barcode", err)
	}

	logging.Debug("barcode saved offline", map[string]interface{}{
		"local_id":    bc.ID,
		"location_id": bc.LocationID,
	})
	s.publish(Event{Kind: models.KindBarcode, Token: bc.SyncToken})
	return bc.ID, nil
}

// LocationsByProject returns the project's locations. Uninitialized
// storage yields an empty collection, never an error.
func (s *Store) LocationsByProject(projectID int64) []*models.PendingLocation {
	if s.repo == nil {
		return nil
	}
	locations, err := s.repo.ListLocationsByProject(projectID)
	if err != nil {
		logging.Error("listing locations failed", err,
			map[string]interface{}{"project_id": projectID})
		return nil
	}
	return locations
}

// BarcodesByLocation returns the location's barcodes. Uninitialized
// storage yields an empty collection, never an error.
func (s *Store) BarcodesByLocation(locationID int64) []*models.PendingBarcode {
	if s.repo == nil {
		return nil
	}
	barcodes, err := s.repo.ListBarcodesByLocation(locationID)
	if err != nil {
		logging.Error("listing barcodes failed", err,
			map[string]interface{}{"location_id": locationID})
		return nil
	}
	return barcodes
}

// CacheAuthData overwrites the single cached identity snapshot.
func (s *Store) CacheAuthData(snapshot json.RawMessage) error {
	if s.repo == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "offline storage not initialized")
	}
	return s.repo.SaveAuthCache(&models.AuthCache{Payload: snapshot})
}

// CachedAuthData reads the cached identity snapshot. Reports
// ErrAuthNoCache when nothing has been cached.
func (s *Store) CachedAuthData() (json.RawMessage, error) {
	if s.repo == nil {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "offline storage not initialized")
	}
	entry, err := s.repo.GetAuthCache()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrAuthNoCache, "no cached identity")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "reading auth cache", err)
	}
	return entry.Payload, nil
}

// ClearAuthData removes the cached identity snapshot.
func (s *Store) ClearAuthData() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.DeleteAuthCache()
}

// DeleteProjectData removes a project's locations and barcodes, following
// the owning project's cascading delete. Pending queue entries for the
// removed records are left to resolve as reconciliation misses.
func (s *Store) DeleteProjectData(projectID int64) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.DeleteLocationsByProject(projectID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "deleting project data", err)
	}
	return nil
}

// HasPendingChanges reports whether the mutation queue is non-empty.
func (s *Store) HasPendingChanges() bool {
	if s.repo == nil {
		return false
	}
	count, err := s.repo.CountQueue()
	if err != nil {
		return false
	}
	return count > 0
}

// DeadLetters returns entries that were given up on, newest first.
func (s *Store) DeadLetters() []*models.DeadLetter {
	if s.repo == nil {
		return nil
	}
	letters, err := s.repo.ListDeadLetters()
	if err != nil {
		logging.Error("listing dead letters failed", err)
		return nil
	}
	return letters
}

// ClearOfflineData wipes locations, barcodes, and the queue, keeping the
// auth cache. Used at logout after a final sync attempt.
func (s *Store) ClearOfflineData() error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.ClearOfflineData(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "wiping offline data", err)
	}
	logging.Info("offline data cleared", nil)
	return nil
}

// Repository exposes the underlying repository to the sync engine.
// Nil until Init succeeds.
func (s *Store) Repository() *db.Repository {
	return s.repo
}

// Destroy releases the repository and closes the database handle.
func (s *Store) Destroy() {
	if s.repo != nil {
		s.repo.Close()
		s.repo = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}
