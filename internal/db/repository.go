// Package db provides CRUD repository operations for the showtrack offline layer.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/showtrack/internal/models"
)

// Repository provides CRUD operations for all offline collections.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use the existing one
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Location Operations
// =====================================================

// CreateLocationAndEnqueue inserts a pending location together with its
// queue entry in one transaction, so no domain write escapes the queue.
// Assigns loc.ID and entry.ID from the database.
func (r *Repository) CreateLocationAndEnqueue(loc *models.PendingLocation, entry *models.QueueEntry) error {
	now := time.Now().Unix()
	loc.CreatedAt = now
	loc.PendingSync = true
	entry.CreatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
	INSERT INTO locations (name, notes, image_path, project_id, sync_token, pending_sync, created_at)
	VALUES (?, ?, ?, ?, ?, 1, ?)`,
		loc.Name, loc.Notes, loc.ImagePath, loc.ProjectID, loc.SyncToken, loc.CreatedAt)
	if err != nil {
		return err
	}
	if loc.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	res, err = tx.Exec(`
	INSERT INTO sync_queue (kind, action, token, payload, attempts, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, 0, 0, ?)`,
		entry.Kind, entry.Action, entry.Token, string(entry.Payload), entry.CreatedAt)
	if err != nil {
		return err
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	return tx.Commit()
}

// GetLocation retrieves a location by local key.
func (r *Repository) GetLocation(id int64) (*models.PendingLocation, error) {
	query := `
	SELECT id, name, notes, image_path, project_id, sync_token, pending_sync, created_at
	FROM locations WHERE id = ?`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var loc models.PendingLocation
	err = stmt.QueryRow(id).Scan(&loc.ID, &loc.Name, &loc.Notes, &loc.ImagePath,
		&loc.ProjectID, &loc.SyncToken, &loc.PendingSync, &loc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// GetLocationByToken retrieves a location by its correlation token.
func (r *Repository) GetLocationByToken(token models.UUID) (*models.PendingLocation, error) {
	query := `
	SELECT id, name, notes, image_path, project_id, sync_token, pending_sync, created_at
	FROM locations WHERE sync_token = ?`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var loc models.PendingLocation
	err = stmt.QueryRow(token).Scan(&loc.ID, &loc.Name, &loc.Notes, &loc.ImagePath,
		&loc.ProjectID, &loc.SyncToken, &loc.PendingSync, &loc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// ListLocationsByProject returns locations for a project via the
// by-project secondary index, ordered by creation.
func (r *Repository) ListLocationsByProject(projectID int64) ([]*models.PendingLocation, error) {
	query := `
	SELECT id, name, notes, image_path, project_id, sync_token, pending_sync, created_at
	FROM locations WHERE project_id = ? ORDER BY created_at, id`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []*models.PendingLocation
	for rows.Next() {
		var loc models.PendingLocation
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Notes, &loc.ImagePath,
			&loc.ProjectID, &loc.SyncToken, &loc.PendingSync, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, &loc)
	}
	return locations, rows.Err()
}

// RewriteLocationID reconciles a pending location with its server identity:
// the local key is replaced with serverID, pending_sync is cleared, and
// barcodes referencing the old local key are repointed. A still-pending
// location already occupying serverID as its local key is relocated to a
// fresh key first, so the rewrite never trips the primary key constraint.
// Returns sql.ErrNoRows when no pending record carries the token.
func (r *Repository) RewriteLocationID(token models.UUID, serverID int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oldID int64
	err = tx.QueryRow(`SELECT id FROM locations WHERE sync_token = ? AND pending_sync = 1`, token).Scan(&oldID)
	if err != nil {
		return err
	}

	if oldID != serverID {
		if err := relocateLocationKey(tx, serverID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE locations SET id = ?, pending_sync = 0 WHERE sync_token = ?`,
		serverID, token); err != nil {
		return err
	}

	// Pending barcodes still point at the local key
	if oldID != serverID {
		if _, err := tx.Exec(`UPDATE barcodes SET location_id = ? WHERE location_id = ?`,
			serverID, oldID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// relocateLocationKey moves a still-pending location whose local key
// happens to equal the incoming server identity onto a fresh key, taking
// its barcodes along. Local keys are only placeholders until their own
// reconciliation, so renumbering a pending row is safe. A reconciled row
// on that key means the server handed out the same identity twice.
func relocateLocationKey(tx *sql.Tx, serverID int64) error {
	var occupiedPending bool
	err := tx.QueryRow(`SELECT pending_sync FROM locations WHERE id = ?`, serverID).Scan(&occupiedPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if !occupiedPending {
		return fmt.Errorf("location %d is already reconciled under that identity", serverID)
	}

	var freshKey int64
	if err := tx.QueryRow(`SELECT MAX(id) + 1 FROM locations`).Scan(&freshKey); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE locations SET id = ? WHERE id = ?`, freshKey, serverID); err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE barcodes SET location_id = ? WHERE location_id = ?`, freshKey, serverID)
	return err
}

// DeleteLocationsByProject removes a project's locations and their
// barcodes. Queue entries are left alone: if one of the deleted records
// was still pending, its eventual sync resolves as a reconciliation miss.
func (r *Repository) DeleteLocationsByProject(projectID int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM barcodes WHERE location_id IN (SELECT id FROM locations WHERE project_id = ?)`,
		projectID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM locations WHERE project_id = ?`, projectID); err != nil {
		return err
	}

	return tx.Commit()
}

// =====================================================
// Barcode Operations
// =====================================================

// CreateBarcodeAndEnqueue inserts a pending barcode together with its
// queue entry in one transaction. Assigns bc.ID and entry.ID.
func (r *Repository) CreateBarcodeAndEnqueue(bc *models.PendingBarcode, entry *models.QueueEntry) error {
	now := time.Now().Unix()
	bc.CreatedAt = now
	bc.PendingSync = true
	entry.CreatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
	INSERT INTO barcodes (value, location_id, sync_token, pending_sync, created_at)
	VALUES (?, ?, ?, 1, ?)`,
		bc.Value, bc.LocationID, bc.SyncToken, bc.CreatedAt)
	if err != nil {
		return err
	}
	if bc.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	res, err = tx.Exec(`
	INSERT INTO sync_queue (kind, action, token, payload, attempts, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, 0, 0, ?)`,
		entry.Kind, entry.Action, entry.Token, string(entry.Payload), entry.CreatedAt)
	if err != nil {
		return err
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	return tx.Commit()
}

// GetBarcodeByToken retrieves a barcode by its correlation token.
func (r *Repository) GetBarcodeByToken(token models.UUID) (*models.PendingBarcode, error) {
	query := `
	SELECT id, value, location_id, sync_token, pending_sync, created_at
	FROM barcodes WHERE sync_token = ?`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var bc models.PendingBarcode
	err = stmt.QueryRow(token).Scan(&bc.ID, &bc.Value, &bc.LocationID,
		&bc.SyncToken, &bc.PendingSync, &bc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

// ListBarcodesByLocation returns barcodes for a location via the
// by-location secondary index, ordered by creation.
func (r *Repository) ListBarcodesByLocation(locationID int64) ([]*models.PendingBarcode, error) {
	query := `
	SELECT id, value, location_id, sync_token, pending_sync, created_at
	FROM barcodes WHERE location_id = ? ORDER BY created_at, id`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var barcodes []*models.PendingBarcode
	for rows.Next() {
		var bc models.PendingBarcode
		if err := rows.Scan(&bc.ID, &bc.Value, &bc.LocationID,
			&bc.SyncToken, &bc.PendingSync, &bc.CreatedAt); err != nil {
			return nil, err
		}
		barcodes = append(barcodes, &bc)
	}
	return barcodes, rows.Err()
}

// RewriteBarcodeID reconciles a pending barcode with its server identity.
// Like RewriteLocationID, a still-pending barcode occupying serverID as
// its local key is relocated first. Returns sql.ErrNoRows when no pending
// record carries the token.
func (r *Repository) RewriteBarcodeID(token models.UUID, serverID int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := relocateBarcodeKey(tx, serverID, token); err != nil {
		return err
	}

	res, err := tx.Exec(`UPDATE barcodes SET id = ?, pending_sync = 0 WHERE sync_token = ? AND pending_sync = 1`,
		serverID, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// relocateBarcodeKey moves a still-pending barcode off the incoming
// server identity, unless it is the record being reconciled itself.
func relocateBarcodeKey(tx *sql.Tx, serverID int64, token models.UUID) error {
	var occupiedPending bool
	var occupantToken models.UUID
	err := tx.QueryRow(`SELECT pending_sync, sync_token FROM barcodes WHERE id = ?`, serverID).
		Scan(&occupiedPending, &occupantToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if occupantToken == token {
		return nil
	}
	if !occupiedPending {
		return fmt.Errorf("barcode %d is already reconciled under that identity", serverID)
	}

	var freshKey int64
	if err := tx.QueryRow(`SELECT MAX(id) + 1 FROM barcodes`).Scan(&freshKey); err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE barcodes SET id = ? WHERE id = ?`, freshKey, serverID)
	return err
}

// =====================================================
// Sync Queue Operations
// =====================================================

// ListQueueOldestFirst returns every queue entry in replay order.
func (r *Repository) ListQueueOldestFirst() ([]*models.QueueEntry, error) {
	rows, err := r.db.Query(`
	SELECT id, kind, action, token, payload, attempts, next_attempt_at, created_at
	FROM sync_queue ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

// ListQueueDue returns queue entries whose backoff window has elapsed,
// in replay order.
func (r *Repository) ListQueueDue(now int64) ([]*models.QueueEntry, error) {
	rows, err := r.db.Query(`
	SELECT id, kind, action, token, payload, attempts, next_attempt_at, created_at
	FROM sync_queue WHERE next_attempt_at <= ? ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

func scanQueueEntries(rows *sql.Rows) ([]*models.QueueEntry, error) {
	var entries []*models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Action, &entry.Token,
			&payload, &entry.Attempts, &entry.NextAttemptAt, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = []byte(payload)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// DeleteQueueEntry removes a queue entry after confirmed remote success.
func (r *Repository) DeleteQueueEntry(id int64) error {
	_, err := r.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// UpdateQueueRetry records a failed attempt and its backoff deadline.
func (r *Repository) UpdateQueueRetry(id int64, attempts int, nextAttemptAt int64) error {
	_, err := r.db.Exec(`UPDATE sync_queue SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, nextAttemptAt, id)
	return err
}

// CountQueue returns the number of pending queue entries.
func (r *Repository) CountQueue() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&count)
	return count, err
}

// MoveToDeadLetter moves a queue entry into the dead-letter collection
// in one transaction. The entry is no longer retried automatically.
func (r *Repository) MoveToDeadLetter(entry *models.QueueEntry, lastError string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
	INSERT INTO dead_letters (queue_id, kind, token, payload, attempts, last_error, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, entry.Token, string(entry.Payload),
		entry.Attempts, lastError, time.Now().Unix()); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListDeadLetters returns all dead-lettered entries, newest first.
func (r *Repository) ListDeadLetters() ([]*models.DeadLetter, error) {
	rows, err := r.db.Query(`
	SELECT id, queue_id, kind, token, payload, attempts, last_error, failed_at
	FROM dead_letters ORDER BY failed_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var payload string
		if err := rows.Scan(&dl.ID, &dl.QueueID, &dl.Kind, &dl.Token,
			&payload, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, err
		}
		dl.Payload = []byte(payload)
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// =====================================================
// Auth Cache Operations
// =====================================================

// SaveAuthCache overwrites the single cached identity snapshot.
func (r *Repository) SaveAuthCache(entry *models.AuthCache) error {
	if entry.Key == "" {
		entry.Key = models.AuthCacheKey
	}
	entry.CachedAt = time.Now().Unix()

	_, err := r.db.Exec(`
	INSERT INTO auth_cache (key, payload, cached_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		entry.Key, string(entry.Payload), entry.CachedAt)
	return err
}

// GetAuthCache reads the cached identity snapshot.
func (r *Repository) GetAuthCache() (*models.AuthCache, error) {
	var entry models.AuthCache
	var payload string
	err := r.db.QueryRow(`SELECT key, payload, cached_at FROM auth_cache WHERE key = ?`,
		models.AuthCacheKey).Scan(&entry.Key, &payload, &entry.CachedAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	return &entry, nil
}

// DeleteAuthCache clears the cached identity snapshot.
func (r *Repository) DeleteAuthCache() error {
	_, err := r.db.Exec(`DELETE FROM auth_cache WHERE key = ?`, models.AuthCacheKey)
	return err
}

// =====================================================
// Wipe Operations
// =====================================================

// ClearOfflineData wipes locations, barcodes, the sync queue, and dead
// letters. The auth cache is preserved so a logged-in user stays usable.
func (r *Repository) ClearOfflineData() error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"barcodes", "locations", "sync_queue", "dead_letters"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}

	return tx.Commit()
}
