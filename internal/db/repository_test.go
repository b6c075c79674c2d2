// Package db tests for the offline repository.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/kimhsiao/showtrack/internal/models"
)

// openTestRepo opens a migrated database in a temp directory.
func openTestRepo(t *testing.T) (*DB, *Repository) {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	repo := NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return database, repo
}

// newLocationEntry builds a location plus its queue entry sharing a token.
func newLocationEntry(name string, projectID int64) (*models.PendingLocation, *models.QueueEntry) {
	token := models.UUID(uuid.New().String())
	loc := &models.PendingLocation{
		Name:      name,
		ProjectID: projectID,
		SyncToken: token,
	}
	payload, _ := json.Marshal(map[string]interface{}{"name": name, "project_id": projectID})
	entry := &models.QueueEntry{
		Kind:    models.KindLocation,
		Action:  models.ActionCreate,
		Token:   token,
		Payload: payload,
	}
	return loc, entry
}

// TestCreateLocationAndEnqueue verifies the 1:1 write-to-queue invariant.
func TestCreateLocationAndEnqueue(t *testing.T) {
	_, repo := openTestRepo(t)

	loc, entry := newLocationEntry("Aisle 12", 3)
	if err := repo.CreateLocationAndEnqueue(loc, entry); err != nil {
		t.Fatalf("CreateLocationAndEnqueue failed: %v", err)
	}

	if loc.ID == 0 {
		t.Error("expected local key to be assigned")
	}
	if !loc.PendingSync {
		t.Error("expected pending_sync to be set")
	}

	count, err := repo.CountQueue()
	if err != nil {
		t.Fatalf("CountQueue failed: %v", err)
	}
	if count != 1 {
		t.Errorf("queue count = %d, want 1", count)
	}

	got, err := repo.GetLocationByToken(loc.SyncToken)
	if err != nil {
		t.Fatalf("GetLocationByToken failed: %v", err)
	}
	if got.Name != "Aisle 12" || got.ProjectID != 3 {
		t.Errorf("got %+v", got)
	}
}

// TestListLocationsByProject verifies the by-project secondary index.
func TestListLocationsByProject(t *testing.T) {
	_, repo := openTestRepo(t)

	for _, tc := range []struct {
		name    string
		project int64
	}{
		{"Front window", 1},
		{"Back wall", 1},
		{"Other showroom", 2},
	} {
		loc, entry := newLocationEntry(tc.name, tc.project)
		if err := repo.CreateLocationAndEnqueue(loc, entry); err != nil {
			t.Fatalf("create %q failed: %v", tc.name, err)
		}
	}

	locations, err := repo.ListLocationsByProject(1)
	if err != nil {
		t.Fatalf("ListLocationsByProject failed: %v", err)
	}
	if len(locations) != 2 {
		t.Fatalf("got %d locations, want 2", len(locations))
	}
	if locations[0].Name != "Front window" {
		t.Errorf("expected creation order, got %q first", locations[0].Name)
	}
}

// TestRewriteLocationID verifies reconciliation rewrites the key, clears
// the flag, and repoints dependent barcodes.
func TestRewriteLocationID(t *testing.T) {
	_, repo := openTestRepo(t)

	loc, locEntry := newLocationEntry("Aisle 12", 3)
	if err := repo.CreateLocationAndEnqueue(loc, locEntry); err != nil {
		t.Fatalf("create location failed: %v", err)
	}

	bc := &models.PendingBarcode{
		Value:      "4006381333931",
		LocationID: loc.ID,
		SyncToken:  models.UUID(uuid.New().String()),
	}
	bcEntry := &models.QueueEntry{
		Kind:    models.KindBarcode,
		Action:  models.ActionCreate,
		Token:   bc.SyncToken,
		Payload: json.RawMessage(`{}`),
	}
	if err := repo.CreateBarcodeAndEnqueue(bc, bcEntry); err != nil {
		t.Fatalf("create barcode failed: %v", err)
	}

	if err := repo.RewriteLocationID(loc.SyncToken, 42); err != nil {
		t.Fatalf("RewriteLocationID failed: %v", err)
	}

	got, err := repo.GetLocation(42)
	if err != nil {
		t.Fatalf("GetLocation(42) failed: %v", err)
	}
	if got.PendingSync {
		t.Error("expected pending_sync cleared")
	}

	barcodes, err := repo.ListBarcodesByLocation(42)
	if err != nil {
		t.Fatalf("ListBarcodesByLocation failed: %v", err)
	}
	if len(barcodes) != 1 {
		t.Fatalf("got %d barcodes under server id, want 1", len(barcodes))
	}
}

// TestRewriteLocationID_miss verifies a missing token reports sql.ErrNoRows.
func TestRewriteLocationID_miss(t *testing.T) {
	_, repo := openTestRepo(t)

	err := repo.RewriteLocationID(models.UUID(uuid.New().String()), 42)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

// TestRewriteBarcodeID verifies barcode reconciliation.
func TestRewriteBarcodeID(t *testing.T) {
	_, repo := openTestRepo(t)

	bc := &models.PendingBarcode{
		Value:      "123",
		LocationID: 5,
		SyncToken:  models.UUID(uuid.New().String()),
	}
	entry := &models.QueueEntry{
		Kind:    models.KindBarcode,
		Action:  models.ActionCreate,
		Token:   bc.SyncToken,
		Payload: json.RawMessage(`{"value":"123","location_id":5}`),
	}
	if err := repo.CreateBarcodeAndEnqueue(bc, entry); err != nil {
		t.Fatalf("create barcode failed: %v", err)
	}

	if err := repo.RewriteBarcodeID(bc.SyncToken, 77); err != nil {
		t.Fatalf("RewriteBarcodeID failed: %v", err)
	}

	got, err := repo.GetBarcodeByToken(bc.SyncToken)
	if err != nil {
		t.Fatalf("GetBarcodeByToken failed: %v", err)
	}
	if got.ID != 77 || got.PendingSync {
		t.Errorf("got id=%d pending=%v, want 77/false", got.ID, got.PendingSync)
	}

	// A second rewrite must miss: the record is no longer pending
	if err := repo.RewriteBarcodeID(bc.SyncToken, 78); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows on non-pending record, got %v", err)
	}
}

// TestRewriteLocationID_serverKeyCollision verifies reconciliation when
// the server-assigned identity equals the local key of another pending
// location: the occupant is renumbered, its barcodes follow, and the
// rewrite succeeds.
func TestRewriteLocationID_serverKeyCollision(t *testing.T) {
	_, repo := openTestRepo(t)

	first, firstEntry := newLocationEntry("Aisle 1", 3)
	if err := repo.CreateLocationAndEnqueue(first, firstEntry); err != nil {
		t.Fatalf("create first location failed: %v", err)
	}
	second, secondEntry := newLocationEntry("Aisle 2", 3)
	if err := repo.CreateLocationAndEnqueue(second, secondEntry); err != nil {
		t.Fatalf("create second location failed: %v", err)
	}

	bc := &models.PendingBarcode{
		Value:      "4006381333931",
		LocationID: second.ID,
		SyncToken:  models.UUID(uuid.New().String()),
	}
	bcEntry := &models.QueueEntry{
		Kind:    models.KindBarcode,
		Action:  models.ActionCreate,
		Token:   bc.SyncToken,
		Payload: json.RawMessage(`{}`),
	}
	if err := repo.CreateBarcodeAndEnqueue(bc, bcEntry); err != nil {
		t.Fatalf("create barcode failed: %v", err)
	}

	// Server assigns the first location the key the second one occupies
	if err := repo.RewriteLocationID(first.SyncToken, second.ID); err != nil {
		t.Fatalf("RewriteLocationID failed on occupied key: %v", err)
	}

	got, err := repo.GetLocationByToken(first.SyncToken)
	if err != nil {
		t.Fatalf("GetLocationByToken failed: %v", err)
	}
	if got.ID != second.ID || got.PendingSync {
		t.Errorf("got id=%d pending=%v, want %d/false", got.ID, got.PendingSync, second.ID)
	}

	displaced, err := repo.GetLocationByToken(second.SyncToken)
	if err != nil {
		t.Fatalf("displaced location lookup failed: %v", err)
	}
	if displaced.ID == second.ID {
		t.Error("expected the occupant to be renumbered")
	}
	if !displaced.PendingSync {
		t.Error("renumbering must not clear the occupant's pending flag")
	}

	barcodes, err := repo.ListBarcodesByLocation(displaced.ID)
	if err != nil {
		t.Fatalf("ListBarcodesByLocation failed: %v", err)
	}
	if len(barcodes) != 1 {
		t.Fatalf("got %d barcodes under renumbered key, want 1", len(barcodes))
	}

	// The displaced location still reconciles under its own token
	if err := repo.RewriteLocationID(second.SyncToken, 42); err != nil {
		t.Fatalf("RewriteLocationID of displaced location failed: %v", err)
	}
	barcodes, err = repo.ListBarcodesByLocation(42)
	if err != nil {
		t.Fatalf("ListBarcodesByLocation failed: %v", err)
	}
	if len(barcodes) != 1 {
		t.Fatalf("got %d barcodes under server id, want 1", len(barcodes))
	}
}

// TestRewriteLocationID_reconciledKeyConflict verifies a key already held
// by a reconciled record is never stolen.
func TestRewriteLocationID_reconciledKeyConflict(t *testing.T) {
	_, repo := openTestRepo(t)

	first, firstEntry := newLocationEntry("Aisle 1", 3)
	if err := repo.CreateLocationAndEnqueue(first, firstEntry); err != nil {
		t.Fatalf("create first location failed: %v", err)
	}
	if err := repo.RewriteLocationID(first.SyncToken, 42); err != nil {
		t.Fatalf("RewriteLocationID failed: %v", err)
	}

	second, secondEntry := newLocationEntry("Aisle 2", 3)
	if err := repo.CreateLocationAndEnqueue(second, secondEntry); err != nil {
		t.Fatalf("create second location failed: %v", err)
	}

	err := repo.RewriteLocationID(second.SyncToken, 42)
	if err == nil {
		t.Fatal("expected an error when the key belongs to a reconciled record")
	}
	if errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("conflict must not look like a missing record: %v", err)
	}

	got, err := repo.GetLocation(42)
	if err != nil {
		t.Fatalf("GetLocation(42) failed: %v", err)
	}
	if got.SyncToken != first.SyncToken {
		t.Error("reconciled record must keep its identity")
	}
}

// TestRewriteBarcodeID_serverKeyCollision verifies the same renumbering
// for barcodes.
func TestRewriteBarcodeID_serverKeyCollision(t *testing.T) {
	_, repo := openTestRepo(t)

	var barcodes [2]*models.PendingBarcode
	for i, value := range []string{"111", "222"} {
		bc := &models.PendingBarcode{
			Value:      value,
			LocationID: 5,
			SyncToken:  models.UUID(uuid.New().String()),
		}
		entry := &models.QueueEntry{
			Kind:    models.KindBarcode,
			Action:  models.ActionCreate,
			Token:   bc.SyncToken,
			Payload: json.RawMessage(`{}`),
		}
		if err := repo.CreateBarcodeAndEnqueue(bc, entry); err != nil {
			t.Fatalf("create barcode failed: %v", err)
		}
		barcodes[i] = bc
	}

	// Server assigns the first barcode the key the second one occupies
	if err := repo.RewriteBarcodeID(barcodes[0].SyncToken, barcodes[1].ID); err != nil {
		t.Fatalf("RewriteBarcodeID failed on occupied key: %v", err)
	}

	got, err := repo.GetBarcodeByToken(barcodes[0].SyncToken)
	if err != nil {
		t.Fatalf("GetBarcodeByToken failed: %v", err)
	}
	if got.ID != barcodes[1].ID || got.PendingSync {
		t.Errorf("got id=%d pending=%v, want %d/false", got.ID, got.PendingSync, barcodes[1].ID)
	}

	displaced, err := repo.GetBarcodeByToken(barcodes[1].SyncToken)
	if err != nil {
		t.Fatalf("displaced barcode lookup failed: %v", err)
	}
	if displaced.ID == barcodes[1].ID || !displaced.PendingSync {
		t.Errorf("occupant must be renumbered and stay pending, got id=%d pending=%v",
			displaced.ID, displaced.PendingSync)
	}

	if err := repo.RewriteBarcodeID(barcodes[1].SyncToken, 99); err != nil {
		t.Fatalf("RewriteBarcodeID of displaced barcode failed: %v", err)
	}
}

// TestQueueOrderAndRetry verifies FIFO replay order and retry bookkeeping.
func TestQueueOrderAndRetry(t *testing.T) {
	_, repo := openTestRepo(t)

	first, e1 := newLocationEntry("first", 1)
	second, e2 := newLocationEntry("second", 1)
	if err := repo.CreateLocationAndEnqueue(first, e1); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateLocationAndEnqueue(second, e2); err != nil {
		t.Fatal(err)
	}

	entries, err := repo.ListQueueOldestFirst()
	if err != nil {
		t.Fatalf("ListQueueOldestFirst failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID >= entries[1].ID {
		t.Fatalf("expected ascending replay order, got %+v", entries)
	}

	// Push the first entry into the future; only the second is due
	if err := repo.UpdateQueueRetry(entries[0].ID, 1, entries[0].CreatedAt+3600); err != nil {
		t.Fatalf("UpdateQueueRetry failed: %v", err)
	}
	due, err := repo.ListQueueDue(entries[0].CreatedAt)
	if err != nil {
		t.Fatalf("ListQueueDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != entries[1].ID {
		t.Errorf("expected only second entry due, got %+v", due)
	}

	if err := repo.DeleteQueueEntry(entries[1].ID); err != nil {
		t.Fatalf("DeleteQueueEntry failed: %v", err)
	}
	count, _ := repo.CountQueue()
	if count != 1 {
		t.Errorf("queue count = %d, want 1", count)
	}
}

// TestMoveToDeadLetter verifies the entry moves collections atomically.
func TestMoveToDeadLetter(t *testing.T) {
	_, repo := openTestRepo(t)

	loc, entry := newLocationEntry("rejected", 9)
	if err := repo.CreateLocationAndEnqueue(loc, entry); err != nil {
		t.Fatal(err)
	}

	entry.Attempts = 5
	if err := repo.MoveToDeadLetter(entry, "validation failed"); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}

	count, _ := repo.CountQueue()
	if count != 0 {
		t.Errorf("queue count = %d, want 0", count)
	}

	letters, err := repo.ListDeadLetters()
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].LastError != "validation failed" || letters[0].Attempts != 5 {
		t.Errorf("got %+v", letters[0])
	}
}

// TestAuthCacheRoundTrip verifies the single-slot overwrite semantics.
func TestAuthCacheRoundTrip(t *testing.T) {
	_, repo := openTestRepo(t)

	if _, err := repo.GetAuthCache(); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows on empty cache, got %v", err)
	}

	first := &models.AuthCache{Payload: json.RawMessage(`{"user":"alice"}`)}
	if err := repo.SaveAuthCache(first); err != nil {
		t.Fatalf("SaveAuthCache failed: %v", err)
	}

	second := &models.AuthCache{Payload: json.RawMessage(`{"user":"bob"}`)}
	if err := repo.SaveAuthCache(second); err != nil {
		t.Fatalf("SaveAuthCache overwrite failed: %v", err)
	}

	got, err := repo.GetAuthCache()
	if err != nil {
		t.Fatalf("GetAuthCache failed: %v", err)
	}
	if string(got.Payload) != `{"user":"bob"}` {
		t.Errorf("payload = %s, want overwritten snapshot", got.Payload)
	}

	if err := repo.DeleteAuthCache(); err != nil {
		t.Fatalf("DeleteAuthCache failed: %v", err)
	}
	if _, err := repo.GetAuthCache(); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

// TestClearOfflineData verifies the wipe keeps the auth cache.
func TestClearOfflineData(t *testing.T) {
	_, repo := openTestRepo(t)

	loc, entry := newLocationEntry("wiped", 1)
	if err := repo.CreateLocationAndEnqueue(loc, entry); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveAuthCache(&models.AuthCache{Payload: json.RawMessage(`{"user":"alice"}`)}); err != nil {
		t.Fatal(err)
	}

	if err := repo.ClearOfflineData(); err != nil {
		t.Fatalf("ClearOfflineData failed: %v", err)
	}

	count, _ := repo.CountQueue()
	if count != 0 {
		t.Errorf("queue count = %d, want 0", count)
	}
	locations, _ := repo.ListLocationsByProject(1)
	if len(locations) != 0 {
		t.Errorf("got %d locations after wipe", len(locations))
	}
	if _, err := repo.GetAuthCache(); err != nil {
		t.Errorf("auth cache should survive the wipe, got %v", err)
	}
}

// TestOpen_restartDurability verifies records survive a close and reopen.
func TestOpen_restartDurability(t *testing.T) {
	dir := t.TempDir()

	database, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatal(err)
	}
	repo := NewRepository(database.DB)

	loc, entry := newLocationEntry("durable", 4)
	if err := repo.CreateLocationAndEnqueue(loc, entry); err != nil {
		t.Fatal(err)
	}
	repo.Close()
	database.Close()

	// Simulated process restart
	database, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer database.Close()
	migrator = NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatal(err)
	}
	repo = NewRepository(database.DB)
	defer repo.Close()

	locations, err := repo.ListLocationsByProject(4)
	if err != nil {
		t.Fatal(err)
	}
	if len(locations) != 1 || locations[0].Name != "durable" {
		t.Fatalf("records lost across restart: %+v", locations)
	}
	count, _ := repo.CountQueue()
	if count != 1 {
		t.Errorf("queue lost across restart: count = %d", count)
	}
}

// TestMigrator_idempotent verifies Up can run twice without error.
func TestMigrator_idempotent(t *testing.T) {
	database, _ := openTestRepo(t)

	migrator := NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		t.Fatalf("second Up failed: %v", err)
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}
