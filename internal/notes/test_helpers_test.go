package notes

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustHistoryID(t *testing.T, value int64) HistoryID {
	t.Helper()
	id, err := NewHistoryID(value)
	if err != nil {
		t.Fatalf("unexpected history id error: %v", err)
	}
	return id
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Document{}, &HistoryRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// steppingClock advances one second per call so history timestamps are distinct.
type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Database == nil {
		cfg.Database = newTestDatabase(t)
	}
	if cfg.Clock == nil {
		clock := &steppingClock{current: time.Unix(1_700_000_000, 0).UTC()}
		cfg.Clock = clock.Now
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func createTestDocument(t *testing.T, service *Service, noteID, content string) NoteID {
	t.Helper()
	id := mustNoteID(t, noteID)
	if _, err := service.CreateDocument(context.Background(), DocumentInput{
		NoteID:  id,
		OwnerID: mustUserID(t, "owner-1"),
		Content: content,
	}); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return id
}

type recordingScanner struct {
	calls []string
	err   error
}

func (r *recordingScanner) ScanMentions(_ context.Context, _ NoteID, _ *UserID, text string) error {
	r.calls = append(r.calls, text)
	return r.err
}
