package documents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/mirror"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testMirrorRoot = "/var/lib/docmirror"

type serviceFixture struct {
	service    *Service
	db         *gorm.DB
	filesystem afero.Fs
	mirror     *mirror.Mirror
	clock      *steppingClock
}

func newServiceFixture(t *testing.T, logger *zap.Logger) serviceFixture {
	t.Helper()
	return newServiceFixtureWithFs(t, afero.NewMemMapFs(), logger)
}

func newServiceFixtureWithFs(t *testing.T, filesystem afero.Fs, logger *zap.Logger) serviceFixture {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	db := openTestDatabase(t)
	documentMirror, err := mirror.New(mirror.Config{
		Root:       testMirrorRoot,
		Filesystem: filesystem,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct mirror: %v", err)
	}
	clock := &steppingClock{current: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), step: time.Second}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Mirror:     documentMirror,
		Owners:     stubOwners{"user-1": "testuser"},
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return serviceFixture{
		service:    service,
		db:         db,
		filesystem: filesystem,
		mirror:     documentMirror,
		clock:      clock,
	}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate documents: %v", err)
	}
	return db
}

func (f serviceFixture) mustCreate(t *testing.T, draft Draft) Document {
	t.Helper()
	result, err := f.service.Create(context.Background(), "user-1", draft)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !result.MirrorSynced() {
		t.Fatalf("expected mirror to be synced: %v", result.MirrorErr)
	}
	return result.Document
}

func (f serviceFixture) seedSampleDocuments(t *testing.T) []Document {
	t.Helper()
	return []Document{
		f.mustCreate(t, Draft{Title: "Report 1", Content: "Content 1", DocType: "report", Status: "approved"}),
		f.mustCreate(t, Draft{Title: "Draft 1", Content: "Content 2", DocType: "report", Status: "draft"}),
		f.mustCreate(t, Draft{Title: "Analysis", Content: "Security report", DocType: "analysis", Status: "approved"}),
	}
}

func (f serviceFixture) mirrorPath(t *testing.T, documentID string) string {
	t.Helper()
	path, err := f.mirror.Path(documentID)
	if err != nil {
		t.Fatalf("failed to compute mirror path: %v", err)
	}
	return path
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

type stubOwners map[string]string

func (o stubOwners) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := o[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return name, nil
}

func stringPointer(value string) *string {
	return &value
}
