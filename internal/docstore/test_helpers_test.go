package docstore

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return p.prefix + "-" + itoa(p.next), nil
}

func itoa(value int) string {
	if value == 0 {
		return "0"
	}
	digits := []byte{}
	for value > 0 {
		digits = append([]byte{byte('0' + value%10)}, digits...)
		value /= 10
	}
	return string(digits)
}

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "docstore.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&FileDocument{}, &ChangeRecord{}, &PresenceRecord{}, &TypingRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &tickingClock{current: time.Unix(1700000000, 0)}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "change"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
