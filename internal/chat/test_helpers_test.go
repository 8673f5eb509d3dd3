package chat

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustChatUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustPartitionKey(t *testing.T, a, b string) PartitionKey {
	t.Helper()
	key, err := DerivePartitionKey(mustChatUserID(t, a), mustChatUserID(t, b))
	if err != nil {
		t.Fatalf("unexpected partition key error: %v", err)
	}
	return key
}

func mustMillis(t *testing.T, value int64) UnixMillis {
	t.Helper()
	ts, err := NewUnixMillis(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

var testDatabaseSequence int

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	testDatabaseSequence++
	dsn := fmt.Sprintf("file:chat-test-%d?mode=memory&cache=shared", testDatabaseSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Message{}, &Conversation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("msg-%04d", g.next), nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*MessageStore, *manualClock, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	store, err := NewMessageStore(MessageStoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, clock, db
}
