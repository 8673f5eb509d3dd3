package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendThenPageOneIncludesNewestMessage(t *testing.T) {
	store, clock, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	if _, err := store.Append(context.Background(), key, "u1", "alice", "first"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	clock.Advance(time.Second)
	stored, err := store.Append(context.Background(), key, "u2", "bob", "second")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	page, err := store.PageBefore(context.Background(), key, 1, 30)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	newest := page.Messages[len(page.Messages)-1]
	if newest.MessageID != stored.MessageID {
		t.Fatalf("expected newest entry %q, got %q", stored.MessageID, newest.MessageID)
	}
	if page.Messages[0].Content != "first" {
		t.Fatalf("expected chronological order, got %q first", page.Messages[0].Content)
	}
}

func TestAppendTrimsContentAndRejectsEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	stored, err := store.Append(context.Background(), key, "u1", "alice", "  padded  ")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if stored.Content != "padded" {
		t.Fatalf("expected trimmed content, got %q", stored.Content)
	}

	if _, err := store.Append(context.Background(), key, "u1", "alice", "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAppendClampsTimestampAgainstClockStep(t *testing.T) {
	store, clock, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	first, err := store.Append(context.Background(), key, "u1", "alice", "one")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	clock.Advance(-time.Minute)
	second, err := store.Append(context.Background(), key, "u2", "bob", "two")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if second.SentAtMillis < first.SentAtMillis {
		t.Fatalf("timestamp moved backwards: %d < %d", second.SentAtMillis, first.SentAtMillis)
	}
}

func TestPageBeforeSplitsThirtyFiveMessagesAcrossTwoPages(t *testing.T) {
	store, clock, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	for i := 0; i < 35; i++ {
		clock.Advance(time.Second)
		if _, err := store.Append(context.Background(), key, "u1", "alice", "message"); err != nil {
			t.Fatalf("unexpected append error at %d: %v", i, err)
		}
	}

	pageOne, err := store.PageBefore(context.Background(), key, 1, 30)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	if len(pageOne.Messages) != 30 {
		t.Fatalf("expected 30 messages on page 1, got %d", len(pageOne.Messages))
	}
	if !pageOne.HasMore {
		t.Fatalf("expected hasMore on page 1")
	}
	for i := 1; i < len(pageOne.Messages); i++ {
		if pageOne.Messages[i].SentAtMillis < pageOne.Messages[i-1].SentAtMillis {
			t.Fatalf("page 1 not chronological at index %d", i)
		}
	}

	pageTwo, err := store.PageBefore(context.Background(), key, 2, 30)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	if len(pageTwo.Messages) != 5 {
		t.Fatalf("expected 5 messages on page 2, got %d", len(pageTwo.Messages))
	}
	if pageTwo.HasMore {
		t.Fatalf("expected hasMore=false on page 2")
	}
	if pageTwo.Messages[len(pageTwo.Messages)-1].SentAtMillis > pageOne.Messages[0].SentAtMillis {
		t.Fatalf("page 2 must hold older messages than page 1")
	}
}

func TestPageBeforeRejectsInvalidPaging(t *testing.T) {
	store, _, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	if _, err := store.PageBefore(context.Background(), key, 0, 30); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for page 0, got %v", err)
	}
	if _, err := store.PageBefore(context.Background(), key, 1, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for page size 0, got %v", err)
	}
}

func TestSinceUsesStrictBoundary(t *testing.T) {
	store, clock, _ := newTestStore(t)
	key := mustPartitionKey(t, "u1", "u2")

	var last Message
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		stored, err := store.Append(context.Background(), key, "u1", "alice", "message")
		if err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
		last = stored
	}

	newer, err := store.Since(context.Background(), key, mustMillis(t, last.SentAtMillis-1500))
	if err != nil {
		t.Fatalf("unexpected since error: %v", err)
	}
	if len(newer) != 2 {
		t.Fatalf("expected 2 newer messages, got %d", len(newer))
	}

	// Re-invoking with the last returned timestamp must not re-deliver it.
	boundary, err := store.Since(context.Background(), key, mustMillis(t, last.SentAtMillis))
	if err != nil {
		t.Fatalf("unexpected since error: %v", err)
	}
	if len(boundary) != 0 {
		t.Fatalf("expected no messages at the boundary, got %d", len(boundary))
	}
}

func TestSinceIsScopedToPartition(t *testing.T) {
	store, clock, _ := newTestStore(t)
	keyOne := mustPartitionKey(t, "u1", "u2")
	keyTwo := mustPartitionKey(t, "u1", "u3")

	clock.Advance(time.Second)
	if _, err := store.Append(context.Background(), keyOne, "u1", "alice", "for u2"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.Append(context.Background(), keyTwo, "u1", "alice", "for u3"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	rows, err := store.Since(context.Background(), keyOne, mustMillis(t, 1))
	if err != nil {
		t.Fatalf("unexpected since error: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "for u2" {
		t.Fatalf("expected only the partition's own message, got %#v", rows)
	}
}
