package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newAnalysis(id, subject string, at time.Time) *Analysis {
	return &Analysis{
		ID:          id,
		Kind:        "analyze_risk",
		Subject:     subject,
		Requester:   "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Status:      StatusSubmitted,
		SubmittedAt: at,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	if err := store.Create(ctx, newAnalysis("0x01", "0xTOKEN", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "0x01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("status = %q, want %q", got.Status, StatusSubmitted)
	}
	if !got.SubmittedAt.Equal(now) {
		t.Errorf("submittedAt = %v, want %v", got.SubmittedAt, now)
	}

	if _, err := store.Get(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreComplete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	if err := store.Create(ctx, newAnalysis("0x01", "0xTOKEN", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	result := json.RawMessage(`{"finalScore":42}`)
	done := now.Add(5 * time.Second)
	if err := store.Complete(ctx, "0x01", result, done); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.Get(ctx, "0x01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, StatusCompleted)
	}
	if string(got.Result) != string(result) {
		t.Errorf("result = %s, want %s", got.Result, result)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completedAt = %v, want %v", got.CompletedAt, done)
	}

	if err := store.Complete(ctx, "0x01", result, done); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("double Complete = %v, want ErrAlreadyClosed", err)
	}
	if err := store.MarkTimeout(ctx, "0x01", done); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("MarkTimeout after Complete = %v, want ErrAlreadyClosed", err)
	}
}

func TestMemoryStoreMarkTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	if err := store.Create(ctx, newAnalysis("0x01", "0xTOKEN", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkTimeout(ctx, "0x01", now.Add(20*time.Second)); err != nil {
		t.Fatalf("MarkTimeout: %v", err)
	}

	got, _ := store.Get(ctx, "0x01")
	if got.Status != StatusTimeout {
		t.Errorf("status = %q, want %q", got.Status, StatusTimeout)
	}
	if len(got.Result) != 0 {
		t.Errorf("result = %s, want empty", got.Result)
	}

	if err := store.MarkTimeout(ctx, "0xmissing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkTimeout missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListBySubject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().UTC()

	for i, subject := range []string{"0xAAA", "0xbbb", "0xaaa"} {
		a := newAnalysis(string(rune('1'+i)), subject, base.Add(time.Duration(i)*time.Minute))
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// Subject matching is case-insensitive; newest first.
	got, err := store.ListBySubject(ctx, "0xaAa", 10, nil)
	if err != nil {
		t.Fatalf("ListBySubject: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].SubmittedAt.Before(got[1].SubmittedAt) {
		t.Error("expected newest first")
	}
}

func TestMemoryStoreListRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		a := newAnalysis(string(rune('a'+i)), "0xTOKEN", base.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.ListRecent(ctx, 3, nil)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "e" {
		t.Errorf("first = %q, want %q", got[0].ID, "e")
	}
}
