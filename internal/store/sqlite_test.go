package store

import (
	"context"
	"testing"
	"time"
)

func TestCursorsAndReplies(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	if _, err := db.LoadCursor(ctx, "poll:since"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.SaveCursor(ctx, "poll:since", "123"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCursor(ctx, "poll:since", "456"); err != nil {
		t.Fatal(err)
	}
	v, err := db.LoadCursor(ctx, "poll:since")
	if err != nil || v != "456" {
		t.Fatalf("cursor mismatch: %v %s", err, v)
	}

	now := time.Now().UTC()
	if err := db.PutReply(ctx, Reply{TS: now, TriggerID: "T1", TargetID: "U1", ReplyID: "R1", Score: 82.5, Tier: "HIGH_TRUST", Status: "replied"}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutReply(ctx, Reply{TS: now, TriggerID: "T2", TargetID: "U2", Score: 10, Tier: "HIGH_RISK", Status: "failed"}); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountRepliesWithin(ctx, now.Add(-time.Hour), now.Add(time.Hour), "replied")
	if err != nil || n != 1 {
		t.Fatalf("reply count mismatch: %v %d", err, n)
	}
	recent, err := db.RecentReplies(ctx, 10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("recent mismatch: %v %d", err, len(recent))
	}
	if recent[0].TriggerID != "T2" {
		t.Fatalf("expected newest first, got %s", recent[0].TriggerID)
	}
}

func TestClaimTriggerOnce(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := db.ClaimTrigger(ctx, "T1", "U1", at)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	ok, err = db.ClaimTrigger(ctx, "T1", "U1", at)
	if err != nil || ok {
		t.Fatalf("second claim must fail: %v %v", ok, err)
	}
	ok, _ = db.ClaimTrigger(ctx, "T1", "U2", at)
	if !ok {
		t.Fatalf("different target is a different key")
	}

	ok, _ = db.ClaimTriggerAfter(ctx, "T1", "U1", at.Add(time.Hour), at)
	if ok {
		t.Fatalf("claim at cutoff is still live")
	}
	ok, _ = db.ClaimTriggerAfter(ctx, "T1", "U1", at.Add(time.Hour), at.Add(time.Minute))
	if !ok {
		t.Fatalf("expired claim should be taken over")
	}

	if err := db.ReleaseClaim(ctx, "T1", "U2"); err != nil {
		t.Fatal(err)
	}
	n, _ := db.PruneClaims(ctx, at.Add(30*time.Minute))
	if n != 0 {
		t.Fatalf("nothing older than cutoff remains, pruned %d", n)
	}
	c, _ := db.CountClaims(ctx)
	if c != 1 {
		t.Fatalf("expected 1 claim, got %d", c)
	}
}
