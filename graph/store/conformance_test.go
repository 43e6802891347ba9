package store_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/leadgraph-go/graph/store"
)

// unique suffixes ids so suites can share a database.
func unique(prefix string) string {
	return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func checkpoint(id, token string, created time.Time, ttl time.Duration) store.Checkpoint {
	return store.Checkpoint{
		InstanceID:   id,
		Token:        token,
		Graph:        "lead",
		State:        map[string]interface{}{"lead_id": id, "score": 8.0, "tags": []interface{}{"sql"}},
		Frontier:     "human_approval",
		Pending:      map[string][]string{"log": {"crm"}},
		LoopCounters: map[string]int{"review->draft": 2},
		Version:      7,
		Steps:        9,
		Status:       store.StatusSuspended,
		CreatedAt:    created,
		TTL:          ttl,
	}
}

// runStoreSuite exercises the Store contract against a backend. newStore
// returns a store that the suite closes itself.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	t.Run("step history", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		id := unique("steps")

		if _, err := st.LoadLatest(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LoadLatest() on empty = %v, want ErrNotFound", err)
		}
		for step, node := range []string{"intake", "research", "qualify"} {
			if err := st.SaveStep(ctx, id, step+1, node, map[string]interface{}{"step": step + 1}); err != nil {
				t.Fatalf("SaveStep() error = %v", err)
			}
		}
		rec, err := st.LoadLatest(ctx, id)
		if err != nil {
			t.Fatalf("LoadLatest() error = %v", err)
		}
		if rec.Step != 3 || rec.NodeID != "qualify" || rec.State["step"] != float64(3) {
			t.Errorf("LoadLatest() = %+v", rec)
		}
	})

	t.Run("checkpoint round trip", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		id, token := unique("inst"), unique("tok")
		want := checkpoint(id, token, base, 72*time.Hour)

		if err := st.SaveCheckpoint(ctx, want); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
		got, err := st.LoadCheckpoint(ctx, token)
		if err != nil {
			t.Fatalf("LoadCheckpoint() error = %v", err)
		}
		if got.InstanceID != id || got.Graph != "lead" || got.Frontier != "human_approval" {
			t.Errorf("identity mismatch %+v", got)
		}
		if got.State["score"] != 8.0 || got.LoopCounters["review->draft"] != 2 || len(got.Pending["log"]) != 1 {
			t.Errorf("payload mismatch %+v", got)
		}
		if got.Version != 7 || got.Steps != 9 || got.TTL != 72*time.Hour || got.Status != store.StatusSuspended {
			t.Errorf("metadata mismatch %+v", got)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}

		if _, err := st.LoadCheckpoint(ctx, unique("missing")); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadCheckpoint(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("resuspension replaces the token", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		id, first, second := unique("inst"), unique("tok-a"), unique("tok-b")

		if err := st.SaveCheckpoint(ctx, checkpoint(id, first, base, 0)); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
		if err := st.SaveCheckpoint(ctx, checkpoint(id, second, base, 0)); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
		if _, err := st.LoadCheckpoint(ctx, first); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("old token still resolves: %v", err)
		}
		if _, err := st.LoadCheckpoint(ctx, second); err != nil {
			t.Errorf("new token does not resolve: %v", err)
		}

		if err := st.DeleteCheckpoint(ctx, id); err != nil {
			t.Fatalf("DeleteCheckpoint() error = %v", err)
		}
		if _, err := st.LoadCheckpoint(ctx, second); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("deleted checkpoint still resolves: %v", err)
		}
		if err := st.DeleteCheckpoint(ctx, id); err != nil {
			t.Errorf("deleting a missing checkpoint must succeed, got %v", err)
		}
	})

	t.Run("claim and release", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		id, token := unique("inst"), unique("tok")
		if err := st.SaveCheckpoint(ctx, checkpoint(id, token, base, time.Hour)); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}

		claimed, err := st.ClaimCheckpoint(ctx, token, base.Add(time.Second), time.Time{})
		if err != nil {
			t.Fatalf("ClaimCheckpoint() error = %v", err)
		}
		if claimed.Status != store.StatusResuming || claimed.InstanceID != id {
			t.Errorf("claimed = %+v", claimed)
		}
		if _, err := st.ClaimCheckpoint(ctx, token, base.Add(2*time.Second), time.Time{}); !errors.Is(err, store.ErrClaimed) {
			t.Errorf("second claim = %v, want ErrClaimed", err)
		}
		if _, err := st.ClaimCheckpoint(ctx, token, base.Add(2*time.Second), base.Add(time.Second)); !errors.Is(err, store.ErrClaimed) {
			t.Errorf("claim with a live lease = %v, want ErrClaimed", err)
		}
		takeover, err := st.ClaimCheckpoint(ctx, token, base.Add(time.Hour), base.Add(time.Minute))
		if err != nil {
			t.Fatalf("takeover of stale claim = %v", err)
		}
		if takeover.Status != store.StatusResuming || !takeover.ClaimedAt.Equal(base.Add(time.Hour)) {
			t.Errorf("takeover = %s claimed at %v", takeover.Status, takeover.ClaimedAt)
		}

		if err := st.ReleaseCheckpoint(ctx, token); err != nil {
			t.Fatalf("ReleaseCheckpoint() error = %v", err)
		}
		released, err := st.LoadCheckpoint(ctx, token)
		if err != nil || released.Status != store.StatusSuspended {
			t.Errorf("after release: %+v, %v", released, err)
		}
		if _, err := st.ClaimCheckpoint(ctx, token, base, time.Time{}); err != nil {
			t.Errorf("claim after release = %v", err)
		}

		missing := unique("missing")
		if _, err := st.ClaimCheckpoint(ctx, missing, base, time.Time{}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("claim missing = %v, want ErrNotFound", err)
		}
		if err := st.ReleaseCheckpoint(ctx, missing); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("release missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		id, token := unique("inst"), unique("tok")
		if err := st.SaveCheckpoint(ctx, checkpoint(id, token, base, 0)); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.ClaimCheckpoint(ctx, token, time.Now(), time.Time{})
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, store.ErrClaimed):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 || conflicts != 9 {
			t.Errorf("wins = %d, conflicts = %d, want 1 and 9", wins, conflicts)
		}
	})

	t.Run("outcomes", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		token := unique("tok")

		if _, err := st.LoadOutcome(ctx, token); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LoadOutcome() on empty = %v, want ErrNotFound", err)
		}
		o := store.Outcome{
			Token:      token,
			InstanceID: "inst-1",
			Status:     "suspended",
			State:      map[string]interface{}{"email_draft": "v2"},
			NextToken:  token + "-next",
			RecordedAt: base,
		}
		if err := st.SaveOutcome(ctx, o); err != nil {
			t.Fatalf("SaveOutcome() error = %v", err)
		}
		got, err := st.LoadOutcome(ctx, token)
		if err != nil {
			t.Fatalf("LoadOutcome() error = %v", err)
		}
		if got.Status != "suspended" || got.NextToken != o.NextToken || got.State["email_draft"] != "v2" {
			t.Errorf("LoadOutcome() = %+v", got)
		}

		o.Status, o.Kind, o.Error, o.Escalate, o.NextToken = "failed", "abandoned", "stale", true, ""
		if err := st.SaveOutcome(ctx, o); err != nil {
			t.Fatalf("SaveOutcome() overwrite error = %v", err)
		}
		got, _ = st.LoadOutcome(ctx, token)
		if got.Status != "failed" || got.Kind != "abandoned" || got.Error != "stale" || !got.Escalate {
			t.Errorf("overwritten outcome = %+v", got)
		}
	})

	t.Run("expired checkpoints", func(t *testing.T) {
		st := newStore(t)
		defer func() { _ = st.Close() }()
		old, older, fresh, forever, claimed := unique("old"), unique("older"), unique("fresh"), unique("forever"), unique("claimed")

		cps := []store.Checkpoint{
			checkpoint(old, old+"-t", base, time.Second),
			checkpoint(older, older+"-t", base.Add(-time.Hour), time.Second),
			checkpoint(fresh, fresh+"-t", base, 24*time.Hour),
			checkpoint(forever, forever+"-t", base.Add(-48*time.Hour), 0),
			checkpoint(claimed, claimed+"-t", base.Add(-2*time.Hour), time.Second),
		}
		for _, cp := range cps {
			if err := st.SaveCheckpoint(ctx, cp); err != nil {
				t.Fatalf("SaveCheckpoint() error = %v", err)
			}
		}
		if _, err := st.ClaimCheckpoint(ctx, claimed+"-t", base, time.Time{}); err != nil {
			t.Fatalf("ClaimCheckpoint() error = %v", err)
		}

		ours := map[string]bool{old: true, older: true, fresh: true, forever: true, claimed: true}
		list := func(staleBefore time.Time) []string {
			t.Helper()
			expired, err := st.ExpiredCheckpoints(ctx, base.Add(time.Minute), staleBefore, 100)
			if err != nil {
				t.Fatalf("ExpiredCheckpoints() error = %v", err)
			}
			var got []string
			for _, cp := range expired {
				if ours[cp.InstanceID] {
					got = append(got, cp.InstanceID)
				}
			}
			return got
		}
		if got := list(time.Time{}); len(got) != 2 || got[0] != older || got[1] != old {
			t.Errorf("expired = %v, want [%s %s]", got, older, old)
		}
		if got := list(base); len(got) != 2 {
			t.Errorf("expired with live claim = %v, want the claim skipped", got)
		}
		if got := list(base.Add(time.Second)); len(got) != 3 || got[0] != claimed || got[1] != older || got[2] != old {
			t.Errorf("expired with stale claim = %v, want [%s %s %s]", got, claimed, older, old)
		}
	})

	t.Run("closed store", func(t *testing.T) {
		st := newStore(t)
		if err := st.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := st.SaveStep(ctx, "x", 1, "n", nil); !errors.Is(err, store.ErrClosed) {
			t.Errorf("SaveStep() after Close = %v, want ErrClosed", err)
		}
		if _, err := st.LoadCheckpoint(ctx, "x"); !errors.Is(err, store.ErrClosed) {
			t.Errorf("LoadCheckpoint() after Close = %v, want ErrClosed", err)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) store.Store { return store.NewMemStore() })
}

func TestMemStore_TokenOwnership(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	now := time.Now()
	if err := st.SaveCheckpoint(ctx, checkpoint("a", "shared", now, 0)); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := st.SaveCheckpoint(ctx, checkpoint("b", "shared", now, 0)); err == nil {
		t.Error("a token must not be reused by another instance")
	}
}

func TestMemStore_CopiesState(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	cp := checkpoint("a", "tok", time.Now(), 0)
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	cp.State["score"] = 1.0

	got, _ := st.LoadCheckpoint(ctx, "tok")
	if got.State["score"] != 8.0 {
		t.Error("store must not alias caller state")
	}
}

func TestCheckpoint_Expiry(t *testing.T) {
	now := time.Now()
	cp := store.Checkpoint{CreatedAt: now, TTL: time.Hour}
	if cp.Expired(now.Add(time.Hour)) {
		t.Error("checkpoint is still valid at exactly its TTL")
	}
	if !cp.Expired(now.Add(time.Hour + time.Millisecond)) {
		t.Error("checkpoint must expire after its TTL")
	}
	forever := store.Checkpoint{CreatedAt: now}
	if forever.Expired(now.Add(1000*time.Hour)) || !forever.ExpiresAt().IsZero() {
		t.Error("zero TTL never expires")
	}
}

func fixedTime() time.Time {
	return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
}
