package janitor

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/pagerelay/pagerelay/internal/store"
)

type recorder struct {
	mu        sync.Mutex
	forgotten []int64
	dropped   []string
}

func (r *recorder) ForgetTab(tabID int64) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, tabID)
	r.mu.Unlock()
}

func (r *recorder) Drop(streamID string) {
	r.mu.Lock()
	r.dropped = append(r.dropped, streamID)
	r.mu.Unlock()
}

func setup(t *testing.T) (*store.Store, *Janitor, *recorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := &recorder{}
	return st, New(st, rec, rec), rec
}

func seedTab(t *testing.T, st *store.Store, tabID int64, streamID string) {
	t.Helper()
	if err := st.BeginSession(tabID, streamID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	st.PutContent(tabID, "general", "text")
	st.SetPrefs(store.TabPrefs{TabID: tabID, ExtractionEnabled: true})
}

func tabKnown(t *testing.T, st *store.Store, tabID int64) bool {
	t.Helper()
	ids, err := st.TabIDs()
	if err != nil {
		t.Fatalf("tab ids: %v", err)
	}
	for _, id := range ids {
		if id == tabID {
			return true
		}
	}
	return false
}

func TestOnTabRemovedPurgesEverything(t *testing.T) {
	st, j, rec := setup(t)
	seedTab(t, st, 1, "s1")

	j.OnTabRemoved(1, false)

	if tabKnown(t, st, 1) {
		t.Error("tab 1 records survived removal")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.forgotten) != 1 || rec.forgotten[0] != 1 {
		t.Errorf("forgotten = %v, want [1]", rec.forgotten)
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != "s1" {
		t.Errorf("dropped = %v, want [s1]", rec.dropped)
	}
}

func TestWindowCloseDefersToReconcile(t *testing.T) {
	st, j, _ := setup(t)
	seedTab(t, st, 1, "s1")

	j.OnTabRemoved(1, true)

	if !tabKnown(t, st, 1) {
		t.Fatal("window-close removal must defer cleanup")
	}

	j.Reconcile(nil)

	if tabKnown(t, st, 1) {
		t.Error("reconcile did not clean deferred tab")
	}
}

func TestReconcileKeepsOpenTabs(t *testing.T) {
	st, j, _ := setup(t)
	seedTab(t, st, 1, "s1")
	seedTab(t, st, 2, "s2")
	seedTab(t, st, 3, "s3")

	j.Reconcile([]int64{2})

	if tabKnown(t, st, 1) || tabKnown(t, st, 3) {
		t.Error("orphaned tabs survived reconcile")
	}
	if !tabKnown(t, st, 2) {
		t.Error("open tab was purged")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	st, j, rec := setup(t)
	seedTab(t, st, 1, "s1")
	seedTab(t, st, 2, "s2")

	j.Reconcile([]int64{2})

	rec.mu.Lock()
	after := len(rec.forgotten)
	rec.mu.Unlock()

	j.Reconcile([]int64{2})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.forgotten) != after {
		t.Errorf("second reconcile purged again: %v", rec.forgotten)
	}
	if !tabKnown(t, st, 2) {
		t.Error("open tab lost on second reconcile")
	}
}
