package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/store"
)

// Forgetter releases in-memory per-tab state held outside the store.
type Forgetter interface {
	ForgetTab(tabID int64)
}

// Dropper invalidates a live stream so late chunks are ignored.
type Dropper interface {
	Drop(streamID string)
}

// TabLister fetches the current set of open tab ids, typically by asking
// the connected extension.
type TabLister func(ctx context.Context) ([]int64, error)

// Janitor reclaims tab-scoped state when tabs close and reconciles the
// store against the live tab set on a schedule. Cleanup failures are logged
// and never surfaced.
type Janitor struct {
	store     *store.Store
	forgetter Forgetter
	dropper   Dropper

	cron *cron.Cron

	mu       sync.Mutex
	deferred map[int64]struct{}
}

// New creates a janitor over the store. forgetter and dropper may be nil.
func New(st *store.Store, forgetter Forgetter, dropper Dropper) *Janitor {
	return &Janitor{
		store:     st,
		forgetter: forgetter,
		dropper:   dropper,
		deferred:  make(map[int64]struct{}),
	}
}

// OnTabRemoved purges everything keyed by the tab. During a whole-window
// close the still-open tab set is unreliable, so cleanup is deferred to the
// next reconcile instead.
func (j *Janitor) OnTabRemoved(tabID int64, windowClosing bool) {
	if windowClosing {
		j.mu.Lock()
		j.deferred[tabID] = struct{}{}
		j.mu.Unlock()
		logging.Debugf("janitor: tab %d closed with window, deferring cleanup", tabID)
		return
	}
	j.purge(tabID)
}

// Reconcile deletes tab-scoped records whose tab is absent from openTabs.
// Callers must snapshot the open tabs before calling so records created
// afterward are never torn down. Idempotent.
func (j *Janitor) Reconcile(openTabs []int64) {
	open := make(map[int64]struct{}, len(openTabs))
	for _, id := range openTabs {
		open[id] = struct{}{}
	}

	known, err := j.store.TabIDs()
	if err != nil {
		logging.Warnf("janitor: list tab ids: %v", err)
		return
	}

	removed := 0
	for _, id := range known {
		if _, ok := open[id]; ok {
			continue
		}
		j.purge(id)
		removed++
	}

	j.mu.Lock()
	j.deferred = make(map[int64]struct{})
	j.mu.Unlock()

	if removed > 0 {
		logging.Infof("janitor: reconciled, purged %d stale tab(s)", removed)
	}
}

// StartSchedule runs Reconcile on a cron schedule (e.g. "@every 10m"),
// fetching the live tab set via list each run.
func (j *Janitor) StartSchedule(schedule string, list TabLister) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		tabs, err := list(ctx)
		if err != nil {
			logging.Warnf("janitor: tab snapshot unavailable, skipping reconcile: %v", err)
			return
		}
		j.Reconcile(tabs)
	})
	if err != nil {
		return err
	}
	c.Start()
	j.cron = c
	return nil
}

// Stop halts the reconcile schedule.
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
		j.cron = nil
	}
}

func (j *Janitor) purge(tabID int64) {
	lock := j.store.TabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	if rec, err := j.store.GetSession(tabID); err == nil && rec != nil && rec.StreamID != "" {
		if j.dropper != nil {
			j.dropper.Drop(rec.StreamID)
		}
	}
	if j.forgetter != nil {
		j.forgetter.ForgetTab(tabID)
	}
	if err := j.store.PurgeTab(tabID); err != nil {
		logging.Warnf("janitor: purge tab %d: %v", tabID, err)
		return
	}
	logging.Debugf("janitor: purged tab %d", tabID)
}
