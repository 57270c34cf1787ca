package store

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ngassam/vendabot/pkg/logger"
)

const reconcileComponent = "reconcile"

// Reconcile collapses duplicate conversations created by racing
// find-or-create calls. For each (owner, normalized address) with
// more than one durable record, the oldest-created record is kept,
// all messages are re-parented onto it interleaved by creation time,
// and the superseded shells are removed. Safe to run concurrently
// with traffic: it moves messages and deletes merged shells, never
// mutates message content. Returns the number of groups merged.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	groups, err := s.durable.DuplicateGroups(ctx)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, group := range groups {
		canonical := group[0]
		duplicates := group[1:]
		if err := s.durable.MergeConversations(ctx, canonical, duplicates); err != nil {
			logger.ErrorCF(reconcileComponent, "merge failed", map[string]interface{}{
				"canonical": canonical, "error": err.Error(),
			})
			continue
		}
		for _, dup := range duplicates {
			if s.cache.Rebind(dup, canonical) {
				break
			}
		}
		if maxSeq, seqErr := s.durable.MaxSeq(ctx, canonical); seqErr == nil {
			s.cache.BumpSeq(canonical, maxSeq)
		}
		merged++
		logger.InfoCF(reconcileComponent, "merged duplicate conversations", map[string]interface{}{
			"canonical": canonical, "duplicates": len(duplicates),
		})
	}
	return merged, nil
}

// Reconciler runs the merge pass on a cron schedule.
type Reconciler struct {
	store    *Store
	schedule string
	gron     *gronx.Gronx
}

func NewReconciler(store *Store, schedule string) *Reconciler {
	return &Reconciler{store: store, schedule: schedule, gron: gronx.New()}
}

// Start blocks until ctx is cancelled, checking the schedule once a
// minute. A pass that overruns the minute simply delays the next
// check; passes never overlap.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.InfoCF(reconcileComponent, "reconciler started", map[string]interface{}{
		"schedule": r.schedule,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(r.schedule, time.Now())
			if err != nil {
				logger.ErrorCF(reconcileComponent, "invalid schedule", map[string]interface{}{
					"schedule": r.schedule, "error": err.Error(),
				})
				return
			}
			if !due {
				continue
			}
			if _, err := r.store.Reconcile(ctx); err != nil {
				logger.ErrorCF(reconcileComponent, "reconcile pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
