// internal/storage/purge.go
package storage

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
)

const defaultPurgeWorkers = 4

// Purger is the administrative bulk-delete: it removes every stored SMS
// message and strips the matching entries from each lead's history log,
// fanning the per-lead work across a bounded worker pool.
type Purger struct {
	store   Store
	workers int
}

// PurgeResult summarizes one purge run.
type PurgeResult struct {
	MessagesDeleted int64 `json:"messages_deleted"`
	HistoryRemoved  int64 `json:"history_removed"`
	LeadsTouched    int64 `json:"leads_touched"`
}

func NewPurger(store Store, workers int) *Purger {
	if workers <= 0 {
		workers = defaultPurgeWorkers
	}
	return &Purger{store: store, workers: workers}
}

// Run executes the purge. Message deletion happens first; a failure while
// stripping history leaves the run incomplete and a re-run finishes the job.
func (p *Purger) Run(ctx context.Context) (*PurgeResult, error) {
	deleted, err := p.store.DeleteChannelMessages(ctx, model.ChannelSMS)
	if err != nil {
		return nil, eris.Wrap(err, "purge: delete messages")
	}
	metrics.PurgedMessages.Add(float64(deleted))

	ids, err := p.store.LeadIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "purge: list leads")
	}

	var removed, touched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			n, err := p.store.StripLeadHistory(gctx, id, model.HistoryActionSMSReceived)
			if err != nil {
				return eris.Wrapf(err, "purge: strip history of lead %s", id)
			}
			if n > 0 {
				removed.Add(int64(n))
				touched.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &PurgeResult{
		MessagesDeleted: deleted,
		HistoryRemoved:  removed.Load(),
		LeadsTouched:    touched.Load(),
	}
	zap.L().Info("sms purge complete",
		zap.Int64("messages_deleted", res.MessagesDeleted),
		zap.Int64("history_removed", res.HistoryRemoved),
		zap.Int64("leads_touched", res.LeadsTouched),
	)
	return res, nil
}
