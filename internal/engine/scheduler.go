package engine

import (
	"context"
	"time"

	"github.com/justinron31/over/internal/domain"
)

// Periodic sync. The poll timer drives catch-up fetches past the local
// watermark, LoadMore pages backward through history, and the health
// timer keeps the transport honest. All three are owned by the engine's
// loop and die with it; nothing survives a conversation switch.

// startInitialLoad fetches the newest page. A conversation switch
// cancels ctx, so a stale response can never overwrite a newer
// conversation's state.
func (e *Engine) startInitialLoad(ctx context.Context) {
	e.post(func() {
		if e.paginating {
			return
		}
		e.paginating = true
		self, peer, limit := e.cfg.SelfID, e.cfg.PeerID, e.cfg.PageSize
		go func() {
			msgs, err := e.transport.FetchBefore(ctx, self, peer, nil, limit)
			e.post(func() {
				e.paginating = false
				if err != nil {
					if ctx.Err() == nil {
						e.logf("initial load failed: %v", err)
						e.notifier.LoadFailed("initial", err)
					}
					return
				}
				e.store.Prepend(msgs)
			})
		}()
	})
}

// pollOnce fetches everything newer than the local watermark. Runs on
// the loop; skipped while a pagination load or a previous poll is in
// flight. An unchanged watermark fetches nothing, so repeated polls at
// the same position are no-ops.
func (e *Engine) pollOnce(ctx context.Context) {
	if e.polling || e.paginating {
		return
	}
	after, _ := e.store.NewestCreatedAt()
	e.polling = true
	self, peer := e.cfg.SelfID, e.cfg.PeerID
	go func() {
		msgs, err := e.transport.FetchAfter(ctx, self, peer, after, maxPollBatch)
		e.post(func() {
			e.polling = false
			if err != nil {
				if ctx.Err() == nil {
					e.logf("poll failed: %v", err)
					e.notifier.LoadFailed("poll", err)
				}
				return
			}
			now := e.clock()
			for i := range msgs {
				e.resolve(domain.ChangeEvent{
					Op:              domain.OpInsert,
					Source:          domain.SourcePoll,
					ConversationKey: e.key,
					Message:         &msgs[i],
					ObservedAt:      now,
				})
			}
		})
	}()
}

// LoadMore pages one screen further back into history, triggered by the
// UI's scroll-to-top signal. Returns how many messages were actually
// added; 0 means no more history, and the caller must not adjust scroll
// position.
func (e *Engine) LoadMore(ctx context.Context) (int, error) {
	type result struct {
		n   int
		err error
	}
	resc := make(chan result, 1)

	ok := e.post(func() {
		if e.paginating {
			resc <- result{0, ErrLoadInFlight}
			return
		}
		before, has := e.store.OldestCreatedAt()
		var cursor *time.Time
		if has {
			cursor = &before
		}
		e.paginating = true
		self, peer, limit := e.cfg.SelfID, e.cfg.PeerID, e.cfg.PageSize
		go func() {
			msgs, err := e.transport.FetchBefore(ctx, self, peer, cursor, limit)
			e.post(func() {
				e.paginating = false
				if err != nil {
					e.notifier.LoadFailed("history", err)
					resc <- result{0, err}
					return
				}
				resc <- result{e.store.Prepend(msgs), nil}
			})
		}()
	})
	if !ok {
		return 0, ErrClosed
	}

	select {
	case r := <-resc:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.done:
		return 0, ErrClosed
	}
}
