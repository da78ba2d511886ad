package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/domain"
)

// Conflict resolution. Every inbound event, whatever path it arrived
// on, lands here and results in at most one store application. Priority
// order:
//
//  1. unknown id + insert            -> append (store dedup applies)
//  2. known id + chronologically ok  -> field merge; stale -> discard
//  3. delete of own message under own pending edit -> silent cancel
//  4. other change to message under pending edit   -> invalidate, notify
//  5. update/delete for unknown id   -> discard; a poll backfills it

func (e *Engine) resolve(ev domain.ChangeEvent) {
	if ev.ConversationKey != "" && ev.ConversationKey != e.key {
		e.logf("dropping event for foreign conversation %s", shortKey(ev.ConversationKey))
		return
	}

	switch ev.Op {
	case domain.OpInsert:
		if ev.Message == nil || ev.Message.ID == uuid.Nil {
			e.logf("dropping malformed %s insert event", ev.Source)
			return
		}
		msg := *ev.Message
		if e.store.Insert(msg) {
			e.appended(msg)
			return
		}
		// Already known: the same row observed again, possibly with
		// newer fields (a poll result after an edit). Merge instead.
		e.applyPatch(patchFromMessage(msg), ev.Source)

	case domain.OpUpdate, domain.OpDelete:
		var patch domain.Patch
		switch {
		case ev.Patch != nil:
			patch = *ev.Patch
		case ev.Message != nil:
			patch = patchFromMessage(*ev.Message)
		default:
			e.logf("dropping malformed %s %s event", ev.Source, ev.Op)
			return
		}
		if patch.MessageID == uuid.Nil {
			e.logf("dropping malformed %s %s event", ev.Source, ev.Op)
			return
		}
		if _, ok := e.store.Get(patch.MessageID); !ok {
			// Cannot update what is not present; if the row matters a
			// subsequent poll returns it whole.
			return
		}
		e.applyPatch(patch, ev.Source)

	default:
		e.logf("dropping event with unknown op %q", ev.Op)
	}
}

// applyPatch runs the pending-edit interplay, then the guarded merge.
func (e *Engine) applyPatch(patch domain.Patch, source domain.Source) {
	local, ok := e.store.Get(patch.MessageID)
	if !ok {
		return
	}

	echo := isEcho(local, patch)
	if !echo && source != domain.SourceLocal && e.pending != nil && e.pending.MessageID == patch.MessageID && mutatesBody(patch) {
		editing := e.pending.MessageID
		e.pending = nil
		if patch.DeletedAt != nil && patch.ActorID == e.cfg.SelfID {
			// The user deleted their own in-progress edit (from another
			// surface); cancel quietly.
			e.logf("pending edit of %s cancelled by own delete", editing)
		} else {
			// The message changed underneath the edit; continuing would
			// silently overwrite the newer state.
			e.notifier.EditInvalidated(editing)
		}
	}

	if !e.store.Merge(patch) && !echo {
		e.logf("discarding stale %s patch for %s", source, patch.MessageID)
	}
}

// isEcho reports whether the patch restates what is already local: the
// expected self-delivery of our own optimistic write coming back via
// broadcast, change-stream, or poll.
func isEcho(local domain.Message, patch domain.Patch) bool {
	if patch.Content != nil && *patch.Content != local.Content {
		return false
	}
	if patch.EditedAt != nil && !sameTime(patch.EditedAt, local.EditedAt) {
		return false
	}
	if patch.ReadAt != nil && !sameTime(patch.ReadAt, local.ReadAt) {
		return false
	}
	if patch.DeletedAt != nil && !sameTime(patch.DeletedAt, local.DeletedAt) {
		return false
	}
	return true
}

// mutatesBody reports whether a patch alters content or liveness, as
// opposed to a pure read receipt, which never disturbs an edit.
func mutatesBody(p domain.Patch) bool {
	return p.Content != nil || p.EditedAt != nil || p.DeletedAt != nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// patchFromMessage projects a full row into a patch, for sources that
// always carry whole messages (poll results, broadcast inserts).
func patchFromMessage(m domain.Message) domain.Patch {
	content := m.Content
	return domain.Patch{
		MessageID: m.ID,
		ActorID:   m.SenderID,
		Content:   &content,
		EditedAt:  m.EditedAt,
		ReadAt:    m.ReadAt,
		DeletedAt: m.DeletedAt,
		DeletedBy: m.DeletedBy,
	}
}
