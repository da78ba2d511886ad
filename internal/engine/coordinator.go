package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/pkg/validator"
)

// Optimistic write coordination: send, edit, and delete apply to the
// local store immediately, go out on the broadcast path for
// same-instant peer delivery, then submit to the durable path. On
// submission failure the optimistic mutation is rolled back. Each
// asynchronous submission captures an immutable snapshot of the ids and
// state it needs at invocation time; nothing is read back from engine
// state after the fact.

// Send validates and sends a new message. The message appears in the
// timeline immediately; if the durable submission ultimately fails the
// message is removed again and SendFailed restores the draft.
func (e *Engine) Send(ctx context.Context, content string) error {
	if errs := validator.MessageContent(content); errs.HasErrors() {
		return errs
	}
	var err error
	if cerr := e.call(ctx, func() { err = e.send(ctx, content) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) send(ctx context.Context, content string) error {
	msg := domain.Message{
		ID:         uuid.New(),
		SenderID:   e.cfg.SelfID,
		ReceiverID: e.cfg.PeerID,
		Content:    content,
		CreatedAt:  e.clock().UTC(),
	}
	e.store.Insert(msg)
	e.appended(msg)
	go e.submitSend(ctx, msg)
	return nil
}

func (e *Engine) submitSend(ctx context.Context, msg domain.Message) {
	ev := domain.ChangeEvent{
		Op:              domain.OpInsert,
		Source:          domain.SourceLocal,
		ConversationKey: e.key,
		Message:         &msg,
		ObservedAt:      msg.CreatedAt,
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		// Broadcast is best-effort; the durable path is authoritative
		// and the change-stream fills the peer in.
		e.logf("broadcast of send %s failed: %v", msg.ID, err)
	}
	if err := e.transport.Insert(ctx, msg); err != nil {
		e.logf("durable send %s failed: %v", msg.ID, err)
		e.post(func() {
			e.store.Remove(msg.ID)
			e.notifier.SendFailed(msg.Content, err)
		})
	}
}

// BeginEdit opens the single pending edit slot for one of the user's
// own messages. The draft starts as the current content.
func (e *Engine) BeginEdit(ctx context.Context, id uuid.UUID) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.beginEdit(id) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) beginEdit(id uuid.UUID) error {
	if e.pending != nil {
		return ErrEditInProgress
	}
	msg, ok := e.store.Get(id)
	if !ok {
		return ErrMessageUnknown
	}
	if msg.SenderID != e.cfg.SelfID {
		return ErrNotOwnMessage
	}
	if msg.Deleted() {
		return ErrMessageDeleted
	}
	e.pending = &domain.PendingEdit{MessageID: id, Draft: msg.Content}
	return nil
}

// UpdateDraft replaces the pending edit's draft text as the user types.
func (e *Engine) UpdateDraft(ctx context.Context, draft string) error {
	var err error
	if cerr := e.call(ctx, func() {
		if e.pending == nil {
			err = ErrNoPendingEdit
			return
		}
		e.pending.Draft = draft
	}); cerr != nil {
		return cerr
	}
	return err
}

// CancelEdit drops the pending edit without touching the message.
func (e *Engine) CancelEdit(ctx context.Context) error {
	return e.call(ctx, func() { e.pending = nil })
}

// SubmitEdit applies the edited content optimistically, clears the
// pending edit, and submits the update scoped by {message id, self}.
// On remote failure the message is rolled back to its pre-edit snapshot
// and the pending edit is restored so the user can retry.
func (e *Engine) SubmitEdit(ctx context.Context, content string) error {
	if errs := validator.MessageContent(content); errs.HasErrors() {
		return errs
	}
	var err error
	if cerr := e.call(ctx, func() { err = e.submitEdit(ctx, content) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) submitEdit(ctx context.Context, content string) error {
	if e.pending == nil {
		return ErrNoPendingEdit
	}
	snapshot, ok := e.store.Get(e.pending.MessageID)
	if !ok {
		e.pending = nil
		return ErrMessageUnknown
	}

	now := e.clock().UTC()
	patch := domain.Patch{
		MessageID: snapshot.ID,
		ActorID:   e.cfg.SelfID,
		Content:   &content,
		EditedAt:  &now,
	}
	e.store.Merge(patch)
	e.pending = nil
	go e.submitUpdate(ctx, snapshot, patch, domain.OpUpdate)
	return nil
}

// Delete soft-deletes one of the user's own messages, permitted only
// while the message is younger than the configured recency window.
// Outside the window nothing is mutated.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.deleteMessage(ctx, id) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) deleteMessage(ctx context.Context, id uuid.UUID) error {
	snapshot, ok := e.store.Get(id)
	if !ok {
		return ErrMessageUnknown
	}
	if snapshot.SenderID != e.cfg.SelfID {
		return ErrNotOwnMessage
	}
	if snapshot.Deleted() {
		return nil
	}
	if e.clock().Sub(snapshot.CreatedAt) > e.cfg.DeleteWindow {
		return ErrDeleteWindowExpired
	}

	now := e.clock().UTC()
	self := e.cfg.SelfID
	patch := domain.Patch{
		MessageID: id,
		ActorID:   self,
		DeletedAt: &now,
		DeletedBy: &self,
	}
	e.store.Merge(patch)
	if e.pending != nil && e.pending.MessageID == id {
		// Deleting a message mid-edit cancels the edit quietly.
		e.pending = nil
	}
	go e.submitUpdate(ctx, snapshot, patch, domain.OpDelete)
	return nil
}

// submitUpdate pushes an edit or delete patch out on both outbound
// paths and rolls the store back to the captured snapshot on durable
// failure.
func (e *Engine) submitUpdate(ctx context.Context, snapshot domain.Message, patch domain.Patch, op domain.Op) {
	ev := domain.ChangeEvent{
		Op:              op,
		Source:          domain.SourceLocal,
		ConversationKey: e.key,
		Patch:           &patch,
		ObservedAt:      e.clock().UTC(),
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		e.logf("broadcast of %s %s failed: %v", op, patch.MessageID, err)
	}
	if err := e.transport.Update(ctx, patch); err != nil {
		e.logf("durable %s %s failed: %v", op, patch.MessageID, err)
		e.post(func() { e.rollbackUpdate(snapshot, patch, op, err) })
	}
}

func (e *Engine) rollbackUpdate(snapshot domain.Message, patch domain.Patch, op domain.Op, cause error) {
	e.store.Replace(snapshot)
	switch op {
	case domain.OpUpdate:
		if e.pending == nil && patch.Content != nil {
			e.pending = &domain.PendingEdit{MessageID: snapshot.ID, Draft: *patch.Content}
		}
		e.notifier.EditFailed(snapshot.ID, cause)
	case domain.OpDelete:
		e.notifier.DeleteFailed(snapshot.ID, cause)
	}
}

// MarkRead records that the peer's message was viewed, flowing as an
// ordinary patch through the same paths as any other update.
func (e *Engine) MarkRead(ctx context.Context, id uuid.UUID) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.markRead(ctx, id) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) markRead(ctx context.Context, id uuid.UUID) error {
	msg, ok := e.store.Get(id)
	if !ok {
		return ErrMessageUnknown
	}
	if msg.SenderID == e.cfg.SelfID || msg.ReadAt != nil {
		return nil
	}
	now := e.clock().UTC()
	patch := domain.Patch{MessageID: id, ActorID: e.cfg.SelfID, ReadAt: &now}
	e.store.Merge(patch)
	go func() {
		ev := domain.ChangeEvent{
			Op:              domain.OpUpdate,
			Source:          domain.SourceLocal,
			ConversationKey: e.key,
			Patch:           &patch,
			ObservedAt:      now,
		}
		if err := e.transport.Publish(ctx, ev); err != nil {
			e.logf("broadcast of read receipt %s failed: %v", id, err)
		}
		if err := e.transport.Update(ctx, patch); err != nil {
			// Read receipts are not rolled back; the next view retries.
			e.logf("read receipt %s failed: %v", id, err)
		}
	}()
	return nil
}
