// Package reconcile holds the pure merge functions that keep a
// conversation's message collection consistent under duplicate,
// out-of-order and stale events. Every function returns a fresh slice;
// inputs are never mutated, so callers can rely on identity-based
// change detection.
package reconcile

import "github.com/confideapp/confide/internal/model"

// Patch is a structural update to one message. Nil fields are left
// untouched.
type Patch struct {
	Content   *string
	Status    *model.Status
	IsPinned  *bool
	IsEdited  *bool
	IsDeleted *bool
	UpdatedAt *int64
}

// Insert appends msg unless a message with the same identity is already
// present. Arrival order is preserved; the collection is never re-sorted
// by timestamp.
func Insert(msgs []model.Message, msg model.Message) []model.Message {
	for _, m := range msgs {
		if model.SameIdentity(m, msg) {
			return msgs
		}
	}
	out := make([]model.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, msg)
}

// PrependHistory puts an older page chronologically ahead of the live
// tail. Entries already present in the tail are dropped from the page.
func PrependHistory(msgs []model.Message, page []model.Message) []model.Message {
	fresh := make([]model.Message, 0, len(page))
	for _, p := range page {
		dup := false
		for _, m := range msgs {
			if model.SameIdentity(m, p) {
				dup = true
				break
			}
		}
		if !dup {
			fresh = append(fresh, p)
		}
	}
	out := make([]model.Message, 0, len(fresh)+len(msgs))
	out = append(out, fresh...)
	return append(out, msgs...)
}

// ApplyPatch updates the message with the given server id in place in
// the order. An unknown id returns the input unchanged (stale event).
// A backward status move is ignored while the rest of the patch still
// applies.
func ApplyPatch(msgs []model.Message, id int64, p Patch) []model.Message {
	idx := indexOf(msgs, id)
	if idx < 0 {
		return msgs
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	m := out[idx]
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil && allowedTransition(m.Status, *p.Status) {
		m.Status = *p.Status
	}
	if p.IsPinned != nil {
		m.IsPinned = *p.IsPinned
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.IsDeleted != nil {
		m.IsDeleted = *p.IsDeleted
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	out[idx] = m
	return out
}

// Remove hard-removes the message with the given server id. Unknown ids
// are a no-op.
func Remove(msgs []model.Message, id int64) []model.Message {
	idx := indexOf(msgs, id)
	if idx < 0 {
		return msgs
	}
	out := make([]model.Message, 0, len(msgs)-1)
	out = append(out, msgs[:idx]...)
	return append(out, msgs[idx+1:]...)
}

// MarkDeleted soft-deletes the message with the given server id. The
// entry stays in the collection for the session and is filtered out by
// Visible.
func MarkDeleted(msgs []model.Message, id int64) []model.Message {
	deleted := true
	return ApplyPatch(msgs, id, Patch{IsDeleted: &deleted})
}

// Promote replaces the optimistic entry identified by tempID with its
// server echo, keeping its position. If the echo was already inserted
// under its server id, the temp entry is dropped instead so the
// identity never appears twice.
func Promote(msgs []model.Message, tempID string, echo model.Message) []model.Message {
	echoIdx := -1
	tempIdx := -1
	for i, m := range msgs {
		if echo.ID != 0 && m.ID == echo.ID {
			echoIdx = i
		}
		if m.TempID == tempID && m.ID == 0 {
			tempIdx = i
		}
	}
	if tempIdx < 0 {
		return Insert(msgs, echo)
	}
	if echoIdx >= 0 {
		// Echo already present under its server id: drop the temp entry.
		return withoutIndex(msgs, tempIdx)
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	echo.TempID = ""
	out[tempIdx] = echo
	return out
}

// Visible filters out soft-deleted entries for rendering.
func Visible(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsDeleted {
			out = append(out, m)
		}
	}
	return out
}

// PinnedBanner selects the most recently updated pinned message. The
// server permits several pinned messages at once; showing one is a
// display policy, not a stored invariant. Returns false when nothing
// is pinned.
func PinnedBanner(msgs []model.Message) (model.Message, bool) {
	var best model.Message
	found := false
	for _, m := range msgs {
		if m.IsPinned && !m.IsDeleted {
			if !found || m.UpdatedAt >= best.UpdatedAt {
				best = m
				found = true
			}
		}
	}
	return best, found
}

// allowedTransition enforces forward-only status movement. Skipping
// ahead is fine (pending -> seen); failed is terminal and only reachable
// from pending.
func allowedTransition(from, to model.Status) bool {
	fr, tr := model.StatusRank(from), model.StatusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	if to == model.StatusFailed {
		return from == model.StatusPending
	}
	if from == model.StatusFailed {
		return false
	}
	return tr > fr
}

func indexOf(msgs []model.Message, id int64) int {
	if id == 0 {
		return -1
	}
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func withoutIndex(msgs []model.Message, idx int) []model.Message {
	out := make([]model.Message, 0, len(msgs)-1)
	out = append(out, msgs[:idx]...)
	return append(out, msgs[idx+1:]...)
}
