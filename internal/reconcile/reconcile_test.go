package reconcile

import (
	"testing"

	"github.com/confideapp/confide/internal/model"
)

func msg(id int64, content string) model.Message {
	return model.Message{ID: id, ConversationID: 1, Content: content, Status: model.StatusSent}
}

func TestInsertIdempotent(t *testing.T) {
	once := Insert(nil, msg(101, "hi"))
	twice := Insert(once, msg(101, "hi"))

	if len(twice) != 1 {
		t.Fatalf("len = %d, want 1", len(twice))
	}
	if len(once) != len(twice) || once[0].ID != twice[0].ID {
		t.Error("inserting the same id twice must equal inserting it once")
	}
}

func TestInsertPreservesArrivalOrder(t *testing.T) {
	msgs := []model.Message{}
	// Deliberately out of timestamp order: the collection must keep
	// arrival order, never re-sort.
	for _, m := range []model.Message{
		{ID: 3, CreatedAt: 300},
		{ID: 1, CreatedAt: 100},
		{ID: 2, CreatedAt: 200},
	} {
		msgs = Insert(msgs, m)
	}
	want := []int64{3, 1, 2}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("order = %v, want %v at %d", msgs[i].ID, id, i)
		}
	}
}

func TestInsertDoesNotMutateInput(t *testing.T) {
	orig := []model.Message{msg(1, "a")}
	out := Insert(orig, msg(2, "b"))
	if len(orig) != 1 {
		t.Fatal("input slice was mutated")
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestInsertDedupByTempID(t *testing.T) {
	pending := model.Message{TempID: "tmp-1", Status: model.StatusPending}
	msgs := Insert(nil, pending)
	msgs = Insert(msgs, pending)
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
}

func TestPrependHistory(t *testing.T) {
	tail := []model.Message{msg(10, "live"), msg(11, "live2")}
	page := []model.Message{msg(1, "old"), msg(2, "old2"), msg(10, "dup")}

	out := PrependHistory(tail, page)

	want := []int64{1, 2, 10, 11}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i, id := range want {
		if out[i].ID != id {
			t.Errorf("out[%d].ID = %d, want %d", i, out[i].ID, id)
		}
	}
	// The duplicate must keep the tail's copy, not the page's.
	if out[2].Content != "live" {
		t.Errorf("dup content = %q, want live", out[2].Content)
	}
}

func TestApplyPatchContent(t *testing.T) {
	msgs := []model.Message{msg(1, "a"), msg(2, "b")}
	content := "edited"
	edited := true
	out := ApplyPatch(msgs, 2, Patch{Content: &content, IsEdited: &edited})

	if out[1].Content != "edited" || !out[1].IsEdited {
		t.Errorf("patched = %+v", out[1])
	}
	if msgs[1].Content != "b" {
		t.Error("input slice was mutated")
	}
	// Position must not change.
	if out[0].ID != 1 || out[1].ID != 2 {
		t.Error("patch must not reorder")
	}
}

func TestApplyPatchUnknownID(t *testing.T) {
	msgs := []model.Message{msg(1, "a")}
	content := "x"
	out := ApplyPatch(msgs, 99, Patch{Content: &content})
	if len(out) != 1 || out[0].Content != "a" {
		t.Error("unknown id must be ignored")
	}
}

func TestStatusMonotonicity(t *testing.T) {
	tests := []struct {
		name string
		from model.Status
		to   model.Status
		want model.Status
	}{
		{"forward step", model.StatusPending, model.StatusSent, model.StatusSent},
		{"forward collapse", model.StatusPending, model.StatusSeen, model.StatusSeen},
		{"backward rejected", model.StatusSeen, model.StatusPending, model.StatusSeen},
		{"delivered to sent rejected", model.StatusDelivered, model.StatusSent, model.StatusDelivered},
		{"pending to failed", model.StatusPending, model.StatusFailed, model.StatusFailed},
		{"sent to failed rejected", model.StatusSent, model.StatusFailed, model.StatusSent},
		{"failed is terminal", model.StatusFailed, model.StatusSent, model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := []model.Message{{ID: 1, Status: tt.from}}
			out := ApplyPatch(msgs, 1, Patch{Status: &tt.to})
			if out[0].Status != tt.want {
				t.Errorf("status = %s, want %s", out[0].Status, tt.want)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	msgs := []model.Message{msg(1, "a"), msg(2, "b"), msg(3, "c")}
	out := Remove(msgs, 2)
	if len(out) != 2 || out[0].ID != 1 || out[1].ID != 3 {
		t.Fatalf("out = %v", out)
	}
	if len(Remove(msgs, 99)) != 3 {
		t.Error("removing unknown id must be a no-op")
	}
}

func TestMarkDeletedAndVisible(t *testing.T) {
	msgs := []model.Message{msg(1, "a"), msg(2, "b")}
	out := MarkDeleted(msgs, 1)

	if len(out) != 2 {
		t.Fatal("soft delete must retain the entry")
	}
	if !out[0].IsDeleted {
		t.Fatal("entry not flagged deleted")
	}

	vis := Visible(out)
	if len(vis) != 1 || vis[0].ID != 2 {
		t.Errorf("Visible = %v", vis)
	}
}

func TestPromoteReplacesTempEntry(t *testing.T) {
	pending := model.Message{TempID: "tmp-1", Content: "hi", Status: model.StatusPending}
	msgs := Insert(nil, pending)

	echo := msg(101, "hi")
	out := Promote(msgs, "tmp-1", echo)

	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].ID != 101 || out[0].TempID != "" {
		t.Errorf("promoted = %+v", out[0])
	}
}

func TestPromoteAfterEchoAlreadyInserted(t *testing.T) {
	pending := model.Message{TempID: "tmp-1", Content: "hi", Status: model.StatusPending}
	msgs := Insert(nil, pending)
	msgs = Insert(msgs, msg(101, "hi"))

	out := Promote(msgs, "tmp-1", msg(101, "hi"))
	if len(out) != 1 || out[0].ID != 101 {
		t.Fatalf("out = %v", out)
	}
}

func TestPromoteWithoutTempEntryInserts(t *testing.T) {
	out := Promote(nil, "tmp-gone", msg(101, "hi"))
	if len(out) != 1 || out[0].ID != 101 {
		t.Fatalf("out = %v", out)
	}
}

func TestPinnedBanner(t *testing.T) {
	msgs := []model.Message{
		{ID: 1, IsPinned: true, UpdatedAt: 100},
		{ID: 2, IsPinned: true, UpdatedAt: 300},
		{ID: 3, IsPinned: false, UpdatedAt: 400},
		{ID: 4, IsPinned: true, IsDeleted: true, UpdatedAt: 500},
	}
	banner, ok := PinnedBanner(msgs)
	if !ok || banner.ID != 2 {
		t.Errorf("banner = %+v ok=%v, want id 2", banner, ok)
	}

	if _, ok := PinnedBanner(nil); ok {
		t.Error("empty collection must have no banner")
	}
}
