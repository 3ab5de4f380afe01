package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/rest"
	"github.com/confideapp/confide/internal/status"
	"github.com/confideapp/confide/internal/store"
	"github.com/confideapp/confide/internal/wire"
)

type fakePush struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	sent    []wire.Outbound
	sendErr error
	events  chan wire.Inbound
}

func newFakePush() *fakePush {
	return &fakePush{events: make(chan wire.Inbound, 16)}
}

func (f *fakePush) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakePush) Send(cmd wire.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakePush) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePush) Events() <-chan wire.Inbound { return f.events }

func (f *fakePush) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.opened {
		return status.Closed
	}
	return status.Open
}

func (f *fakePush) sentCommands() []wire.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Outbound(nil), f.sent...)
}

type fakeAPI struct {
	mu            sync.Mutex
	conv          model.Conversation
	page          rest.MessagesPage
	sendResult    model.Message
	sendErr       error
	sendRequests  []rest.SendMessageRequest
	markReadCalls int
	unread        int
}

func (f *fakeAPI) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	return f.conv, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID int64, pageNum int) (rest.MessagesPage, error) {
	return f.page, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req rest.SendMessageRequest) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendRequests = append(f.sendRequests, req)
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	return f.unread, nil
}

type fixture struct {
	session *Session
	push    *fakePush
	api     *fakeAPI
	store   *store.Store
	clk     *clock.Fake
	bus     *bus.Bus
}

const testConvID = int64(7)

var self = model.User{ID: 1, Username: "ana"}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFake()
	b := bus.New()
	st := store.New(clk, b, zap.NewNop())
	push := newFakePush()
	api := &fakeAPI{
		conv: model.Conversation{ID: testConvID, UnreadCount: 3},
	}

	sess := NewSession(SessionConfig{
		ConversationID: testConvID,
		Self:           self,
		Store:          st,
		API:            api,
		Push:           push,
		Clock:          clk,
		Bus:            b,
		Logger:         zap.NewNop(),
	})
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(sess.Close)

	return &fixture{session: sess, push: push, api: api, store: st, clk: clk, bus: b}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenLoadsConversationAndMarksRead(t *testing.T) {
	f := newFixture(t)

	if !f.push.opened {
		t.Error("push channel was not opened")
	}
	conv, ok := f.store.Conversation(testConvID)
	if !ok {
		t.Fatal("conversation missing from store")
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread count = %d, want 0 after mark-read", conv.UnreadCount)
	}
	if f.api.markReadCalls != 1 {
		t.Errorf("mark read calls = %d, want 1", f.api.markReadCalls)
	}
}

func TestSendMessageOptimisticThenEcho(t *testing.T) {
	f := newFixture(t)

	tempID, err := f.session.SendMessage(context.Background(), "hi", 0, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := f.store.Messages(testConvID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 optimistic message, got %d", len(msgs))
	}
	if msgs[0].TempID != tempID || msgs[0].Status != model.StatusPending {
		t.Fatalf("optimistic entry = %+v", msgs[0])
	}

	cmds := f.push.sentCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if _, ok := cmds[0].(wire.SendChatMessage); !ok {
		t.Fatalf("command = %T, want SendChatMessage", cmds[0])
	}

	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID:           101,
		ConversationID: testConvID,
		Sender:       wire.Sender{ID: self.ID, Username: self.Username},
		Content:      "hi",
		Status:       "sent",
	}}

	waitFor(t, "echo promotion", func() bool {
		msgs := f.store.Messages(testConvID)
		return len(msgs) == 1 && msgs[0].ID == 101 && msgs[0].Status == model.StatusSent && msgs[0].TempID == ""
	})
}

func TestAttachmentSendNeverDuplicates(t *testing.T) {
	f := newFixture(t)
	f.api.sendResult = model.Message{
		ID: 101, ConversationID: testConvID, Sender: self,
		Content: "look", Status: model.StatusSent,
	}

	tempID, err := f.session.SendMessage(context.Background(), "look", 0,
		[]rest.AttachmentUpload{{FileName: "a.png", ContentType: "image/png", Data: []byte{1}}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tempID != "" {
		t.Error("attachment send must not create an optimistic entry")
	}

	waitFor(t, "upload result", func() bool {
		return len(f.store.Messages(testConvID)) == 1
	})

	// The broadcast of the same message must not duplicate it.
	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID:           101,
		ConversationID: testConvID,
		Sender:       wire.Sender{ID: self.ID},
		Content:      "look",
		Status:       "sent",
	}}

	time.Sleep(20 * time.Millisecond)
	msgs := f.store.Messages(testConvID)
	if len(msgs) != 1 || msgs[0].ID != 101 {
		t.Fatalf("expected exactly one message id 101, got %+v", msgs)
	}

	for _, cmd := range f.push.sentCommands() {
		if _, ok := cmd.(wire.SendChatMessage); ok {
			t.Fatal("attachment send must not go over the push channel")
		}
	}
}

func TestUploadFailurePublishesSendFailed(t *testing.T) {
	f := newFixture(t)
	f.api.sendErr = errors.New("413 too large")

	events, unsub := f.bus.Subscribe("message.", 8)
	defer unsub()

	if _, err := f.session.SendMessage(context.Background(), "big", 0,
		[]rest.AttachmentUpload{{FileName: "big.bin", Data: []byte{1}}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindMessageSendFailed {
			t.Fatalf("event kind = %s, want %s", evt.Kind, bus.KindMessageSendFailed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send-failed event")
	}
	if len(f.store.Messages(testConvID)) != 0 {
		t.Error("failed upload must not leave a store entry")
	}
}

func TestTransportSendFailureMarksPendingFailed(t *testing.T) {
	f := newFixture(t)
	f.push.sendErr = errors.New("socket closed")

	tempID, err := f.session.SendMessage(context.Background(), "hi", 0, nil)
	if err == nil {
		t.Fatal("expected send error")
	}

	msgs := f.store.Messages(testConvID)
	if len(msgs) != 1 || msgs[0].TempID != tempID || msgs[0].Status != model.StatusFailed {
		t.Fatalf("expected failed optimistic entry, got %+v", msgs)
	}
}

func TestEditUnconfirmedRejected(t *testing.T) {
	f := newFixture(t)

	if _, err := f.session.SendMessage(context.Background(), "hi", 0, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.session.EditMessage(0, "edited"); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("edit unconfirmed = %v, want ErrNotConfirmed", err)
	}
	if err := f.session.DeleteMessage(999); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("delete unknown = %v, want ErrUnknownMessage", err)
	}
}

func TestResolveTarget(t *testing.T) {
	f := newFixture(t)

	tempID, err := f.session.SendMessage(context.Background(), "hi", 0, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.session.ResolveTarget(tempID); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("temp token = %v, want ErrNotConfirmed", err)
	}
	if id, err := f.session.ResolveTarget("42"); err != nil || id != 42 {
		t.Errorf("numeric ref = (%d, %v), want (42, nil)", id, err)
	}
	if _, err := f.session.ResolveTarget("no-such-token"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("unknown ref = %v, want ErrUnknownMessage", err)
	}
}

func TestEditEventForUnknownIDIgnored(t *testing.T) {
	f := newFixture(t)

	f.push.events <- wire.MessageEdited{Message: wire.Message{
		ID: 999, ConversationID: testConvID, Content: "ghost",
	}}
	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID: 50, ConversationID: testConvID, Sender: wire.Sender{ID: 2}, Content: "real", Status: "sent",
	}}

	waitFor(t, "real message", func() bool {
		return len(f.store.Messages(testConvID)) == 1
	})
	if got := f.store.Messages(testConvID)[0].ID; got != 50 {
		t.Fatalf("message id = %d, want 50", got)
	}
}

func TestEditDeletePinNotOptimistic(t *testing.T) {
	f := newFixture(t)
	f.store.SetMessages(testConvID, []model.Message{
		{ID: 50, ConversationID: testConvID, Content: "orig", Status: model.StatusSent},
	})

	if err := f.session.EditMessage(50, "changed"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := f.session.PinMessage(50); err != nil {
		t.Fatalf("pin: %v", err)
	}

	msg := f.store.Messages(testConvID)[0]
	if msg.Content != "orig" || msg.IsPinned {
		t.Fatalf("commands applied optimistically: %+v", msg)
	}

	// Confirmation arrives; now the store changes.
	f.push.events <- wire.MessageEdited{Message: wire.Message{
		ID: 50, ConversationID: testConvID, Content: "changed", IsEdited: true,
	}}
	waitFor(t, "edit confirmation", func() bool {
		m := f.store.Messages(testConvID)[0]
		return m.Content == "changed" && m.IsEdited
	})
}

func TestTypingDebounce(t *testing.T) {
	f := newFixture(t)

	f.session.SendTyping()
	f.session.SendTyping()
	f.session.SendTyping()

	typingCount := func(want bool) int {
		n := 0
		for _, cmd := range f.push.sentCommands() {
			if st, ok := cmd.(wire.SetTyping); ok && st.IsTyping == want {
				n++
			}
		}
		return n
	}
	if got := typingCount(true); got != 1 {
		t.Fatalf("typing=true sent %d times, want 1", got)
	}

	f.clk.Advance(typingIdle)
	if got := typingCount(false); got != 1 {
		t.Fatalf("typing=false sent %d times, want 1", got)
	}

	// Latch re-armed after the idle fire.
	f.session.SendTyping()
	if got := typingCount(true); got != 2 {
		t.Fatalf("typing=true after re-arm sent %d times, want 2", got)
	}
}

func TestKeypressResetsIdleTimer(t *testing.T) {
	f := newFixture(t)

	f.session.SendTyping()
	f.clk.Advance(time.Second)
	f.session.SendTyping()
	f.clk.Advance(time.Second)

	for _, cmd := range f.push.sentCommands() {
		if st, ok := cmd.(wire.SetTyping); ok && !st.IsTyping {
			t.Fatal("idle timer fired despite refresh")
		}
	}

	f.clk.Advance(time.Second)
	found := false
	for _, cmd := range f.push.sentCommands() {
		if st, ok := cmd.(wire.SetTyping); ok && !st.IsTyping {
			found = true
		}
	}
	if !found {
		t.Fatal("typing=false never sent after idle")
	}
}

func TestInboundMessageTriggersReadReceipt(t *testing.T) {
	f := newFixture(t)

	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID: 60, ConversationID: testConvID, Sender: wire.Sender{ID: 2, Username: "bruno"},
		Content: "hello", Status: "sent",
	}}

	waitFor(t, "read receipt", func() bool {
		for _, cmd := range f.push.sentCommands() {
			if rr, ok := cmd.(wire.SendReadReceipt); ok && rr.MessageID == 60 {
				return true
			}
		}
		return false
	})
}

func TestOwnEchoNoReadReceipt(t *testing.T) {
	f := newFixture(t)

	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID: 60, ConversationID: testConvID, Sender: wire.Sender{ID: self.ID},
		Content: "mine", Status: "sent",
	}}

	waitFor(t, "own echo", func() bool {
		return len(f.store.Messages(testConvID)) == 1
	})
	for _, cmd := range f.push.sentCommands() {
		if _, ok := cmd.(wire.SendReadReceipt); ok {
			t.Fatal("read receipt sent for own message")
		}
	}
}

func TestServerErrorPublishesRejection(t *testing.T) {
	f := newFixture(t)

	events, unsub := f.bus.Subscribe("chat.", 8)
	defer unsub()

	f.push.events <- wire.ServerError{Message: "not a participant"}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindCommandRejected {
			t.Fatalf("event kind = %s, want %s", evt.Kind, bus.KindCommandRejected)
		}
		if evt.Payload != "not a participant" {
			t.Fatalf("payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection event")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newFixture(t)

	f.push.events <- wire.Unknown{Type: "reaction_added"}
	f.push.events <- wire.ChatMessage{Message: wire.Message{
		ID: 70, ConversationID: testConvID, Sender: wire.Sender{ID: 2}, Content: "after", Status: "sent",
	}}

	waitFor(t, "message after unknown event", func() bool {
		return len(f.store.Messages(testConvID)) == 1
	})
}

func TestCloseIdempotentAndStopsCommands(t *testing.T) {
	f := newFixture(t)

	f.session.Close()
	f.session.Close()

	if !f.push.closed {
		t.Error("push channel not closed")
	}
	if _, err := f.session.SendMessage(context.Background(), "late", 0, nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send after close = %v, want ErrSessionClosed", err)
	}
}

func TestReadReceiptEventAdvancesStatus(t *testing.T) {
	f := newFixture(t)
	f.store.SetMessages(testConvID, []model.Message{
		{ID: 50, ConversationID: testConvID, Status: model.StatusSent},
	})

	f.push.events <- wire.ReadReceipt{MessageID: 50, UserID: 2}

	waitFor(t, "status seen", func() bool {
		return f.store.Messages(testConvID)[0].Status == model.StatusSeen
	})
}
