package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/clientdesk/portal/internal/ai"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeStreamProvider emits a fixed fragment sequence. With err set it fails
// after failAfter fragments; with hang set it stalls until ctx cancellation.
type fakeStreamProvider struct {
	fragments []string
	failAfter int
	err       error
	hang      bool

	streamCalls int
	last        []ai.Message
}

func (p *fakeStreamProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	p.last = append([]ai.Message(nil), messages...)
	return strings.Join(p.fragments, ""), nil
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.streamCalls++
	p.last = append([]ai.Message(nil), messages...)

	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		n := len(p.fragments)
		if p.err != nil {
			n = p.failAfter
		}
		for i := 0; i < n; i++ {
			select {
			case chunks <- p.fragments[i]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.hang {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if p.err != nil {
			errs <- p.err
		}
	}()

	return chunks, errs
}

type collectSink struct {
	frames     []string
	failAfter  int
	onFragment func(n int)
}

func (s *collectSink) Send(fragment string) error {
	s.frames = append(s.frames, fragment)
	if s.onFragment != nil {
		s.onFragment(len(s.frames))
	}
	if s.failAfter > 0 && len(s.frames) >= s.failAfter {
		return errors.New("client gone")
	}
	return nil
}

func newTestService(t *testing.T, prov *fakeStreamProvider) (*Service, *Repo) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	return NewService(repo, reg, 20), repo
}

func sessionMessages(t *testing.T, repo *Repo, sessionID string) []Message {
	t.Helper()
	msgs, err := repo.ListSessionMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func TestEnsureSession_Idempotent(t *testing.T) {
	svc, repo := newTestService(t, &fakeStreamProvider{})
	sid := uuid.NewString()

	first, err := svc.EnsureSession(context.Background(), sid, 1)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := svc.EnsureSession(context.Background(), sid, 1)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.UserID != 1 || second.UserID != 1 {
		t.Fatalf("unexpected owners: %d, %d", first.UserID, second.UserID)
	}

	var cnt int64
	if err := repo.db.Model(&Session{}).Where("session_id = ?", sid).Count(&cnt).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected exactly 1 session record, got %d", cnt)
	}
}

func TestAuthorize_Symmetry(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})
	sid := uuid.NewString()

	// nonexistent session: any authenticated user may become its first owner
	if err := svc.Authorize(context.Background(), sid, 7); err != nil {
		t.Fatalf("expected nonexistent session to be permitted, got %v", err)
	}

	if _, err := svc.EnsureSession(context.Background(), sid, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := svc.Authorize(context.Background(), sid, 1); err != nil {
		t.Fatalf("owner must be permitted, got %v", err)
	}

	err := svc.Authorize(context.Background(), sid, 2)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
	var fe *ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *ForbiddenError, got %T", err)
	}
	if fe.SessionID != sid || fe.OwnerID != 1 || fe.RequesterID != 2 {
		t.Fatalf("wrong audit payload: %+v", fe)
	}
}

func TestStreamTurn_PersistsExactConcatenation(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"Hel", "lo!"}}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	sink := &collectSink{}
	if err := svc.StreamTurn(context.Background(), 1, sid, "hi", sink); err != nil {
		t.Fatalf("stream turn: %v", err)
	}

	if len(sink.frames) != 2 || sink.frames[0] != "Hel" || sink.frames[1] != "lo!" {
		t.Fatalf("unexpected forwarded frames: %v", sink.frames)
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hi" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "Hello!" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestStreamTurn_EmptyStreamPersistsEmptyAssistant(t *testing.T) {
	prov := &fakeStreamProvider{fragments: nil}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	sink := &collectSink{}
	if err := svc.StreamTurn(context.Background(), 1, sid, "hi", sink); err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if len(sink.frames) != 0 {
		t.Fatalf("expected no frames, got %v", sink.frames)
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "" {
		t.Fatalf("expected empty assistant message, got role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestStreamTurn_UpstreamFailureLeavesNoPartialAssistant(t *testing.T) {
	boom := errors.New("upstream exploded")
	prov := &fakeStreamProvider{fragments: []string{"par", "tial", "never"}, failAfter: 2, err: boom}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	sink := &collectSink{}
	err := svc.StreamTurn(context.Background(), 1, sid, "hi", sink)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the upstream error unchanged, got %v", err)
	}

	if len(sink.frames) != 2 {
		t.Fatalf("expected 2 forwarded frames before failure, got %v", sink.frames)
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d messages", len(msgs))
	}
	if msgs[0].Role != RoleUser {
		t.Fatalf("expected user message, got role=%q", msgs[0].Role)
	}
}

func TestStreamTurn_CancelDiscardsPartial(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"par"}, hang: true}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{onFragment: func(n int) {
		if n == 1 {
			cancel()
		}
	}}

	err := svc.StreamTurn(ctx, 1, sid, "hi", sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message after cancel, got %d messages", len(msgs))
	}
}

func TestStreamTurn_SinkFailureAbandonsTurn(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"a", "b", "c"}}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	sink := &collectSink{failAfter: 1}
	if err := svc.StreamTurn(context.Background(), 1, sid, "hi", sink); err == nil {
		t.Fatalf("expected sink failure to abort the turn")
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message after sink failure, got %d messages", len(msgs))
	}
}

func TestStreamTurn_ForbiddenForNonOwner(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"x"}}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	if _, err := svc.EnsureSession(context.Background(), sid, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	sink := &collectSink{}
	err := svc.StreamTurn(context.Background(), 2, sid, "hi", sink)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if prov.streamCalls != 0 {
		t.Fatalf("provider must not be called for a forbidden turn")
	}
	if msgs := sessionMessages(t, repo, sid); len(msgs) != 0 {
		t.Fatalf("no message may be persisted for a forbidden turn, got %d", len(msgs))
	}
}

func TestHistory_EmptyForFreshSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})

	msgs, err := svc.History(context.Background(), 1, uuid.NewString())
	if err != nil {
		t.Fatalf("history for fresh session must not error, got %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty non-nil history, got %v", msgs)
	}
}

func TestHistory_ForbiddenForNonOwner(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamProvider{})
	sid := uuid.NewString()

	if _, err := svc.EnsureSession(context.Background(), sid, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := svc.History(context.Background(), 2, sid); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"ok"}}
	svc, repo := newTestService(t, prov)
	sid := uuid.NewString()

	reply, assistantID, err := svc.SendMessage(context.Background(), 1, sid, "Hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if assistantID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}

	msgs := sessionMessages(t, repo, sid)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "ok" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	prov := &fakeStreamProvider{fragments: []string{"ok"}}
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	window := 3
	svc := NewService(repo, reg, window)
	sid := uuid.NewString()

	if _, err := svc.EnsureSession(context.Background(), sid, 2); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// seed history: 5 messages already present
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: sid,
			UserID:    2,
			Role:      role,
			Content:   "seed",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	if _, _, err := svc.SendMessage(context.Background(), 2, sid, "new"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}
	last := prov.last[len(prov.last)-1]
	if last.Role != RoleUser || last.Content != "new" {
		t.Fatalf("expected last provider msg to be the new user msg, got role=%q content=%q",
			last.Role, last.Content)
	}
}
