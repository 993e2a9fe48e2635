package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clientdesk/portal/internal/ai"
	"github.com/clientdesk/portal/internal/chat"
	"github.com/clientdesk/portal/internal/httpapi/middleware"
	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type scriptedProvider struct {
	fragments   []string
	failAfter   int
	err         error
	streamCalls int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	return strings.Join(p.fragments, ""), nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	_ = messages
	p.streamCalls++

	chunks := make(chan string, len(p.fragments)+1)
	errs := make(chan error, 1)
	n := len(p.fragments)
	if p.err != nil {
		n = p.failAfter
	}
	for _, f := range p.fragments[:n] {
		chunks <- f
	}
	if p.err != nil {
		errs <- p.err
	}
	close(errs)
	close(chunks)
	return chunks, errs
}

func newChatTestRouter(t *testing.T, prov *scriptedProvider) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	h := &Handler{
		DB:      db,
		ChatSvc: chat.NewService(chat.NewRepo(db), reg, 20),
	}

	r := gin.New()
	// stands in for AuthRequired: the test picks the user via a header
	r.Use(func(c *gin.Context) {
		if v := c.GetHeader("X-Test-User"); v != "" {
			var uid uint64
			fmt.Sscanf(v, "%d", &uid)
			c.Set(middleware.UserIDKey, uid)
		}
		c.Next()
	})
	r.POST("/api/v1/chat/stream", h.StreamChat)
	r.GET("/api/v1/chat/sessions/:session_id/messages", h.ListSessionMessages)
	return r, h
}

func postStream(r *gin.Engine, uid, sessionID, message string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"sessionId":%q,"message":%q}`, sessionID, message)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", uid)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getHistory(r *gin.Engine, uid, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/sessions/"+sessionID+"/messages", nil)
	req.Header.Set("X-Test-User", uid)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const testSessionID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

func TestStreamChat_EndToEnd(t *testing.T) {
	prov := &scriptedProvider{fragments: []string{"Hel", "lo!"}}
	r, _ := newChatTestRouter(t, prov)

	w := postStream(r, "1", testSessionID, "hi")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("expected no-cache, got %q", cc)
	}
	if got, want := w.Body.String(), "data: Hel\n\ndata: lo!\n\n"; got != want {
		t.Fatalf("unexpected SSE body:\n got: %q\nwant: %q", got, want)
	}

	// history reflects the completed turn
	hw := getHistory(r, "1", testSessionID)
	if hw.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", hw.Code)
	}
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(hw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Role != chat.RoleUser || resp.Messages[0].Content != "hi" {
		t.Fatalf("unexpected first message: %+v", resp.Messages[0])
	}
	if resp.Messages[1].Role != chat.RoleAssistant || resp.Messages[1].Content != "Hello!" {
		t.Fatalf("unexpected second message: %+v", resp.Messages[1])
	}
}

func TestStreamChat_CrossTenantRejected(t *testing.T) {
	prov := &scriptedProvider{fragments: []string{"Hel", "lo!"}}
	r, _ := newChatTestRouter(t, prov)

	// user 1 claims the session
	if w := postStream(r, "1", testSessionID, "hi"); w.Code != http.StatusOK {
		t.Fatalf("seed turn failed: %d", w.Code)
	}
	if prov.streamCalls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", prov.streamCalls)
	}

	// user 2 is rejected before any upstream call or persistence
	w := postStream(r, "2", testSessionID, "steal")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", w.Code, w.Body.String())
	}
	if prov.streamCalls != 1 {
		t.Fatalf("forbidden request must not reach the provider, calls=%d", prov.streamCalls)
	}

	hw := getHistory(r, "1", testSessionID)
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(hw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("history must be unchanged at 2 messages, got %d", len(resp.Messages))
	}

	// and user 2 cannot read it either
	if hw2 := getHistory(r, "2", testSessionID); hw2.Code != http.StatusForbidden {
		t.Fatalf("expected 403 history for non-owner, got %d", hw2.Code)
	}
}

func TestStreamChat_RejectsInvalidInput(t *testing.T) {
	prov := &scriptedProvider{fragments: []string{"x"}}
	r, _ := newChatTestRouter(t, prov)

	// malformed session id
	if w := postStream(r, "1", "not-a-uuid", "hi"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad session id, got %d", w.Code)
	}
	// empty message
	if w := postStream(r, "1", testSessionID, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", w.Code)
	}
	// over-length message
	if w := postStream(r, "1", testSessionID, strings.Repeat("a", 4001)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for over-length message, got %d", w.Code)
	}
	// no user resolved
	if w := postStream(r, "", testSessionID, "hi"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a user, got %d", w.Code)
	}
	if prov.streamCalls != 0 {
		t.Fatalf("invalid requests must not reach the provider, calls=%d", prov.streamCalls)
	}
}

func TestStreamChat_MidStreamFailureEmitsErrorFrame(t *testing.T) {
	prov := &scriptedProvider{
		fragments: []string{"par", "tial"},
		failAfter: 1,
		err:       errors.New("upstream exploded"),
	}
	r, _ := newChatTestRouter(t, prov)

	w := postStream(r, "1", testSessionID, "hi")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (headers already sent), got %d", w.Code)
	}
	body := w.Body.String()
	want := "data: par\n\ndata: [Error] The assistant is unavailable right now. Please try again.\n\n"
	if body != want {
		t.Fatalf("unexpected SSE body:\n got: %q\nwant: %q", body, want)
	}
	if strings.Contains(body, "exploded") {
		t.Fatalf("internal error detail leaked to the client: %q", body)
	}

	// the partial reply must not be persisted
	hw := getHistory(r, "1", testSessionID)
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(hw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user message after failure, got %+v", resp.Messages)
	}
}

func TestListSessionMessages_EmptyForFreshSession(t *testing.T) {
	r, _ := newChatTestRouter(t, &scriptedProvider{})

	w := getHistory(r, "1", "11111111-2222-4333-8444-555555555555")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(resp.Messages))
	}
}
