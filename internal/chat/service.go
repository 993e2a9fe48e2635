package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/clientdesk/portal/internal/ai"
	"gorm.io/gorm"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

// StreamSink receives fragments as they arrive from the provider. Send may
// block on client backpressure; a Send error means the client is gone and the
// turn should be abandoned.
type StreamSink interface {
	Send(fragment string) error
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{repo: repo, registry: registry, contextWindowSize: contextWindowSize}
}

// authorizeOwner is the pure ownership decision.
func authorizeOwner(sess *Session, userID uint64) error {
	if sess.UserID != userID {
		return &ForbiddenError{SessionID: sess.SessionID, OwnerID: sess.UserID, RequesterID: userID}
	}
	return nil
}

// Authorize decides whether userID may use sessionID. A session id nobody has
// claimed yet is permitted: the requester becomes its first owner on use.
// Infrastructure errors pass through unchanged and never read as forbidden.
func (s *Service) Authorize(ctx context.Context, sessionID string, userID uint64) error {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := authorizeOwner(sess, userID); err != nil {
		var fe *ForbiddenError
		if errors.As(err, &fe) {
			log.Printf("[chat] forbidden session=%s owner=%d requester=%d",
				fe.SessionID, fe.OwnerID, fe.RequesterID)
		}
		return err
	}
	return nil
}

// EnsureSession creates the session on first use and is a no-op afterwards.
// Two racing first-use requests may both miss the existence check; the unique
// index on session_id arbitrates, and the loser refetches the winner's row.
func (s *Service) EnsureSession(ctx context.Context, sessionID string, userID uint64) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err == nil {
		if aerr := authorizeOwner(sess, userID); aerr != nil {
			return nil, aerr
		}
		return sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sess = &Session{
		SessionID: sessionID,
		UserID:    userID,
		Provider:  defaultProvider,
		Model:     defaultModel,
	}
	if cerr := s.repo.CreateSession(ctx, sess); cerr != nil {
		// Most likely a lost create race; whoever won owns the row now.
		existing, gerr := s.repo.GetSessionBySessionID(ctx, sessionID)
		if gerr == nil {
			if aerr := authorizeOwner(existing, userID); aerr != nil {
				return nil, aerr
			}
			return existing, nil
		}
		return nil, cerr
	}
	return sess, nil
}

// CreateSession makes a server-generated session explicitly (the lazy path in
// EnsureSession remains the primary one for streaming).
func (s *Service) CreateSession(ctx context.Context, userID uint64, sessionID, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	session := &Session{
		SessionID: sessionID,
		UserID:    userID,
		Provider:  provider,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// providerContext builds the prompt window from recent history in ASC order.
func (s *Service) providerContext(ctx context.Context, userID uint64, sessionID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

// StreamTurn runs one streamed chat turn: ensure the session exists, persist
// the user message, relay provider fragments to sink while accumulating them,
// and persist exactly one assistant message once the stream drains.
//
// The accumulator has a single owner (this goroutine) and sees every fragment
// exactly once, so the persisted content is the exact concatenation in arrival
// order. An upstream failure or a cancelled client discards the partial
// accumulator; no partial assistant message is ever written. An empty stream
// is a success and persists an empty assistant message.
func (s *Service) StreamTurn(ctx context.Context, userID uint64, sessionID, content string, sink StreamSink) error {
	sess, err := s.EnsureSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return err
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		return ErrStreamingUnsupported
	}

	// The user message must be durable before the first fragment is pulled.
	userMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return err
	}

	history, err := s.providerContext(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	chunks, errs := sp.StreamChat(ctx, history)

	var (
		acc       strings.Builder
		fragments int
		start     = time.Now()
	)

relay:
	for {
		select {
		case frag, open := <-chunks:
			if !open {
				break relay
			}
			acc.WriteString(frag)
			fragments++
			if serr := sink.Send(frag); serr != nil {
				log.Printf("[chat] relay aborted session=%s fragments=%d chars=%d err=%v",
					sessionID, fragments, acc.Len(), serr)
				return serr
			}
		case <-ctx.Done():
			// Client disconnected: stop pulling and drop the partial reply.
			log.Printf("[chat] stream canceled session=%s elapsed=%s fragments=%d chars=%d",
				sessionID, time.Since(start), fragments, acc.Len())
			return ctx.Err()
		}
	}

	// Providers close errs before chunks, so a buffered failure is always
	// readable here; a clean end yields nil from the closed channel.
	if uerr := <-errs; uerr != nil {
		log.Printf("[chat] upstream stream failed session=%s elapsed=%s fragments=%d chars=%d err=%v",
			sessionID, time.Since(start), fragments, acc.Len(), uerr)
		return uerr
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   acc.String(),
	}
	return s.repo.InsertMessage(ctx, assistantMsg)
}

// History lists a session's messages oldest first. A session nobody created
// yet is an empty history, not an error.
func (s *Service) History(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	if err := s.Authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListSessionMessages(ctx, sessionID)
}

// SendMessage is the synchronous, non-streaming turn.
func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID, content string) (string, uint64, error) {
	sess, err := s.EnsureSession(ctx, sessionID, userID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	userMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return "", 0, err
	}

	history, err := s.providerContext(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, history)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.ID, nil
}

func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID, content string, key *string) (*Message, bool, error) {
	return s.repo.InsertUserMessageOrGetExisting(ctx, userID, sessionID, content, key)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

// GenerateAssistantReply produces and persists the assistant turn for an
// already-written user message; used by the async job worker.
func (s *Service) GenerateAssistantReply(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	if aerr := authorizeOwner(sess, userID); aerr != nil {
		return "", 0, aerr
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	history, err := s.providerContext(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, history)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.ID, nil
}
