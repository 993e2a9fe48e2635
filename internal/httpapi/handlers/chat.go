package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clientdesk/portal/internal/chat"
	"github.com/clientdesk/portal/internal/common"
	"github.com/clientdesk/portal/internal/httpapi/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newSessionID() string { return uuid.NewString() }

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// sseSink writes raw SSE data frames. The mutex serializes fragment writes
// against the keep-alive comments.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Send(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", fragment); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendError emits the in-band error frame; the status line is long gone by
// the time a stream fails.
func (s *sseSink) sendError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: [Error] %s\n\n", msg)
	s.flusher.Flush()
}

// sendComment writes an SSE comment, invisible to the client's data stream.
func (s *sseSink) sendComment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

type streamChatReq struct {
	SessionID string `json:"sessionId" binding:"required,uuid"`
	Message   string `json:"message" binding:"required,min=1,max=4000"`
}

// StreamChat relays one chat turn over SSE. Authorization runs before any
// header is written, so ownership rejections are clean 403s and never cost an
// upstream call; once streaming starts, failures surface as in-band error
// frames.
func (h *Handler) StreamChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req streamChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "message (1-4000 chars) and sessionId (UUID) required")
		return
	}

	ctx := c.Request.Context()

	if err := h.ChatSvc.Authorize(ctx, req.SessionID, uid); err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "access denied")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	// Headers go out before the first fragment so the client starts reading
	// immediately.
	flusher.Flush()

	sink := &sseSink{w: c.Writer, flusher: flusher}

	// Comment keep-alives cover provider stalls without polluting the data
	// frames the client concatenates.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sink.sendComment("ping")
			case <-stop:
				return
			}
		}
	}()

	err := h.ChatSvc.StreamTurn(ctx, uid, req.SessionID, req.Message, sink)
	close(stop)
	if err != nil {
		if ctx.Err() != nil {
			// Client already disconnected; nobody is listening.
			return
		}
		switch {
		case errors.Is(err, chat.ErrForbidden):
			sink.sendError("Access denied")
		default:
			sink.sendError("The assistant is unavailable right now. Please try again.")
		}
	}
}

// ListSessionMessages returns the full session history, oldest first. The
// response shape is the public portal API contract, not the envelope the
// other endpoints use.
func (h *Handler) ListSessionMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	msgs, err := h.ChatSvc.History(c.Request.Context(), uid, sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "access denied")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type createSessionReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, newSessionID(), req.Provider, req.Model)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{"sessionId": sess.SessionID})
}

type sendMessageReq struct {
	SessionID string `json:"sessionId" binding:"required,uuid"`
	Message   string `json:"message" binding:"required,min=1,max=4000"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "message (1-4000 chars) and sessionId (UUID) required")
		return
	}

	reply, msgID, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "access denied")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to send message")
		return
	}

	common.OK(c, gin.H{
		"sessionId": req.SessionID,
		"reply":     reply,
		"messageId": msgID,
	})
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "message (1-4000 chars) and sessionId (UUID) required")
		return
	}

	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async chat unavailable")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	ctx := c.Request.Context()

	if err := h.ChatSvc.Authorize(ctx, req.SessionID, uid); err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "access denied")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if _, err := h.ChatSvc.EnsureSession(ctx, req.SessionID, uid); err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "access denied")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if _, _, err := h.ChatSvc.InsertUserMessageOrGetExisting(ctx, uid, req.SessionID, req.Message, idempoKeyPtr); err != nil {
		log.Printf("[chat] async user message insert failed uid=%d session=%s err=%v", uid, req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(ctx, j)
	if err != nil {
		log.Printf("[chat] create job failed uid=%d session=%s err=%v", uid, req.SessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(ctx, job.ID); err != nil {
			log.Printf("[chat] publish job failed uid=%d session=%s job=%s err=%v", uid, req.SessionID, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"jobId": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":              j.ID,
			"sessionId":       j.SessionID,
			"status":          j.Status,
			"resultMessageId": j.ResultMessageID,
			"error":           j.Error,
			"createdAt":       j.CreatedAt,
			"updatedAt":       j.UpdatedAt,
		},
	})
}
