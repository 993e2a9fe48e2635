package handlers

import (
	"fmt"
	"log"
	"net/http"
	"path"

	"github.com/clientdesk/portal/internal/common"
	"github.com/clientdesk/portal/internal/docs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type uploadURLReq struct {
	FileName    string `json:"fileName" binding:"required,max=255"`
	ContentType string `json:"contentType" binding:"required,max=128"`
}

// CreateUploadURL issues a pre-signed PUT URL; the client uploads the file
// bytes straight to the bucket.
func (h *Handler) CreateUploadURL(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if h.Presigner == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "document uploads unavailable")
		return
	}

	var req uploadURLReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "fileName and contentType required")
		return
	}

	// path.Base strips any directory components smuggled into the name
	objectKey := fmt.Sprintf("uploads/%d/%s-%s", uid, uuid.NewString(), path.Base(req.FileName))

	url, err := h.Presigner.UploadURL(objectKey, req.ContentType)
	if err != nil {
		log.Printf("[docs] sign upload url failed uid=%d key=%s err=%v", uid, objectKey, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to sign upload url")
		return
	}

	doc := &docs.Document{
		UserID:      uid,
		ObjectKey:   objectKey,
		FileName:    path.Base(req.FileName),
		ContentType: req.ContentType,
	}
	if err := h.Docs.CreateDocument(c.Request.Context(), doc); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to record document")
		return
	}

	common.OK(c, gin.H{
		"uploadUrl":  url,
		"objectKey":  objectKey,
		"documentId": doc.ID,
	})
}

func (h *Handler) ListDocuments(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	out, err := h.Docs.ListDocumentsByUser(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"documents": out})
}
