package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const listInvalidFilterCode = "documents.list.invalid_input"

type documentPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	DocType   string    `json:"doc_type"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type mirrorStatusPayload struct {
	Synced bool   `json:"synced"`
	Error  string `json:"error,omitempty"`
}

type mutationResponsePayload struct {
	documentPayload
	Mirror mirrorStatusPayload `json:"mirror"`
}

type listResponsePayload struct {
	Documents []documentPayload `json:"documents"`
}

type draftRequestPayload struct {
	Title   string `json:"title"`
	DocType string `json:"doc_type"`
	Status  string `json:"status"`
	Content string `json:"content"`
}

type patchRequestPayload struct {
	Title   *string `json:"title"`
	DocType *string `json:"doc_type"`
	Status  *string `json:"status"`
	Content *string `json:"content"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	filter := documents.Filter{
		Status:  c.Query("status"),
		DocType: c.Query("doc_type"),
		Search:  c.Query("search"),
	}
	if raw := c.Query("created_at"); raw != "" {
		day, err := documents.ParseCreatedOn(raw)
		if err != nil {
			h.logger.Info("invalid document filter",
				zap.String("user_id", c.GetString(userIDContextKey)),
				zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": listInvalidFilterCode})
			return
		}
		filter.CreatedOn = &day
	}

	found, err := h.documents.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(found))
}

func (h *httpHandler) handleFilterByStatus(c *gin.Context) {
	found, err := h.documents.FilterByStatus(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(found))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.documents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document))
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	result, err := h.documents.Create(c.Request.Context(), userID, documents.Draft{
		Title:   request.Title,
		DocType: request.DocType,
		Status:  request.Status,
		Content: request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(userID, RealtimeActionCreated, result.Document.ID)
	c.JSON(http.StatusCreated, newMutationResponse(result))
}

// handleReplaceDocument treats the body as the full document; an omitted status resets to the default.
func (h *httpHandler) handleReplaceDocument(c *gin.Context) {
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status := request.Status
	if status == "" {
		status = documents.DefaultStatus
	}
	h.applyUpdate(c, documents.Patch{
		Title:   &request.Title,
		DocType: &request.DocType,
		Status:  &status,
		Content: &request.Content,
	})
}

func (h *httpHandler) handlePatchDocument(c *gin.Context) {
	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.applyUpdate(c, documents.Patch{
		Title:   request.Title,
		DocType: request.DocType,
		Status:  request.Status,
		Content: request.Content,
	})
}

func (h *httpHandler) applyUpdate(c *gin.Context, patch documents.Patch) {
	userID := c.GetString(userIDContextKey)
	result, err := h.documents.Update(c.Request.Context(), userID, c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(userID, RealtimeActionUpdated, result.Document.ID)
	c.JSON(http.StatusOK, newMutationResponse(result))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")
	if err := h.documents.Delete(c.Request.Context(), userID, documentID); err != nil {
		h.respondError(c, err)
		return
	}
	h.publishChange(userID, RealtimeActionDeleted, documentID)
	c.Status(http.StatusNoContent)
}

// respondError maps service failures onto HTTP statuses. The service has already logged them.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	c.JSON(status, gin.H{"error": reason, "code": documents.ErrorCode(err)})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, documents.ErrInvalidTitle),
		errors.Is(err, documents.ErrInvalidDocType),
		errors.Is(err, documents.ErrInvalidStatus),
		errors.Is(err, documents.ErrInvalidCreatedOn),
		errors.Is(err, documents.ErrEmptyPatch):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) publishChange(userID, action, documentID string) {
	h.realtime.Publish(RealtimeMessage{
		UserID:      userID,
		EventType:   RealtimeEventDocumentChanged,
		Action:      action,
		DocumentIDs: []string{documentID},
		Timestamp:   time.Now().UTC(),
	})
}

func newDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		ID:        document.ID,
		Title:     document.Title,
		DocType:   document.DocType,
		Status:    document.Status,
		Content:   document.Content,
		OwnerID:   document.OwnerID,
		CreatedAt: document.CreatedAt.UTC(),
		UpdatedAt: document.UpdatedAt.UTC(),
	}
}

func newMutationResponse(result documents.MutationResult) mutationResponsePayload {
	status := mirrorStatusPayload{Synced: result.MirrorSynced()}
	if !status.Synced {
		status.Error = documents.ErrorCode(result.MirrorErr)
	}
	return mutationResponsePayload{
		documentPayload: newDocumentPayload(result.Document),
		Mirror:          status,
	}
}

func newListResponse(found []documents.Document) listResponsePayload {
	payload := listResponsePayload{Documents: make([]documentPayload, 0, len(found))}
	for _, document := range found {
		payload.Documents = append(payload.Documents, newDocumentPayload(document))
	}
	return payload
}
