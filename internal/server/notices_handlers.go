package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
)

type entityPayload struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (p *entityPayload) ref() *notices.EntityRef {
	if p == nil {
		return nil
	}
	return &notices.EntityRef{Kind: p.Kind, ID: p.ID}
}

type sendRequestPayload struct {
	Recipients []int64        `json:"recipients"`
	Label      string         `json:"label"`
	Context    map[string]any `json:"context"`
	Sender     *entityPayload `json:"sender"`
	Scope      *entityPayload `json:"scope"`
	Queue      bool           `json:"queue"`
	Now        bool           `json:"now"`
	Locale     string         `json:"locale"`
}

type deliveryPayload struct {
	UserID  int64  `json:"user_id"`
	Backend string `json:"backend"`
	Medium  int    `json:"medium"`
	Locale  string `json:"locale"`
}

type failurePayload struct {
	UserID  int64  `json:"user_id"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error"`
}

type sendResponsePayload struct {
	Mode       string            `json:"mode"`
	BatchID    int64             `json:"batch_id,omitempty"`
	Sent       bool              `json:"sent"`
	Deliveries []deliveryPayload `json:"deliveries"`
	Failures   []failurePayload  `json:"failures"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Label) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ids := make(notices.UserIDs, 0, len(request.Recipients))
	for _, raw := range request.Recipients {
		ids = append(ids, notices.UserID(raw))
	}

	ctx := c.Request.Context()
	locale := strings.TrimSpace(request.Locale)
	if locale == "" {
		locale = c.GetHeader("Accept-Language")
	}
	if locale != "" {
		if tags, _, err := language.ParseAcceptLanguage(locale); err == nil && len(tags) > 0 {
			ctx = notices.WithLocale(ctx, tags[0])
		}
	}

	result, err := h.dispatcher.Send(ctx, notices.Request{
		Recipients: ids,
		Label:      request.Label,
		Context:    request.Context,
		Sender:     request.Sender.ref(),
		Scope:      request.Scope.ref(),
	}, notices.SendOptions{Queue: request.Queue, Now: request.Now})
	if err != nil {
		h.respondError(c, "notice dispatch failed", err)
		return
	}

	response := sendResponsePayload{
		Mode:       result.Mode.String(),
		Sent:       result.Report.Sent,
		Deliveries: make([]deliveryPayload, 0, len(result.Report.Deliveries)),
		Failures:   make([]failurePayload, 0, len(result.Report.Failures)),
	}
	if result.Batch != nil {
		response.BatchID = result.Batch.ID
	}
	for _, delivery := range result.Report.Deliveries {
		response.Deliveries = append(response.Deliveries, deliveryPayload{
			UserID:  delivery.RecipientID.Int64(),
			Backend: delivery.Backend,
			Medium:  delivery.MediumID,
			Locale:  delivery.Locale.String(),
		})
	}
	for _, failure := range result.Report.Failures {
		response.Failures = append(response.Failures, failurePayload{
			UserID:  failure.RecipientID.Int64(),
			Backend: failure.Backend,
			Error:   failure.Err.Error(),
		})
	}
	status := http.StatusOK
	if result.Mode == notices.ModeQueue {
		status = http.StatusAccepted
	}
	c.JSON(status, response)
}

type noticeTypePayload struct {
	Label       string `json:"label"`
	Display     string `json:"display"`
	Description string `json:"description"`
	Default     int    `json:"default"`
}

func toNoticeTypePayload(noticeType notices.NoticeType) noticeTypePayload {
	return noticeTypePayload{
		Label:       noticeType.Label,
		Display:     noticeType.Display,
		Description: noticeType.Description,
		Default:     noticeType.Default,
	}
}

type putNoticeTypeRequest struct {
	Display     string `json:"display"`
	Description string `json:"description"`
	Default     *int   `json:"default"`
}

func (h *httpHandler) handlePutNoticeType(c *gin.Context) {
	var request putNoticeTypeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noticeType, outcome, err := h.catalog.Create(c.Request.Context(), notices.NoticeTypeDefinition{
		Label:       c.Param("label"),
		Display:     request.Display,
		Description: request.Description,
		Default:     request.Default,
	})
	if err != nil {
		h.respondError(c, "notice type upsert failed", err)
		return
	}
	status := http.StatusOK
	if outcome == notices.CreateOutcomeCreated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"notice_type": toNoticeTypePayload(noticeType), "outcome": string(outcome)})
}

func (h *httpHandler) handleListNoticeTypes(c *gin.Context) {
	noticeTypes, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "notice type listing failed", err)
		return
	}
	payload := make([]noticeTypePayload, 0, len(noticeTypes))
	for _, noticeType := range noticeTypes {
		payload = append(payload, toNoticeTypePayload(noticeType))
	}
	c.JSON(http.StatusOK, gin.H{"notice_types": payload})
}

func (h *httpHandler) handleClearScope(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	removed, err := h.settings.ClearScope(c.Request.Context(), notices.EntityRef{Kind: c.Param("kind"), ID: id})
	if err != nil {
		h.respondError(c, "scope cleanup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type statPayload struct {
	Label      string `json:"label"`
	Medium     string `json:"medium"`
	Deliveries int64  `json:"deliveries"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stats_disabled"})
		return
	}
	since := time.Time{}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}
	rows, err := h.stats.Summary(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, "stats summary failed", err)
		return
	}
	payload := make([]statPayload, 0, len(rows))
	for _, row := range rows {
		name := strconv.Itoa(row.Medium)
		if medium, ok := h.mediums.Lookup(row.Medium); ok {
			name = medium.Name
		}
		payload = append(payload, statPayload{Label: row.Label, Medium: name, Deliveries: row.Deliveries})
	}
	c.JSON(http.StatusOK, gin.H{"stats": payload})
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	setting, err := h.settings.UnsubscribeByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondError(c, "unsubscribe failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsubscribed": !setting.Send})
}
