package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/inbox"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	inboxEventEntry     = "notice"
	inboxEventHeartbeat = "heartbeat"
)

type profileRequestPayload struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	PushKey     string `json:"push_key"`
}

func (h *httpHandler) handlePutProfile(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.users.Upsert(c.Request.Context(), users.ProfileInput{
		ID:          userID.Int64(),
		Email:       request.Email,
		DisplayName: request.DisplayName,
		Language:    request.Language,
		PushKey:     request.PushKey,
	})
	if err != nil {
		h.respondError(c, "profile upsert failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           profile.ID,
		"email":        profile.Email,
		"display_name": profile.DisplayName,
		"language":     profile.Language,
	})
}

type settingPayload struct {
	Label          string             `json:"label"`
	Medium         string             `json:"medium"`
	Scope          *notices.EntityRef `json:"scope,omitempty"`
	Send           bool               `json:"send"`
	UnsubscribeKey string             `json:"unsubscribe_key"`
}

func (h *httpHandler) toSettingPayload(setting notices.NoticeSetting, label string) settingPayload {
	name := strconv.Itoa(setting.Medium)
	if medium, ok := h.mediums.Lookup(setting.Medium); ok {
		name = medium.Name
	}
	return settingPayload{
		Label:          label,
		Medium:         name,
		Scope:          setting.Scope(),
		Send:           setting.Send,
		UnsubscribeKey: setting.Key,
	}
}

func (h *httpHandler) handleListSettings(c *gin.Context) {
	userID, _ := parseUserID(c)
	settings, err := h.settings.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "setting listing failed", err)
		return
	}
	noticeTypes, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "notice type listing failed", err)
		return
	}
	labels := make(map[int64]string, len(noticeTypes))
	for _, noticeType := range noticeTypes {
		labels[noticeType.ID] = noticeType.Label
	}
	payload := make([]settingPayload, 0, len(settings))
	for _, setting := range settings {
		payload = append(payload, h.toSettingPayload(setting, labels[setting.NoticeTypeID]))
	}
	c.JSON(http.StatusOK, gin.H{"settings": payload})
}

// settingTarget resolves the path and query of a single-setting request.
func (h *httpHandler) settingTarget(c *gin.Context) (notices.UserID, notices.NoticeType, notices.Medium, *notices.EntityRef, bool) {
	userID, _ := parseUserID(c)
	noticeType, err := h.catalog.Lookup(c.Request.Context(), c.Param("label"))
	if err != nil {
		h.respondError(c, "notice type lookup failed", err)
		return 0, notices.NoticeType{}, notices.Medium{}, nil, false
	}
	rawMedium := c.Param("medium")
	medium, found := h.mediums.LookupName(rawMedium)
	if !found {
		if id, err := strconv.Atoi(rawMedium); err == nil {
			medium, found = h.mediums.Lookup(id)
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_medium"})
		return 0, notices.NoticeType{}, notices.Medium{}, nil, false
	}
	var scope *notices.EntityRef
	if kind := strings.TrimSpace(c.Query("scope_kind")); kind != "" {
		id, err := strconv.ParseInt(c.Query("scope_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
			return 0, notices.NoticeType{}, notices.Medium{}, nil, false
		}
		ref, err := notices.NewEntityRef(kind, id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
			return 0, notices.NoticeType{}, notices.Medium{}, nil, false
		}
		scope = &ref
	}
	return userID, noticeType, medium, scope, true
}

func (h *httpHandler) handleGetSetting(c *gin.Context) {
	userID, noticeType, medium, scope, ok := h.settingTarget(c)
	if !ok {
		return
	}
	setting, err := h.settings.Resolve(c.Request.Context(), userID, noticeType, medium.ID, scope)
	if err != nil {
		h.respondError(c, "setting resolution failed", err)
		return
	}
	c.JSON(http.StatusOK, h.toSettingPayload(setting, noticeType.Label))
}

type putSettingRequest struct {
	Send *bool `json:"send"`
}

func (h *httpHandler) handlePutSetting(c *gin.Context) {
	var request putSettingRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Send == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, noticeType, medium, scope, ok := h.settingTarget(c)
	if !ok {
		return
	}
	setting, err := h.settings.SetSend(c.Request.Context(), userID, noticeType, medium.ID, scope, *request.Send)
	if err != nil {
		h.respondError(c, "setting update failed", err)
		return
	}
	c.JSON(http.StatusOK, h.toSettingPayload(setting, noticeType.Label))
}

func (h *httpHandler) handleListInbox(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inbox_disabled"})
		return
	}
	userID, _ := parseUserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.inbox.List(c.Request.Context(), userID.Int64(), c.Query("unread") == "true", limit)
	if err != nil {
		h.respondError(c, "inbox listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inbox_disabled"})
		return
	}
	userID, _ := parseUserID(c)
	entryID, err := strconv.ParseInt(c.Param("entry_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry_id"})
		return
	}
	entry, err := h.inbox.MarkRead(c.Request.Context(), userID.Int64(), entryID)
	if err != nil {
		h.respondError(c, "inbox update failed", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleInboxStream relays new inbox entries as server-sent events until the client
// goes away.
func (h *httpHandler) handleInboxStream(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inbox_disabled"})
		return
	}
	userID, _ := parseUserID(c)
	ctx := c.Request.Context()
	stream, cleanup := h.inbox.Subscribe(ctx, userID.Int64())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case entry, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(inboxEventEntry, entryEvent(entry))
			return true
		case <-ticker.C:
			c.SSEvent(inboxEventHeartbeat, gin.H{"at": time.Now().UTC().Unix()})
			return true
		}
	})
}

func entryEvent(entry inbox.Entry) gin.H {
	return gin.H{
		"id":         entry.ID,
		"label":      entry.Label,
		"subject":    entry.Subject,
		"body":       entry.Body,
		"locale":     entry.Locale,
		"created_at": entry.CreatedAt,
	}
}
