// Package api serves the local control API that lets the PWA shell and the
// CLI drive the offline queue.
package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
	"github.com/nomad-capture/nomad/sdk/golang/internal/logging"
)

// Handler serves the /v1/offline routes.
type Handler struct {
	offline *nomad.OfflineSync
	upload  nomad.UploadFunc
}

// NewHandler creates a handler. upload may be nil, in which case manual sync
// is unavailable.
func NewHandler(offline *nomad.OfflineSync, upload nomad.UploadFunc) *Handler {
	return &Handler{offline: offline, upload: upload}
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":        h.offline.IsOnline(),
		"pending_count": h.offline.PendingCount(),
		"sync_progress": h.offline.SyncProgress(),
	})
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.offline.GetPendingSessions(c.Request.Context())
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*nomad.PendingSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handler) SaveSession(c *gin.Context) {
	var body nomad.PendingSession
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid json body"})
		return
	}
	if strings.TrimSpace(body.Content) == "" && strings.TrimSpace(body.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "title or content is required"})
		return
	}
	if body.InputMode == "" {
		body.InputMode = nomad.InputModePaste
	}
	if err := h.offline.SaveSessionOffline(c.Request.Context(), &body); err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.offline.RemovePendingSession(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListRecordings(c *gin.Context) {
	recordings, err := h.offline.GetPendingRecordings(c.Request.Context())
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]gin.H, 0, len(recordings))
	for _, r := range recordings {
		out = append(out, gin.H{
			"id":         r.ID,
			"title":      r.Title,
			"file_name":  r.FileName,
			"mime_type":  r.MimeType,
			"duration":   r.Duration,
			"tag_ids":    r.TagIDs,
			"engine":     r.Engine,
			"size":       len(r.Audio),
			"created_at": r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SaveRecording(c *gin.Context) {
	fh, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "audio file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid file"})
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid file"})
		return
	}

	duration := 0
	if raw := strings.TrimSpace(c.PostForm("duration")); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil || duration < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "duration must be a non-negative integer"})
			return
		}
	}

	rec := &nomad.PendingRecording{
		Title:    c.PostForm("title"),
		FileName: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Duration: duration,
		TagIDs:   c.PostFormArray("tags"),
		Engine:   c.PostForm("engine"),
		Audio:    audio,
	}
	if err := h.offline.SaveRecordingOffline(c.Request.Context(), rec); err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "file_name": rec.FileName, "size": len(rec.Audio)})
}

func (h *Handler) DeleteRecording(c *gin.Context) {
	if err := h.offline.RemovePendingRecording(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sync runs one pass and reports where it stopped.
func (h *Handler) Sync(c *gin.Context) {
	if h.upload == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "no uploader configured"})
		return
	}
	if err := h.offline.SyncPending(c.Request.Context(), h.upload); err != nil {
		h.writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sync_progress": h.offline.SyncProgress(),
		"pending_count": h.offline.PendingCount(),
	})
}

func (h *Handler) writeError(c *gin.Context, status int, err error) {
	logging.Error(logging.CategoryAPI, "%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(status, gin.H{"detail": err.Error()})
}
