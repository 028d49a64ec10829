package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fleetdiag/internal/media"
	"fleetdiag/internal/models"
	"fleetdiag/internal/service/fleet"
	"fleetdiag/internal/session"
	"fleetdiag/internal/worker"
)

const (
	maxAttachmentSize = 20 << 20 // 20 MB
	maxImageSize      = 10 << 20 // 10 MB
	maxAudioChunkSize = 2 << 20  // 2 MB per pushed voice chunk
)

var attachmentMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/csv":        true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
}

var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) startDiagnostic(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	var req struct {
		ProjectID int64 `json:"project_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}

	sess, greeting, err := h.workers.StartSession(worker.StartRequest{
		Context:   c.Request.Context(),
		UserID:    actor.UserID,
		ProjectID: req.ProjectID,
		CompanyID: scopeCompany(actor),
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session":  sess,
		"greeting": greeting,
	})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, messages, err := h.fleet.GetSessionWithMessages(c.Request.Context(), actor.UserID, id)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	feedback, err := h.fleet.ListFeedback(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	if feedback == nil {
		feedback = make([]models.Feedback, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  sess,
		"messages": messages,
		"feedback": feedback,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.fleet.DeleteSession(c.Request.Context(), actor.UserID, id); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(actor.UserID, id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) sendMessage(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	reply, err := h.workers.SendMessage(worker.ExchangeRequest{
		Context:   c.Request.Context(),
		UserID:    actor.UserID,
		SessionID: id,
		Content:   req.Content,
	})
	if err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      reply.User,
		"assistant": reply.Assistant,
	})
}

func (h *Handler) startRecording(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	if err := machine.StartRecording(c.Request.Context()); err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recording": true, "limit_seconds": int(session.RecordingLimit.Seconds())})
}

func (h *Handler) pushAudioChunk(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAudioChunkSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read audio chunk failed"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty audio chunk"})
		return
	}
	if len(data) > maxAudioChunkSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio chunk too large"})
		return
	}
	if err := machine.AppendAudio(data); err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) stopRecording(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	draft, err := machine.StopRecording(c.Request.Context())
	if err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": draft})
}

func (h *Handler) analyzeImage(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}
	machine, err := h.workers.Machine(c.Request.Context(), actor.UserID, id)
	if err != nil {
		h.replyMachineError(c, err)
		return
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if fileHeader.Size > maxImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	if !imageMimeTypes[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported image type %q", mimeType)})
		return
	}
	data, err := readUpload(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read image failed"})
		return
	}

	storedPath, err := h.saveUpload(actor.UserID, fileHeader.Filename, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store image failed"})
		return
	}
	att, err := h.fleet.RecordAttachment(c.Request.Context(), models.Attachment{
		UserID:     actor.UserID,
		SessionID:  id,
		FileName:   fileHeader.Filename,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		ExpiresAt:  time.Now().UTC().Add(h.fileTTL),
	})
	if err != nil {
		_ = os.Remove(storedPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	imageURL := ""
	if token, err := h.fleet.IssueAttachmentToken(att.ID, h.fileTTL); err == nil {
		imageURL = "/api/attachments/download?token=" + token
	}

	msg, err := machine.AnalyzeImage(c.Request.Context(), c.PostForm("prompt"), mimeType, data, imageURL)
	if err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"assistant":  msg,
		"attachment": att,
	})
}

func (h *Handler) speakMessage(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	var req struct {
		MessageIndex int `json:"message_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	audio, err := machine.Speak(c.Request.Context(), req.MessageIndex)
	if err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.Data(http.StatusOK, "audio/mpeg", audio)
}

func (h *Handler) updateVoiceSettings(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	var req struct {
		Voice      string `json:"voice"`
		TTSEnabled *bool  `json:"tts_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Voice != "" {
		if err := machine.SetVoice(req.Voice); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "voices": media.Voices})
			return
		}
	}
	if req.TTSEnabled != nil {
		machine.EnableTTS(*req.TTSEnabled)
	}
	c.JSON(http.StatusOK, gin.H{
		"voice":       machine.Voice(),
		"tts_enabled": machine.TTSEnabled(),
	})
}

func (h *Handler) rateMessage(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	var req struct {
		MessageIndex int    `json:"message_index"`
		Rating       string `json:"rating"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := machine.RateMessage(c.Request.Context(), req.MessageIndex, models.FeedbackRating(req.Rating))
	if err != nil {
		h.replyMachineError(c, err)
		return
	}
	rating, commentPending, submitted := machine.FeedbackState(req.MessageIndex)
	c.JSON(http.StatusOK, gin.H{
		"rating":          rating,
		"comment_pending": commentPending,
		"submitted":       submitted,
	})
}

func (h *Handler) submitFeedbackComment(c *gin.Context) {
	machine, ok := h.sessionMachine(c)
	if !ok {
		return
	}
	var req struct {
		MessageIndex int    `json:"message_index"`
		Comment      string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := machine.SubmitComment(c.Request.Context(), req.MessageIndex, req.Comment); err != nil {
		h.replyMachineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": true})
}

// attachments interface
func (h *Handler) uploadAttachment(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, err := h.fleet.GetSession(c.Request.Context(), actor.UserID, id); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxAttachmentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	if !attachmentMimeTypes[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", mimeType)})
		return
	}
	data, err := readUpload(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	storedPath, err := h.saveUpload(actor.UserID, fileHeader.Filename, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store file failed"})
		return
	}
	att, err := h.fleet.RecordAttachment(c.Request.Context(), models.Attachment{
		UserID:     actor.UserID,
		SessionID:  id,
		FileName:   fileHeader.Filename,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		ExpiresAt:  time.Now().UTC().Add(h.fileTTL),
	})
	if err != nil {
		_ = os.Remove(storedPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (h *Handler) linkAttachment(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	att, err := h.fleet.GetAttachment(c.Request.Context(), actor.UserID, id)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	token, err := h.fleet.IssueAttachmentToken(att.ID, h.fileTTL)
	if err != nil {
		if errors.Is(err, fleet.ErrAccessTokensDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":   "/api/attachments/download?token=" + token,
		"token": token,
	})
}

func (h *Handler) downloadAttachment(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	id, err := h.fleet.OpenAttachmentToken(token)
	if err != nil {
		if errors.Is(err, fleet.ErrAccessTokenExpired) {
			c.JSON(http.StatusGone, gin.H{"error": "download link expired"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid download token"})
		return
	}
	att, err := h.fleet.GetAttachmentByID(c.Request.Context(), id)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if att.Status != "active" || time.Now().UTC().After(att.ExpiresAt) {
		c.JSON(http.StatusGone, gin.H{"error": "attachment no longer available"})
		return
	}
	c.FileAttachment(att.StoredPath, att.FileName)
}

// sessionMachine resolves the live machine for the session in the path,
// owner-checked against the calling actor.
func (h *Handler) sessionMachine(c *gin.Context) (*session.Machine, bool) {
	actor, ok := h.requireActor(c)
	if !ok {
		return nil, false
	}
	id, ok := sessionID(c)
	if !ok {
		return nil, false
	}
	machine, err := h.workers.Machine(c.Request.Context(), actor.UserID, id)
	if err != nil {
		h.replyMachineError(c, err)
		return nil, false
	}
	return machine, true
}

func (h *Handler) replyMachineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrNotStarted):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not started"})
	case errors.Is(err, session.ErrAlreadyStarted):
		c.JSON(http.StatusConflict, gin.H{"error": "session is already started"})
	case errors.Is(err, session.ErrAwaitingResponse):
		c.JSON(http.StatusConflict, gin.H{"error": "a response is still in flight"})
	case errors.Is(err, session.ErrRecordingActive):
		c.JSON(http.StatusConflict, gin.H{"error": "a recording is already active"})
	case errors.Is(err, session.ErrNotRecording):
		c.JSON(http.StatusConflict, gin.H{"error": "no recording is active"})
	case errors.Is(err, session.ErrAnalysisActive):
		c.JSON(http.StatusConflict, gin.H{"error": "an image analysis is already running"})
	case errors.Is(err, session.ErrSpeechActive):
		c.JSON(http.StatusConflict, gin.H{"error": "speech synthesis is already running"})
	case errors.Is(err, session.ErrFeedbackSubmitted), errors.Is(err, fleet.ErrFeedbackExists):
		c.JSON(http.StatusConflict, gin.H{"error": "feedback was already submitted"})
	case errors.Is(err, session.ErrNoPendingComment):
		c.JSON(http.StatusConflict, gin.H{"error": "no comment is pending for this message"})
	case errors.Is(err, session.ErrNotAssistantTurn):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is not an assistant turn"})
	case errors.Is(err, media.ErrInvalidVoice):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "voices": media.Voices})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// saveUpload writes the file under fileBase/<userID>/, deduplicating names
// with a numeric suffix.
func (h *Handler) saveUpload(userID int64, filename string, data []byte) (string, error) {
	dir := filepath.Join(h.fileBase, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := uniqueFilePath(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func uniqueFilePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
