package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetdiag/internal/models"
)

const (
	AttachmentChunkSizeDefault = 1000
	AttachmentChunkSizeMin     = 500
	AttachmentChunkSizeMax     = 2000
	AttachmentReaderRate       = 3
	WebSearchHTTPTimeout       = 10 * time.Second
)

type attachmentContextKey struct{}
type toolSessionContextKey struct{}

// toolLimiter hands out a token-bucket limiter per session key. The reader
// tool allows AttachmentReaderRate calls per minute per session.
type toolLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var attachmentReaderLimiter = &toolLimiter{limiters: make(map[string]*rate.Limiter)}

func (l *toolLimiter) Allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/AttachmentReaderRate), AttachmentReaderRate)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// WithAttachments exposes session attachments to the reader tool.
func WithAttachments(ctx context.Context, atts []*models.Attachment) context.Context {
	if len(atts) == 0 {
		return ctx
	}
	copied := make([]*models.Attachment, 0, len(atts))
	for _, a := range atts {
		if a == nil {
			continue
		}
		c := *a
		copied = append(copied, &c)
	}
	return context.WithValue(ctx, attachmentContextKey{}, copied)
}

func AttachmentsFromContext(ctx context.Context) []*models.Attachment {
	val := ctx.Value(attachmentContextKey{})
	if val == nil {
		return nil
	}
	atts, _ := val.([]*models.Attachment)
	return atts
}

func WithToolSession(ctx context.Context, userID, sessionID int64) context.Context {
	if userID <= 0 || sessionID <= 0 {
		return ctx
	}
	meta := struct {
		UserID    int64
		SessionID int64
	}{userID, sessionID}
	return context.WithValue(ctx, toolSessionContextKey{}, meta)
}

func ToolSessionFromContext(ctx context.Context) (int64, int64, bool) {
	val := ctx.Value(toolSessionContextKey{})
	if val == nil {
		return 0, 0, false
	}
	meta, ok := val.(struct {
		UserID    int64
		SessionID int64
	})
	if !ok {
		return 0, 0, false
	}
	return meta.UserID, meta.SessionID, true
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "FleetDiag-WebSearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
