package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"fleetdiag/internal/models"
)

func InitToolsChain() []tool.BaseTool {
	var tools []tool.BaseTool

	if ws := InitWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	if ar := initAttachmentReader(); ar != nil {
		tools = append(tools, ar)
	}
	return tools
}

// InitWebSearch wires the search providers behind one tool so the engine can
// look up service specs and TSBs mid-session.
func InitWebSearch() tool.InvokableTool {
	googleTool := InitGooglesearch()
	duckTool := InitDDGsearch()
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for torque specs, sensor ranges and service bulletins; " +
			"automatically fallbacks to another provider if needed; " +
			"can fetch a URL directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			log.Printf("web url loader failed: %v", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}

	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}

	return "", errors.New("no search provider succeeded")
}

// attachment reader tool
type attachmentReader struct {
	loader *file.FileLoader
}

type attachmentReaderParams struct {
	AttachmentID int64 `json:"attachment_id"`
	ChunkIndex   int   `json:"chunk_index,omitempty"`
	ChunkSize    int   `json:"chunk_size,omitempty"`
}

func initAttachmentReader() tool.InvokableTool {
	parserExt, err := parser.NewExtParser(context.Background(), &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		log.Printf("attachment reader disabled: %v", err)
		return nil
	}
	loader, err := file.NewFileLoader(context.Background(), &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		log.Printf("attachment reader disabled: %v", err)
		return nil
	}
	reader := &attachmentReader{
		loader: loader,
	}
	info := &schema.ToolInfo{
		Name: "attachment_reader",
		Desc: "Read documents the technician uploaded to this session in small chunks. Provide the attachment_id (and optional chunk_index / chunk_size) to fetch a specific segment; limit 3 calls per minute per session.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"attachment_id": {
				Desc:     "ID of the attachment to read, provided in the system instructions.",
				Type:     schema.Integer,
				Required: true,
			},
			"chunk_index": {
				Desc:     "Zero-based chunk index to read, default 0.",
				Type:     schema.Integer,
				Required: false,
			},
			"chunk_size": {
				Desc:     "Number of characters per chunk (max 2000, default 1000).",
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (t *attachmentReader) run(ctx context.Context, params *attachmentReaderParams) (string, error) {
	if params == nil || params.AttachmentID <= 0 {
		return "", errors.New("attachment_id is required")
	}
	atts := AttachmentsFromContext(ctx)
	if len(atts) == 0 {
		return "", errors.New("no attachments available for this session")
	}
	var target *models.Attachment
	for _, a := range atts {
		if a != nil && a.ID == params.AttachmentID {
			target = a
			break
		}
	}
	if target == nil {
		return "", errors.New("attachment not found in current session")
	}
	userID, sessionID, ok := ToolSessionFromContext(ctx)
	key := fmt.Sprintf("attachment:%d", params.AttachmentID)
	if ok {
		key = fmt.Sprintf("user:%d:session:%d", userID, sessionID)
	}
	if !attachmentReaderLimiter.Allow(key) {
		return "", errors.New("attachment reader rate limit exceeded, please retry in a minute")
	}

	docs, err := t.loader.Load(ctx, document.Source{URI: target.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load attachment: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", errors.New("attachment has no readable text content")
	}
	chunkSize := params.ChunkSize
	if chunkSize <= 0 || chunkSize > AttachmentChunkSizeMax {
		chunkSize = AttachmentChunkSizeDefault
	}
	if chunkSize < AttachmentChunkSizeMin {
		chunkSize = AttachmentChunkSizeMin
	}
	chunkIndex := params.ChunkIndex
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if totalChunks == 0 {
		return fmt.Sprintf("Attachment: %s has no readable text content.", target.FileName), nil
	}
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	segment := string(runes[start:end])
	return fmt.Sprintf("Attachment: %s\nChunk %d/%d\n\n%s", target.FileName, chunkIndex+1, totalChunks, segment), nil
}

// InitDDGsearch Init DDG Search
func InitDDGsearch() tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}
