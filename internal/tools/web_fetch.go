package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/media"
)

const webFetchTextCap = 100 * 1024

// WebFetchTool downloads a URL through the media fetcher, so SSRF guards and
// size bounds apply. Textual responses are returned inline; binary content is
// stored and referenced by hash.
type WebFetchTool struct {
	fetcher *media.Fetcher
	store   *media.Store
}

// NewWebFetchTool builds the web_fetch tool.
func NewWebFetchTool(fetcher *media.Fetcher, store *media.Store) *WebFetchTool {
	return &WebFetchTool{fetcher: fetcher, store: store}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP(S). Returns text content inline; binary content is stored and referenced by content hash."
}

func (t *WebFetchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []interface{}{"url"},
	}
}

type webFetchParams struct {
	URL string `json:"url"`
}

type webFetchDetails struct {
	Hash        string `json:"hash"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

func (t *WebFetchTool) Execute(ctx context.Context, params json.RawMessage) *Result {
	var p webFetchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ErrorResult(fmt.Sprintf("web_fetch: decode params: %v", err))
	}

	hash, contentType, err := t.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("web_fetch: %v", err))
	}
	sc, err := t.store.Stat(hash)
	if err != nil {
		return ErrorResult(fmt.Sprintf("web_fetch: stat %s: %v", hash, err))
	}

	if isTextual(contentType) {
		data, _, err := t.store.Read(hash)
		if err != nil {
			return ErrorResult(fmt.Sprintf("web_fetch: read %s: %v", hash, err))
		}
		text := string(data)
		if len(text) > webFetchTextCap {
			text = text[:webFetchTextCap] + "\n... (truncated)"
		}
		return NewResult(text).WithDetails(webFetchDetails{
			Hash:        hash,
			ContentType: contentType,
			Size:        sc.Size,
			Inline:      true,
		})
	}

	return NewResult(fmt.Sprintf("fetched %s (%s, %d bytes), stored as %s", p.URL, contentType, sc.Size, hash)).
		WithDetails(webFetchDetails{Hash: hash, ContentType: contentType, Size: sc.Size})
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/javascript",
		"application/x-www-form-urlencoded", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(ct, "+json") || strings.HasSuffix(ct, "+xml")
}
