package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ContentLoader retrieves the canonical published content for a document from
// the external record-management collaborator. Used to seed a room when no
// snapshot exists.
type ContentLoader interface {
	LoadContent(ctx context.Context, documentID string) (string, error)
}

// HTTPContentLoader fetches canonical content from the records API.
type HTTPContentLoader struct {
	baseURL string
	client  *http.Client
}

func NewHTTPContentLoader(baseURL string) *HTTPContentLoader {
	return &HTTPContentLoader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *HTTPContentLoader) LoadContent(ctx context.Context, documentID string) (string, error) {
	u := fmt.Sprintf("%s/records/%s/content", l.baseURL, url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch record content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("records API returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read record content: %w", err)
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode record content: %w", err)
	}
	return payload.Content, nil
}

// StaticContentLoader serves fixed content from memory.
type StaticContentLoader map[string]string

func (l StaticContentLoader) LoadContent(_ context.Context, documentID string) (string, error) {
	return l[documentID], nil
}
