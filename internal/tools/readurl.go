package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	readURLMaxChars = 50000
	readURLMaxBytes = 4 << 20
)

// ReadURL fetches a page and returns it as markdown. It only reads, so it
// never needs approval.
type ReadURL struct {
	client *http.Client
}

func NewReadURL() *ReadURL {
	return &ReadURL{client: &http.Client{Timeout: 30 * time.Second}}
}

func (r *ReadURL) Name() string        { return "read_url" }
func (r *ReadURL) Description() string { return "Fetch a URL and return its content as markdown" }
func (r *ReadURL) Mutating() bool      { return false }
func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The http or https URL to fetch"},
			"max_chars": {"type": "integer", "description": "Upper bound on returned characters (default 50000)"}
		},
		"required": ["url"]
	}`)
}

type readURLArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars"`
}

func (a readURLArgs) limit() int {
	if a.MaxChars <= 0 || a.MaxChars > readURLMaxChars {
		return readURLMaxChars
	}
	return a.MaxChars
}

func (r *ReadURL) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p readURLArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if p.URL == "" {
		return "", fmt.Errorf("url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported url: %s", p.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Turnstile/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, readURLMaxBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		if text, err = htmltomarkdown.ConvertString(text); err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	}
	return truncate(text, p.limit()), nil
}
