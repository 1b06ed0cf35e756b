package builtin

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tether/internal/agent/ports"
	"tether/internal/httpclient"
	tokenutil "tether/internal/shared/token"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchMaxBytes = 2 * 1024 * 1024
	// maxFetchTextBytes caps the cleaned text handed to the decision-maker.
	maxFetchTextBytes = 15000
	fetchUserAgent    = "tether-agent/1.0 (web content fetcher)"
)

type webFetch struct {
	client   *http.Client
	maxBytes int64
}

func NewWebFetch(cfg Config) ports.ToolExecutor {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}

	client := httpclient.NewWithBreaker(timeout, cfg.Logger, "web-fetch")
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	}

	return &webFetch{client: client, maxBytes: maxBytes}
}

func (t *webFetch) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	urlStr := stringArg(call.Arguments, "url")
	if urlStr == "" {
		return fail(call, "missing 'url'"), nil
	}

	parsed, err := neturl.Parse(urlStr)
	if err != nil {
		return fail(call, "invalid URL: %v", err), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fail(call, "URL must use http or https, got %q", parsed.Scheme), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fail(call, "build request: %v", err), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return fail(call, "fetch failed: %v", err), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fail(call, "HTTP %d fetching %s", resp.StatusCode, urlStr), nil
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, t.maxBytes)
	if err != nil {
		return fail(call, "read body: %v", err), nil
	}

	finalURL := resp.Request.URL.String()
	contentType := resp.Header.Get("Content-Type")

	content := string(body)
	if strings.Contains(contentType, "html") {
		text, parseErr := htmlToText(content)
		if parseErr != nil {
			return fail(call, "parse HTML: %v", parseErr), nil
		}
		content = text
	}
	if len(content) > maxFetchTextBytes {
		content = content[:maxFetchTextBytes] + "\n\n[content truncated]"
	}

	observation := fmt.Sprintf("Source: %s\n\n%s", finalURL, content)
	return &ports.ToolResult{
		CallID:     call.ID,
		Content:    observation,
		TokensUsed: tokenutil.Count(observation),
		Metadata: map[string]any{
			"url":          urlStr,
			"final_url":    finalURL,
			"content_type": contentType,
			"body_bytes":   len(body),
		},
	}, nil
}

// htmlToText converts an HTML page to clean markdown-like text: title and
// headings first, then paragraphs and list items, noise stripped.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var sb strings.Builder

	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		sb.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		level := int(s.Get(0).Data[1] - '0')
		sb.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
	})

	doc.Find("p, article, section").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); len(text) > 30 {
			sb.WriteString(text + "\n\n")
		}
	})

	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		s.Find("li").Each(func(_ int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				sb.WriteString("- " + text + "\n")
			}
		})
		sb.WriteString("\n")
	})

	return sb.String(), nil
}

func (t *webFetch) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a web page and convert it to clean text",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"url": {Type: "string", Description: "Full URL to fetch (http/https)"},
			},
			Required: []string{"url"},
		},
	}
}

func (t *webFetch) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "web_fetch", Version: "1.0.0", Category: "web",
		Tags: []string{"readonly", "network"},
	}
}
