// Package summary drafts short Chinese summaries for manually added news
// items using the operator's own AI key.
package summary

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Defaults.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "deepseek-chat"
	DefaultOpenAIBaseURL  = "https://api.deepseek.com/v1"
	DefaultMaxTokens      = 200

	excerptRunes = 2000
	pageLimit    = 1 << 20
)

const promptTemplate = "请为以下新闻生成1-2句中文摘要，直接输出摘要内容，不要加前缀：\n标题：%s\nURL：%s"

// Provider completes a single prompt.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configure a Generator.
type Options struct {
	Provider   string // ProviderAnthropic (default) or ProviderOpenAI
	APIKey     string
	Model      string
	BaseURL    string // OpenAI-compatible endpoint
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Generator produces summaries.
type Generator struct {
	provider  Provider
	http      *http.Client
	converter *md.Converter
	logger    *slog.Logger
}

// New returns a Generator for the configured provider. A missing key is a
// validation error.
func New(opts Options) (*Generator, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, apperr.Invalid("ai_key", "未配置 AI API Key")
	}
	var p Provider
	switch opts.Provider {
	case "", ProviderAnthropic:
		p = NewAnthropic(key, opts.Model)
	case ProviderOpenAI:
		p = NewOpenAI(key, opts.BaseURL, opts.Model)
	default:
		return nil, apperr.Invalid("provider", fmt.Sprintf("unknown provider %q", opts.Provider))
	}
	return NewWithProvider(p, opts.HTTPClient, opts.Logger), nil
}

// NewWithProvider returns a Generator backed by p.
func NewWithProvider(p Provider, hc *http.Client, logger *slog.Logger) *Generator {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider:  p,
		http:      hc,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// Summarize returns a one or two sentence summary of the linked article.
func (g *Generator) Summarize(ctx context.Context, title, url string) (string, error) {
	title = strings.TrimSpace(title)
	url = strings.TrimSpace(url)
	if title == "" {
		return "", apperr.Invalid("title", "标题不能为空")
	}

	prompt := fmt.Sprintf(promptTemplate, title, url)
	if excerpt := g.excerpt(ctx, url); excerpt != "" {
		prompt += "\n正文节选：\n" + excerpt
	}

	text, err := g.provider.Complete(ctx, "", prompt)
	if err != nil {
		return "", &apperr.RemoteError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &apperr.RemoteError{Status: http.StatusBadGateway, Message: "empty summary"}
	}
	return text, nil
}

// excerpt fetches url and returns the start of its Markdown rendering, or
// "" when the page cannot be used.
func (g *Generator) excerpt(ctx context.Context, url string) string {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := g.http.Do(req)
	if err != nil {
		g.logger.Debug("summary: fetching page", "url", url, "err", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, pageLimit))
	if err != nil {
		return ""
	}
	markdown, err := g.converter.ConvertString(string(body))
	if err != nil {
		g.logger.Debug("summary: converting page", "url", url, "err", err)
		return ""
	}
	return truncate(strings.TrimSpace(markdown), excerptRunes)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
