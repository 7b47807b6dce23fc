// -----------------------------------------------------------------------
// Fetch Executor - web_fetch jobs: rate-limited page fetch to markdown
// -----------------------------------------------------------------------

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
)

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultMaxBodySize     = 10 * 1024 * 1024
	defaultPerHostInterval = 500 * time.Millisecond
	defaultPerHostBurst    = 2

	// Fetch results land in the supervisor's conversation, so they are
	// capped well below the raw body limit.
	maxFetchResultLength = 16 * 1024
)

// FetchExecutor runs web_fetch jobs: fetch one page, extract title and
// description with goquery and convert the main content to markdown.
// Requests to the same host share a rate limiter so a fan-out of fetch
// jobs cannot hammer one origin.
type FetchExecutor struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	logger      arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewFetchExecutor creates the executor for web_fetch worker jobs
func NewFetchExecutor(config *common.FetchConfig, logger arbor.ILogger) *FetchExecutor {
	timeout := defaultFetchTimeout
	maxBody := int64(defaultMaxBodySize)
	interval := defaultPerHostInterval
	burst := defaultPerHostBurst
	userAgent := ""

	if config != nil {
		if config.RequestTimeout > 0 {
			timeout = config.RequestTimeout
		}
		if config.MaxBodySize > 0 {
			maxBody = int64(config.MaxBodySize)
		}
		if config.PerHostInterval != "" {
			if d, err := time.ParseDuration(config.PerHostInterval); err == nil && d > 0 {
				interval = d
			}
		}
		if config.PerHostBurst > 0 {
			burst = config.PerHostBurst
		}
		userAgent = config.UserAgent
	}

	return &FetchExecutor{
		client:      &http.Client{Timeout: timeout},
		userAgent:   userAgent,
		maxBodySize: maxBody,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
		limit:       rate.Every(interval),
		burst:       burst,
	}
}

// Execute fetches the job's url payload and returns the page as markdown
func (e *FetchExecutor) Execute(ctx context.Context, job *models.WorkerJob, emitter *ledger.Emitter) (string, error) {
	target, ok := job.GetPayloadString("url")
	if !ok || strings.TrimSpace(target) == "" {
		return "", &models.ValidationError{Message: "web_fetch job payload needs a url"}
	}
	target = strings.TrimSpace(target)

	if _, _, _, err := common.ValidateFetchURL(target, e.logger); err != nil {
		return "", fmt.Errorf("invalid fetch target: %w", err)
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid fetch target: %w", err)
	}

	if err := e.limiterFor(parsed.Hostname()).Wait(ctx); err != nil {
		return "", err
	}

	started := time.Now()
	body, contentType, err := e.fetch(ctx, target)
	if err != nil {
		return "", err
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("url", target).
		Str("content_type", contentType).
		Int("bytes", len(body)).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("Fetched page")

	if !isHTMLContent(contentType) {
		// Plain text and JSON come back as-is; binary types are refused
		ct := strings.ToLower(contentType)
		if strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") {
			return truncateResult(string(body)), nil
		}
		return "", fmt.Errorf("unsupported content type %q for %s", contentType, target)
	}

	result, err := e.renderMarkdown(target, body)
	if err != nil {
		return "", err
	}
	return result, nil
}

func (e *FetchExecutor) fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build fetch request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch returned HTTP %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// renderMarkdown extracts the page's title, description and main content
// and renders them as one markdown document
func (e *FetchExecutor) renderMarkdown(target string, body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	description, _ := doc.Find(`meta[name="description"]`).Attr("content")
	description = strings.TrimSpace(description)

	// Boilerplate never survives into the result
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	contentHTML, err := mainContentHTML(doc)
	if err != nil {
		return "", fmt.Errorf("failed to extract page content: %w", err)
	}

	converter := md.NewConverter(target, true, nil)
	markdown, err := converter.ConvertString(contentHTML)
	if err != nil {
		return "", fmt.Errorf("failed to convert page to markdown: %w", err)
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if description != "" {
		fmt.Fprintf(&b, "%s\n\n", description)
	}
	b.WriteString(strings.TrimSpace(markdown))

	return truncateResult(b.String()), nil
}

// mainContentHTML prefers an explicit main-content container and falls
// back to the whole body
func mainContentHTML(doc *goquery.Document) (string, error) {
	main := doc.Find("main, article, [role=main]").First()
	if main.Length() > 0 {
		return main.Html()
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body.Html()
	}
	return doc.Html()
}

func (e *FetchExecutor) limiterFor(host string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	limiter, ok := e.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(e.limit, e.burst)
		e.limiters[host] = limiter
	}
	return limiter
}

func isHTMLContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

func truncateResult(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxFetchResultLength {
		return s
	}

	cut := maxFetchResultLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
