package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/extract"
	"github.com/vango-go/vai-evidence/pkg/core/safety"
)

const (
	DefaultFetchTimeout = 8 * time.Second
	DefaultMaxPageBytes = 2 << 20
	DefaultMaxPageText  = 20000
	defaultFetchAgent   = "vai-evidence/1.0 (+https://github.com/vango-go/vai-evidence)"
)

// ErrTooManyRedirects is returned when a page redirects more than
// safety.MaxRedirectHops times.
var ErrTooManyRedirects = errors.New("too many redirects")

// Page is the cleaned text of one fetched URL.
type Page struct {
	URL         string `json:"url"`
	FinalURL    string `json:"finalUrl"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	FetchedAtMs int64  `json:"fetchedAtMs"`
}

// URLValidator admits or rejects an outbound URL. *safety.Guard satisfies it.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (*url.URL, error)
}

// PageFetcher retrieves and extracts one page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// Fetcher performs SSRF-guarded GETs. Redirects are followed by hand: each
// Location is resolved against the current URL and re-validated before the
// next request is made.
type Fetcher struct {
	Validator URLValidator
	Client    *http.Client
	Timeout   time.Duration
	MaxBytes  int64
	MaxText   int
	UserAgent string
	Now       func() time.Time
}

// NewFetcher wires a Fetcher around guard with a restricted HTTP client.
func NewFetcher(guard *safety.Guard, timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		Validator: guard,
		Client:    safety.NewRestrictedHTTPClient(nil, guard),
		Timeout:   timeout,
		MaxBytes:  maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := f.Validator.Validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	for hop := 0; ; hop++ {
		resp, err := f.get(ctx, target)
		if err != nil {
			return nil, err
		}
		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if hop >= safety.MaxRedirectHops {
				return nil, fmt.Errorf("%w (max %d)", ErrTooManyRedirects, safety.MaxRedirectHops)
			}
			if loc == "" {
				return nil, fmt.Errorf("redirect without location from %s", target)
			}
			next, err := target.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location: %w", err)
			}
			target, err = f.Validator.Validate(ctx, next.String())
			if err != nil {
				return nil, fmt.Errorf("redirect hop %d: %w", hop+1, err)
			}
			continue
		}
		return f.readPage(rawURL, target, resp)
	}
}

func (f *Fetcher) get(ctx context.Context, target *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultFetchAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.1")

	client := f.Client
	if client == nil {
		client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	return resp, nil
}

func (f *Fetcher) readPage(rawURL string, final *url.URL, resp *http.Response) (*Page, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", final, resp.StatusCode)
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPageBytes
	}
	body, err := safety.ReadResponseBodyLimited(resp, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", final, err)
	}

	var doc extract.Document
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/plain"):
		doc = extract.Document{Text: extract.CollapseWhitespace(string(body))}
	case ct == "" || strings.Contains(ct, "html"):
		doc = extract.HTML(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", final, ct)
	}
	maxText := f.MaxText
	if maxText <= 0 {
		maxText = DefaultMaxPageText
	}
	doc = extract.Clean(doc, maxText)

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return &Page{
		URL:         rawURL,
		FinalURL:    final.String(),
		Title:       doc.Title,
		Text:        doc.Text,
		FetchedAtMs: now().UnixMilli(),
	}, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
