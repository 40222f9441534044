package fetch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// BrowserFetcher renders pages in headless Chromium for sites that serve an
// empty shell to plain HTTP clients. One browser is shared; each fetch gets
// its own page.
type BrowserFetcher struct {
	timeout time.Duration
	proxy   string

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	initialized bool
}

func NewBrowserFetcher(timeout time.Duration, proxyURL string) *BrowserFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BrowserFetcher{timeout: timeout, proxy: proxyURL}
}

func (f *BrowserFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	if f.proxy != "" {
		opts.Proxy = &playwright.Proxy{Server: f.proxy}
	}
	f.browser, err = f.pw.Chromium.Launch(opts)
	if err != nil {
		f.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.initialized = true
	return nil
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if err := f.ensureBrowser(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, context.DeadlineExceeded)
	}

	page, err := f.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: create page: %v", ErrFetchFailed, err)
	}
	defer page.Close()

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no response", ErrFetchFailed)
	}
	if status := resp.Status(); status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, &StatusError{Code: status})
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: read content: %v", ErrFetchFailed, err)
	}

	parsed, err := ParseHTML([]byte(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	parsed.URL = url
	parsed.FinalURL = page.URL()
	parsed.StatusCode = resp.Status()
	parsed.ContentType = "text/html; charset=utf-8"
	parsed.FetchedAt = time.Now()
	return parsed, nil
}

func (f *BrowserFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		f.browser.Close()
	}
	if f.pw != nil {
		f.pw.Stop()
	}
	f.initialized = false
	log.Printf("Fetch: browser closed")
}
