package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/troupehq/troupe/internal/model"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

const maxExtractedTextLen = 2000

// BrowserExecutor drives a headless Chrome instance. It navigates to the
// first URL found in the instruction and reports the page title and visible
// text; interpreting the result is the classifier's job.
type BrowserExecutor struct {
	cfg model.BrowserAgentConfig

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserExecutor(cfg model.BrowserAgentConfig) *BrowserExecutor {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 60
	}
	return &BrowserExecutor{cfg: cfg}
}

// initBrowser lazily starts Chrome on first use and restarts it if the
// previous browser context died.
func (b *BrowserExecutor) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanupLocked()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserExecutor) cleanupLocked() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
}

func (b *BrowserExecutor) Execute(ctx context.Context, req ExecRequest) ExecResult {
	url := urlPattern.FindString(req.Instruction)
	if url == "" {
		return ExecResult{
			Text: "Unable to proceed: the instruction does not contain a URL to visit. " +
				"No page was loaded and no information was retrieved.",
		}
	}

	if err := b.initBrowser(); err != nil {
		return ExecResult{
			Retryable: true,
			Err:       fmt.Errorf("start browser: %w", err),
		}
	}

	b.mu.Lock()
	browserCtx := b.browserCtx
	b.mu.Unlock()

	timeout := time.Duration(b.cfg.TimeoutSec) * time.Second
	navCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	go func() {
		// propagate caller cancellation into the chromedp context
		select {
		case <-ctx.Done():
			cancel()
		case <-navCtx.Done():
		}
	}()

	var title, bodyText string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
	)
	if err != nil {
		return ExecResult{
			Text: fmt.Sprintf("Encountered an error while loading %s: %v. "+
				"The page could not be read.", url, err),
			Retryable: true,
		}
	}

	bodyText = strings.TrimSpace(bodyText)
	if len(bodyText) > maxExtractedTextLen {
		bodyText = bodyText[:maxExtractedTextLen] + "..."
	}

	return ExecResult{
		Text: fmt.Sprintf("Navigated to %s. The page shows: %q.\n\n%s\n\nbrowsing complete",
			url, title, bodyText),
	}
}

func (b *BrowserExecutor) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked()
	return nil
}
