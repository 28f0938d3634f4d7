package services

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/shared"
)

// BrowserFetcher renders pages in headless Chrome for sites that challenge plain HTTP clients
type BrowserFetcher struct {
	timeout time.Duration
	settle  time.Duration
	logger  *logrus.Logger
}

// NewBrowserFetcher creates a headless browser fetcher
func NewBrowserFetcher(timeout time.Duration) *BrowserFetcher {
	return &BrowserFetcher{
		timeout: timeout,
		settle:  3 * time.Second,
		logger:  logrus.StandardLogger(),
	}
}

// FetchHTML navigates to pageURL and returns the rendered document
func (b *BrowserFetcher) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	startTime := time.Now()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("lang", "bg-BG"),
		chromedp.UserAgent(shared.MobileUserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	if b.timeout > 0 {
		browserCtx, cancel = context.WithTimeout(browserCtx, b.timeout)
		defer cancel()
	}

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.EmulateViewport(390, 844),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// challenge pages usually redirect after a short script run
		chromedp.Sleep(b.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("headless fetch of %s failed: %w", pageURL, err)
	}

	b.logger.WithFields(logrus.Fields{
		"component":       "BrowserFetcher",
		"url":             pageURL,
		"bytes":           len(html),
		"processing_time": time.Since(startTime),
	}).Info("Rendered page in headless browser")

	return html, nil
}
