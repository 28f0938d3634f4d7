package shared

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	MobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	DesktopUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:142.0) Gecko/20100101 Firefox/142.0"
)

// NewRunTransport creates the connection pool owned by a single audit run.
// It must not be shared between concurrently executing runs.
func NewRunTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 6,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// HTTPClientFactory creates HTTP clients keyed by timeout for services that live across runs
type HTTPClientFactory struct {
	defaultTimeout time.Duration
	mutex          sync.RWMutex
	clients        map[time.Duration]*http.Client
}

// NewHTTPClientFactory creates a new HTTP client factory
func NewHTTPClientFactory(defaultTimeout time.Duration) *HTTPClientFactory {
	return &HTTPClientFactory{
		defaultTimeout: defaultTimeout,
		clients:        make(map[time.Duration]*http.Client),
	}
}

// Client returns a pooled client with a cookie jar for the given timeout
func (f *HTTPClientFactory) Client(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	f.mutex.RLock()
	if client, exists := f.clients[timeout]; exists {
		f.mutex.RUnlock()
		return client
	}
	f.mutex.RUnlock()

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if client, exists := f.clients[timeout]; exists {
		return client
	}

	jar, _ := cookiejar.New(nil)
	transport := NewRunTransport()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 10
	client := &http.Client{Timeout: timeout, Transport: transport, Jar: jar}
	f.clients[timeout] = client

	logrus.WithFields(logrus.Fields{
		"component": "HTTPClientFactory",
		"timeout":   timeout,
	}).Debug("Created new HTTP client")

	return client
}

// CloseAll releases idle connections of every cached client
func (f *HTTPClientFactory) CloseAll() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for key, client := range f.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
		delete(f.clients, key)
	}
}

// SetBrowserLikeHeaders configures request headers to look like the mobile site's usual visitors
func SetBrowserLikeHeaders(request *http.Request, acceptHeader string) {
	request.Header.Set("User-Agent", MobileUserAgent)
	request.Header.Set("Accept", acceptHeader)
	request.Header.Set("Accept-Language", "bg-BG,bg;q=0.9,en;q=0.6")
	request.Header.Set("Referer", "https://www.google.bg/")
	request.Header.Set("Cache-Control", "no-cache")
}

// FetchWithRetry performs a GET with exponential backoff, returning the body of the first 200 response
func FetchWithRetry(ctx context.Context, client *http.Client, url, accept string, maxRetryAttempts int) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "HTTPClient",
		"method":    "FetchWithRetry",
		"url":       url,
	})

	var lastErr error
	for attempt := 0; attempt <= maxRetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Debug("Retrying HTTP request after backoff")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		SetBrowserLikeHeaders(req, accept)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("attempt %d failed with network error: %w", attempt+1, err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("attempt %d failed reading body: %w", attempt+1, readErr)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = fmt.Errorf("attempt %d failed with HTTP %d: %s", attempt+1, resp.StatusCode, http.StatusText(resp.StatusCode))
		// 403 and 429 from the listing site are anti-automation walls; the caller decides how to escalate
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			return body, &HTTPStatusError{StatusCode: resp.StatusCode, Body: body}
		}
		if resp.StatusCode < 500 {
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
		}
	}

	logger.WithField("final_error", lastErr).Warn("HTTP request failed after all retry attempts")
	return nil, fmt.Errorf("HTTP request failed after %d attempts: %w", maxRetryAttempts+1, lastErr)
}

// HTTPStatusError is a non-200 response that was not retried
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}
