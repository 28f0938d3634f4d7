package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

const (
	DefaultTokenSelector = `input[name="__RequestVerificationToken"]`
	DefaultTokenHeader   = "X-CSRF-TOKEN"
)

// RegistryQuery describes one session-init / prime / settle / read handshake.
// PrimeMethod is GET (query string) unless the register expects a POSTed search form.
// RequireToken fails the handshake when the landing page carries no anti-forgery token.
type RegistryQuery struct {
	Registry      string
	LandingURL    string
	SearchURL     string
	ReadURL       string
	Params        url.Values
	PrimeMethod   string
	TokenSelector string
	TokenHeader   string
	RequireToken  bool
	PageSize      int
}

// registryReadResponse is the paging envelope returned by the ASP.NET grids
type registryReadResponse struct {
	Data  []map[string]interface{} `json:"Data"`
	Total int                      `json:"Total"`
}

// RegistryClient runs handshakes against government portals.
// A client belongs to a single lookup of a single audit run: its collector owns the session cookies
// and its limiter only spaces that session's own requests.
type RegistryClient struct {
	collector *colly.Collector
	limiter   *shared.HTTPRequestRateLimiter
	metrics   *shared.PipelineMetrics
	timeout   time.Duration
	settle    time.Duration
	pageSize  int
	logger    *logrus.Logger
}

// NewRegistryClient creates a client with a fresh cookie jar on the given run transport
func NewRegistryClient(cfg config.PipelineConfig, transport http.RoundTripper, limiter *shared.HTTPRequestRateLimiter, metrics *shared.PipelineMetrics) *RegistryClient {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(shared.DesktopUserAgent),
	)
	if transport != nil {
		collector.WithTransport(transport)
	}
	collector.SetRequestTimeout(cfg.EffectiveRegistryTimeout())

	pageSize := cfg.RegistryPage
	if pageSize <= 0 {
		pageSize = 10
	}

	return &RegistryClient{
		collector: collector,
		limiter:   limiter,
		metrics:   metrics,
		timeout:   cfg.EffectiveRegistryTimeout(),
		settle:    cfg.SettleDelay,
		pageSize:  pageSize,
		logger:    logrus.StandardLogger(),
	}
}

// stepResult captures what a single collector request saw
type stepResult struct {
	statusCode int
	body       []byte
	token      string
}

// step issues one request on a clone of the run collector. Clones share the cookie jar and transport.
func (c *RegistryClient) step(ctx context.Context, method, target string, body io.Reader, header http.Header, tokenSelector string) (*stepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(stepCtx); err != nil {
			return &stepResult{}, err
		}
	}

	clone := c.collector.Clone()
	clone.Context = stepCtx

	result := &stepResult{}
	clone.OnResponse(func(r *colly.Response) {
		result.statusCode = r.StatusCode
		result.body = r.Body
	})
	clone.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			result.statusCode = r.StatusCode
			result.body = r.Body
		}
	})
	if tokenSelector != "" {
		clone.OnHTML("html", func(e *colly.HTMLElement) {
			if token, ok := e.DOM.Find(tokenSelector).First().Attr("value"); ok {
				result.token = strings.TrimSpace(token)
			}
		})
	}

	if header == nil {
		header = http.Header{}
	}
	header.Set("User-Agent", shared.DesktopUserAgent)
	header.Set("Accept-Language", "bg-BG,bg;q=0.9,en;q=0.6")

	err := clone.Request(method, target, body, nil, header)
	return result, err
}

// classify maps a failed step to a registry outcome
func classify(result *stepResult, err error) (models.RegistryStatus, error) {
	if err == nil {
		return models.RegistryStatusLive, nil
	}
	if errors.Is(err, shared.ErrTokenMissing) || errors.Is(err, shared.ErrRegistryMalformed) {
		return models.RegistryStatusError, err
	}
	if result != nil && result.statusCode >= 500 {
		return models.RegistryStatusOffline, fmt.Errorf("HTTP %d: %w", result.statusCode, shared.ErrRegistryOffline)
	}
	if result != nil && result.statusCode >= 400 {
		return models.RegistryStatusError, fmt.Errorf("HTTP %d: %w", result.statusCode, shared.ErrRegistryMalformed)
	}
	if shared.IsNetworkError(err) {
		return models.RegistryStatusOffline, fmt.Errorf("%w: %v", shared.ErrRegistryOffline, err)
	}
	return models.RegistryStatusError, fmt.Errorf("%w: %v", shared.ErrRegistryMalformed, err)
}

// Lookup runs the full handshake. Failures are reported in the result, never returned.
func (c *RegistryClient) Lookup(ctx context.Context, q RegistryQuery) models.RegistryCheckResult {
	startTime := time.Now()
	logger := c.logger.WithFields(logrus.Fields{
		"component": "RegistryClient",
		"method":    "Lookup",
		"registry":  q.Registry,
	})

	result, err := c.handshake(ctx, q)
	if err != nil {
		status, classified := classify(result.step, err)
		result.check.Status = status
		result.check.Error = classified.Error()
		logger.WithFields(logrus.Fields{
			"status":   status,
			"duration": time.Since(startTime),
		}).WithError(classified).Warn("Registry handshake failed")
	} else {
		logger.WithFields(logrus.Fields{
			"status":   result.check.Status,
			"rows":     len(result.check.Rows),
			"total":    result.check.Total,
			"duration": time.Since(startTime),
		}).Info("Registry handshake completed")
	}

	c.metrics.RecordRegistry(q.Registry, string(result.check.Status))
	return result.check
}

type handshakeResult struct {
	check models.RegistryCheckResult
	step  *stepResult
}

func (c *RegistryClient) handshake(ctx context.Context, q RegistryQuery) (*handshakeResult, error) {
	out := &handshakeResult{check: models.RegistryCheckResult{Registry: q.Registry}}

	selector := q.TokenSelector
	if selector == "" {
		selector = DefaultTokenSelector
	}
	tokenHeader := q.TokenHeader
	if tokenHeader == "" {
		tokenHeader = DefaultTokenHeader
	}

	// 1. session-init
	var token string
	if q.LandingURL != "" {
		landing, err := c.step(ctx, http.MethodGet, q.LandingURL, nil, nil, selector)
		out.step = landing
		if err != nil {
			return out, err
		}
		token = landing.token
	}
	if token == "" && q.RequireToken {
		return out, fmt.Errorf("%s landing page: %w", q.Registry, shared.ErrTokenMissing)
	}

	// 2. prime
	var prime *stepResult
	var err error
	if q.PrimeMethod == http.MethodPost {
		header := xhrHeader()
		header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		prime, err = c.step(ctx, http.MethodPost, q.SearchURL, strings.NewReader(q.Params.Encode()), header, "")
	} else {
		searchURL, parseErr := withQuery(q.SearchURL, q.Params)
		if parseErr != nil {
			return out, fmt.Errorf("%w: %v", shared.ErrRegistryMalformed, parseErr)
		}
		prime, err = c.step(ctx, http.MethodGet, searchURL, nil, xhrHeader(), "")
	}
	out.step = prime
	if err != nil {
		return out, err
	}

	// 3. settle
	if err := shared.Sleep(ctx, c.settle); err != nil {
		return out, err
	}

	// 4. read
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	form := url.Values{}
	form.Set("page", "1")
	form.Set("pageSize", strconv.Itoa(pageSize))

	header := xhrHeader()
	header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	if token != "" {
		header.Set(tokenHeader, token)
	}

	read, err := c.step(ctx, http.MethodPost, q.ReadURL, strings.NewReader(form.Encode()), header, "")
	out.step = read
	if err != nil {
		return out, err
	}

	var envelope registryReadResponse
	if err := json.Unmarshal(bytes.TrimSpace(read.body), &envelope); err != nil {
		return out, fmt.Errorf("%s read: %w: %v", q.Registry, shared.ErrRegistryMalformed, err)
	}

	out.check.Rows = envelope.Data
	out.check.Total = envelope.Total
	if out.check.Total < len(envelope.Data) {
		out.check.Total = len(envelope.Data)
	}
	if len(envelope.Data) == 0 {
		out.check.Status = models.RegistryStatusNotFound
	} else {
		out.check.Status = models.RegistryStatusLive
	}
	return out, nil
}

// Detail fetches a detail page on the same session and returns its text.
// The result status is LIVE on success, otherwise the classified failure.
func (c *RegistryClient) Detail(ctx context.Context, registry, detailURL string, params url.Values) (string, models.RegistryStatus, error) {
	target, err := withQuery(detailURL, params)
	if err != nil {
		return "", models.RegistryStatusError, fmt.Errorf("%w: %v", shared.ErrRegistryMalformed, err)
	}

	result, err := c.step(ctx, http.MethodGet, target, nil, xhrHeader(), "")
	if err != nil {
		status, classified := classify(result, err)
		c.logger.WithFields(logrus.Fields{
			"component": "RegistryClient",
			"method":    "Detail",
			"registry":  registry,
			"status":    status,
		}).WithError(classified).Warn("Registry detail step failed")
		return "", status, classified
	}
	return string(result.body), models.RegistryStatusLive, nil
}

func xhrHeader() http.Header {
	header := http.Header{}
	header.Set("X-Requested-With", "XMLHttpRequest")
	header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	return header
}

func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	query := u.Query()
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// rowParams flattens the scalar fields of a result row into query parameters
func rowParams(row map[string]interface{}) url.Values {
	params := url.Values{}
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := row[key].(type) {
		case string:
			params.Set(key, v)
		case float64:
			params.Set(key, strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			params.Set(key, strconv.FormatBool(v))
		}
	}
	return params
}

// rowString reads a field from a result row as text
func rowString(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
