package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
	"golang.org/x/text/encoding/charmap"
)

const htmlAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

var (
	// phrases are matched against visible page text only, never markup or meta tags
	challengePhrases = []string{
		"captcha", "security check", "verify you are human", "are you a robot", "not a robot",
		"checking your browser", "проверка за сигурност", "не сте робот",
	}
	challengeSelector = strings.Join([]string{
		".g-recaptcha", ".h-captcha", "#challenge-form", "#challenge-stage", "#cf-challenge-running",
		`form[action*="captcha"]`, `iframe[src*="captcha"]`, `iframe[src*="challenges.cloudflare.com"]`,
	}, ", ")

	priceTextPattern    = regexp.MustCompile(`([\d][\d\s\.,]*)\s?(EUR|€|лв)`)
	areaLabelPattern    = regexp.MustCompile(`Площ:\s*(\d+)`)
	areaUnitPattern     = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:кв\.?\s?м|m2|м2)`)
	floorLabelPattern   = regexp.MustCompile(`Етаж:\s*([^\n,;]+)`)
	addressLabelPattern = regexp.MustCompile(`(?i)(?:ул\.|бул\.)\s*[^\n,;]+`)
)

// PageFetcher renders a page and returns its final HTML
type PageFetcher interface {
	FetchHTML(ctx context.Context, pageURL string) (string, error)
}

// ListingScraper fetches and parses a single advertisement page.
// Plain HTTP is tried first; bot challenges escalate to the page fetcher.
type ListingScraper struct {
	client           *http.Client
	browser          PageFetcher
	utility          *UtilityService
	metrics          *shared.PipelineMetrics
	timeout          time.Duration
	maxImages        int
	maxRetryAttempts int
	logger           *logrus.Logger
}

// NewListingScraper creates a scraper. browser may be nil, in which case challenges fail the scrape.
func NewListingScraper(cfg config.PipelineConfig, clients *shared.HTTPClientFactory, browser PageFetcher, metrics *shared.PipelineMetrics) *ListingScraper {
	return &ListingScraper{
		client:           clients.Client(cfg.ScrapeTimeout),
		browser:          browser,
		utility:          NewUtilityService(),
		metrics:          metrics,
		timeout:          cfg.ScrapeTimeout,
		maxImages:        cfg.MaxImages,
		maxRetryAttempts: 2,
		logger:           logrus.StandardLogger(),
	}
}

// Scrape fetches the listing page and extracts a ScrapedListing
func (s *ListingScraper) Scrape(ctx context.Context, listingURL string) (*models.ScrapedListing, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"component": "ListingScraper",
		"method":    "Scrape",
		"url":       listingURL,
	})

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	fetchedVia := "http"
	page, err := s.fetchHTTP(ctx, listingURL)
	challenged := errors.Is(err, shared.ErrBotChallengeDetected)
	if err != nil && !challenged {
		return nil, shared.WrapError(err, shared.ErrorCategoryNetwork, "SCRAPE_FETCH_FAILED", "ListingScraper", "Scrape", shared.IsRetryableError(err))
	}

	if challenged {
		logger.Warn("Bot challenge on listing page, escalating to browser fetch")
		if s.browser == nil {
			return nil, shared.NewServiceError(shared.ErrorCategoryUpstream, "BOT_CHALLENGE", "listing page is behind a bot challenge", "ListingScraper", "Scrape", true, shared.ErrBotChallengeDetected)
		}
		s.metrics.RecordBrowserFallback()

		page, err = s.browser.FetchHTML(ctx, listingURL)
		if err != nil {
			return nil, shared.WrapError(fmt.Errorf("browser fetch: %w", err), shared.ErrorCategoryNetwork, "BROWSER_FETCH_FAILED", "ListingScraper", "Scrape", true)
		}
		if IsBotChallenge(page) {
			return nil, shared.NewServiceError(shared.ErrorCategoryUpstream, "BOT_CHALLENGE", "browser fetch still served a bot challenge", "ListingScraper", "Scrape", true, shared.ErrBotChallengeDetected)
		}
		fetchedVia = "browser"
	}

	listing, err := s.ParseListing(listingURL, page)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryProcessing, "SCRAPE_PARSE_FAILED", "ListingScraper", "Scrape", false)
	}
	listing.FetchedVia = fetchedVia

	if err := listing.Validate(); err != nil {
		return nil, shared.NewServiceError(shared.ErrorCategoryValidation, "SCRAPE_INVALID", "scraped listing failed validation", "ListingScraper", "Scrape", false, err)
	}

	logger.WithFields(logrus.Fields{
		"price":       listing.Price,
		"area":        listing.Area,
		"images":      len(listing.ImageURLs),
		"fetched_via": fetchedVia,
	}).Info("Scraped listing")

	return listing, nil
}

func (s *ListingScraper) fetchHTTP(ctx context.Context, listingURL string) (string, error) {
	body, err := shared.FetchWithRetry(ctx, s.client, listingURL, htmlAccept, s.maxRetryAttempts)
	if err != nil {
		var statusErr *shared.HTTPStatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusForbidden || statusErr.StatusCode == http.StatusTooManyRequests) {
			return "", fmt.Errorf("HTTP %d: %w", statusErr.StatusCode, shared.ErrBotChallengeDetected)
		}
		return "", err
	}

	page := decodePage(body)
	if IsBotChallenge(page) {
		return "", shared.ErrBotChallengeDetected
	}
	return page, nil
}

// decodePage returns UTF-8 text; imot.bg serves windows-1251
func decodePage(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	decoded, err := charmap.Windows1251.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

// IsBotChallenge reports whether a page is an anti-automation interstitial.
// Challenge widgets are found by selector; phrases only count in the visible title and body text.
func IsBotChallenge(page string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return false
	}
	if doc.Find(challengeSelector).Length() > 0 {
		return true
	}

	doc.Find("script, style, noscript, meta, link").Remove()
	visible := doc.Find("title").Text() + " " + doc.Find("body").Text()
	visible = strings.ToLower(whitespacePattern.ReplaceAllString(visible, " "))
	for _, phrase := range challengePhrases {
		if strings.Contains(visible, phrase) {
			return true
		}
	}
	return false
}

// ParseListing extracts listing fields from decoded page HTML
func (s *ListingScraper) ParseListing(listingURL, page string) (*models.ScrapedListing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	title := s.utility.NormalizeTextContent(doc.Find("h1").First().Text())
	description := s.utility.NormalizeTextContent(doc.Find("#description_div").First().Text())
	bodyText := s.utility.NormalizeTextContent(doc.Find("body").Text())
	if bodyText == "" {
		bodyText = s.utility.NormalizeTextContent(doc.Text())
	}
	if description == "" {
		description = bodyText
	}

	listing := &models.ScrapedListing{
		SourceURL:   listingURL,
		Title:       title,
		Description: description,
		RawText:     strings.TrimSpace(title + " " + bodyText),
	}

	listing.Price, listing.Currency = s.extractPrice(doc, bodyText)
	listing.Area = s.extractArea(bodyText)
	listing.Neighborhood = extractNeighborhood(doc, title)

	if match := floorLabelPattern.FindStringSubmatch(bodyText); match != nil {
		listing.Floor = strings.TrimSpace(match[1])
	}
	if match := addressLabelPattern.FindString(description); match != "" {
		listing.Address = strings.TrimSpace(match)
	}

	listing.ImageURLs = s.extractImages(doc, listingURL)
	return listing, nil
}

func (s *ListingScraper) extractPrice(doc *goquery.Document, bodyText string) (float64, string) {
	for _, selector := range []string{"#price", "#price_obs", ".price"} {
		text := strings.TrimSpace(doc.Find(selector).First().Text())
		if text == "" {
			continue
		}
		if price := s.utility.ExtractNumeric(text); price > 0 {
			return price, detectCurrency(text)
		}
	}

	if match := priceTextPattern.FindStringSubmatch(bodyText); match != nil {
		return s.utility.ExtractNumeric(match[1]), detectCurrency(match[2])
	}
	return 0, ""
}

func detectCurrency(text string) string {
	switch {
	case strings.Contains(text, "лв"), strings.Contains(strings.ToUpper(text), "BGN"):
		return "BGN"
	case strings.Contains(text, "€"), strings.Contains(strings.ToUpper(text), "EUR"):
		return "EUR"
	default:
		return ""
	}
}

func (s *ListingScraper) extractArea(bodyText string) float64 {
	if match := areaLabelPattern.FindStringSubmatch(bodyText); match != nil {
		return s.utility.ExtractNumeric(match[1])
	}
	if match := areaUnitPattern.FindStringSubmatch(bodyText); match != nil {
		return s.utility.ExtractNumeric(match[1])
	}
	return 0
}

// extractNeighborhood reads the location line, falling back to the last title segment
// ("Продава 2-СТАЕН, град София, Лозенец")
func extractNeighborhood(doc *goquery.Document, title string) string {
	location := strings.TrimSpace(doc.Find(".location").First().Text())
	if location == "" {
		location = title
	}
	parts := strings.Split(location, ",")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-1])
}

func (s *ListingScraper) extractImages(doc *goquery.Document, listingURL string) []string {
	base, _ := url.Parse(listingURL)
	seen := make(map[string]struct{})
	var images []string

	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, ok := img.Attr("src")
		if !ok || src == "" {
			src, _ = img.Attr("data-src")
		}
		if !strings.Contains(src, "imot.bg") {
			return true
		}
		if strings.HasPrefix(src, "//") {
			src = "https:" + src
		} else if base != nil {
			if ref, err := base.Parse(src); err == nil {
				src = ref.String()
			}
		}
		if _, dup := seen[src]; dup {
			return true
		}
		seen[src] = struct{}{}
		images = append(images, src)
		return s.maxImages <= 0 || len(images) < s.maxImages
	})

	return images
}
