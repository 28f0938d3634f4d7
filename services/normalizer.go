package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/victorrobotxt/Dali/config"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	listingIDPattern  = regexp.MustCompile(`(?:adv=|obiava-)([a-zA-Z0-9]+)`)
)

// Normalizer canonicalizes listing URLs and fingerprints listing content
type Normalizer struct {
	allowedKeys map[string]struct{}
	hostAliases map[string]string
}

// NewNormalizer creates a normalizer from the pipeline allow list and host aliases
func NewNormalizer(cfg config.PipelineConfig) *Normalizer {
	allowed := make(map[string]struct{})
	for _, key := range cfg.AllowedQueryKeys() {
		allowed[strings.ToLower(key)] = struct{}{}
	}
	aliases := make(map[string]string)
	for from, to := range cfg.HostAliases() {
		aliases[strings.ToLower(from)] = strings.ToLower(to)
	}
	return &Normalizer{allowedKeys: allowed, hostAliases: aliases}
}

// NormalizeURL strips tracking parameters and the fragment, keeps allow-listed query keys
// in sorted order and maps the host to its canonical form.
func (n *Normalizer) NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty listing url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("listing url %q must be absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}

	host := strings.ToLower(u.Hostname())
	if alias, ok := n.hostAliases[host]; ok {
		host = alias
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	u.Host = host

	query := u.Query()
	rawKeys := make([]string, 0, len(query))
	for key := range query {
		rawKeys = append(rawKeys, key)
	}
	sort.Strings(rawKeys)

	// keys differing only in case collapse onto the first in byte order
	kept := url.Values{}
	for _, key := range rawKeys {
		folded := strings.ToLower(key)
		if _, ok := n.allowedKeys[folded]; !ok || len(query[key]) == 0 || kept.Has(folded) {
			continue
		}
		kept.Set(folded, query[key][0])
	}
	u.RawQuery = encodeSorted(kept)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u.String(), nil
}

func encodeSorted(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(values.Get(k)))
	}
	return strings.Join(parts, "&")
}

// Fingerprint is the hex SHA-256 of the whitespace-collapsed, case-folded text followed by the price
func Fingerprint(text string, price float64) string {
	clean := strings.ToLower(strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " ")))
	sum := sha256.Sum256([]byte(clean + strconv.FormatFloat(price, 'f', -1, 64)))
	return hex.EncodeToString(sum[:])
}

// ExtractListingID returns the advertisement id embedded in a listing url, or "unknown"
func ExtractListingID(rawURL string) string {
	match := listingIDPattern.FindStringSubmatch(rawURL)
	if len(match) < 2 {
		return "unknown"
	}
	return match[1]
}
