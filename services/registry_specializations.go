package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

const (
	RegistryCadastre      = "cadastre"
	RegistryAct16         = "act16"
	RegistryPermits       = "permits"
	RegistryExpropriation = "expropriation"

	cadastrePageSize = 5
)

var officialAreaPattern = regexp.MustCompile(`(?i)площ(?: по документ)?\s*([\d.,]+)\s*кв\. ?м`)

// CadastreRegistry resolves an address to a cadastral object
type CadastreRegistry interface {
	LookupCadastre(ctx context.Context, address string) (*models.CadastreData, models.RegistryCheckResult)
}

// ComplianceRegistry checks commissioning certificates and building permits for a cadastral id
type ComplianceRegistry interface {
	CheckCompliance(ctx context.Context, cadastreID string) (*models.ComplianceData, []models.RegistryCheckResult)
}

// ExpropriationRegistry checks the municipal expropriation register for a cadastral id
type ExpropriationRegistry interface {
	CheckExpropriation(ctx context.Context, cadastreID, region string) (*models.ExpropriationData, models.RegistryCheckResult)
}

// RegistrySet is the registry access of one audit run
type RegistrySet struct {
	Cadastre      CadastreRegistry
	Compliance    ComplianceRegistry
	Expropriation ExpropriationRegistry

	release func()
}

// Close releases the run's pooled connections
func (s *RegistrySet) Close() {
	if s != nil && s.release != nil {
		s.release()
	}
}

// RegistryFactory builds isolated registry access for each run
type RegistryFactory interface {
	ForRun() *RegistrySet
}

// PortalRegistryFactory creates registry clients bound to a per-run transport.
// Nothing is shared between runs, so concurrent runs never queue behind each other.
type PortalRegistryFactory struct {
	cfg     config.PipelineConfig
	metrics *shared.PipelineMetrics
}

// NewPortalRegistryFactory creates the production registry factory
func NewPortalRegistryFactory(cfg config.PipelineConfig, metrics *shared.PipelineMetrics) *PortalRegistryFactory {
	return &PortalRegistryFactory{cfg: cfg, metrics: metrics}
}

// ForRun creates a fresh transport and one session per registry lookup.
// Compliance and expropriation run concurrently, so each gets its own cookie jar and limiter.
func (f *PortalRegistryFactory) ForRun() *RegistrySet {
	transport := shared.NewRunTransport()
	session := func() *RegistryClient {
		return NewRegistryClient(f.cfg, transport, shared.NewHTTPRequestRateLimiter(f.cfg.RegistryInterval), f.metrics)
	}

	return &RegistrySet{
		Cadastre:      NewCadastreClient(session(), f.cfg.Endpoints.CadastreBaseURL),
		Compliance:    NewComplianceClient(session(), f.cfg.Endpoints.MunicipalBaseURL),
		Expropriation: NewExpropriationClient(session(), f.cfg.Endpoints.MunicipalBaseURL),
		release:       transport.CloseIdleConnections,
	}
}

// CadastreClient queries the KAIS map search and object-info endpoints
type CadastreClient struct {
	client  *RegistryClient
	baseURL string
}

func NewCadastreClient(client *RegistryClient, baseURL string) *CadastreClient {
	return &CadastreClient{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// LookupCadastre searches by free-text address and reads the official area of the first hit
func (c *CadastreClient) LookupCadastre(ctx context.Context, address string) (*models.CadastreData, models.RegistryCheckResult) {
	address = strings.TrimSpace(address)
	if address == "" {
		check := models.RegistryCheckResult{Registry: RegistryCadastre, Status: models.RegistryStatusNotFound, Error: "no address to search"}
		return &models.CadastreData{Status: models.RegistryStatusNotFound}, check
	}

	check := c.client.Lookup(ctx, RegistryQuery{
		Registry:     RegistryCadastre,
		LandingURL:   c.baseURL + "/bg/Map",
		SearchURL:    c.baseURL + "/bg/Map/FastSearch",
		ReadURL:      c.baseURL + "/bg/Map/ReadFoundObjects",
		Params:       url.Values{"KeyWords": {address}},
		RequireToken: true,
		PageSize:     cadastrePageSize,
	})
	if check.Status != models.RegistryStatusLive {
		return &models.CadastreData{Status: check.Status}, check
	}

	row := check.FirstRow()
	data := &models.CadastreData{
		Status:     models.RegistryStatusLive,
		CadastreID: rowString(row, "Number"),
		Address:    rowString(row, "Address"),
	}

	detail, status, err := c.client.Detail(ctx, RegistryCadastre, c.baseURL+"/bg/Map/GetObjectInfo", rowParams(row))
	if err != nil {
		check.Status = status
		check.Error = err.Error()
		data.Status = status
		return data, check
	}

	area, snippet, err := ParseOfficialArea(detail)
	if err != nil {
		check.Status = models.RegistryStatusError
		check.Error = err.Error()
		data.Status = models.RegistryStatusError
		return data, check
	}
	data.OfficialArea = area
	check.Detail = snippet
	return data, check
}

// ParseOfficialArea extracts the documented area in square metres from an object-info page
func ParseOfficialArea(detail string) (float64, string, error) {
	text := detail
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(detail)); err == nil {
		text = doc.Text()
	}
	text = whitespacePattern.ReplaceAllString(text, " ")

	match := officialAreaPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, "", fmt.Errorf("object info has no area field: %w", shared.ErrRegistryMalformed)
	}
	area := NewUtilityService().ExtractNumeric(match[1])
	if area <= 0 {
		return 0, "", fmt.Errorf("object info area %q is not a number: %w", match[1], shared.ErrRegistryMalformed)
	}
	return area, match[0], nil
}

// ComplianceClient checks the Act 16 certificate register and the building permits portal
type ComplianceClient struct {
	client  *RegistryClient
	baseURL string
}

func NewComplianceClient(client *RegistryClient, baseURL string) *ComplianceClient {
	return &ComplianceClient{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// CheckCompliance runs the certificate handshake and then the permit count handshake on the same session
func (c *ComplianceClient) CheckCompliance(ctx context.Context, cadastreID string) (*models.ComplianceData, []models.RegistryCheckResult) {
	if strings.TrimSpace(cadastreID) == "" {
		return &models.ComplianceData{Status: models.RegistryStatusNotFound, PermitStatus: models.RegistryStatusNotFound}, nil
	}

	certificates := c.client.Lookup(ctx, c.municipalQuery(RegistryAct16, "RegisterCertificateForExploitationBuildings", cadastreID))
	data := &models.ComplianceData{
		Status:  certificates.Status,
		Checked: certificates.Status.Queried(),
	}
	if certificates.Status == models.RegistryStatusLive {
		data.HasAct16 = true
		data.Certificates = certificates.Total
	}

	permits := c.client.Lookup(ctx, c.municipalQuery(RegistryPermits, "RegisterBuildingPermitsPortal", cadastreID))
	data.PermitStatus = permits.Status
	if permits.Status.Queried() {
		data.PermitCount = permits.Total
	}

	return data, []models.RegistryCheckResult{certificates, permits}
}

func (c *ComplianceClient) municipalQuery(registry, register, cadastreID string) RegistryQuery {
	return RegistryQuery{
		Registry:   registry,
		LandingURL: c.baseURL + "/" + register,
		SearchURL:  c.baseURL + "/" + register + "/Search",
		ReadURL:    c.baseURL + "/" + register + "/Read",
		Params: url.Values{
			"searchQueryId": {uuid.NewString()},
			"Identifier":    {cadastreID},
		},
	}
}

// ExpropriationClient checks the municipal expropriation register
type ExpropriationClient struct {
	client  *RegistryClient
	baseURL string
}

func NewExpropriationClient(client *RegistryClient, baseURL string) *ExpropriationClient {
	return &ExpropriationClient{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// CheckExpropriation reports any register row for the cadastral id as an expropriation
func (c *ExpropriationClient) CheckExpropriation(ctx context.Context, cadastreID, region string) (*models.ExpropriationData, models.RegistryCheckResult) {
	if strings.TrimSpace(cadastreID) == "" {
		check := models.RegistryCheckResult{Registry: RegistryExpropriation, Status: models.RegistryStatusNotFound, Error: "no cadastral id"}
		return &models.ExpropriationData{Status: models.RegistryStatusNotFound}, check
	}

	check := c.client.Lookup(ctx, RegistryQuery{
		Registry:    RegistryExpropriation,
		LandingURL:  c.baseURL + "/RegisterExpropriation",
		SearchURL:   c.baseURL + "/RegisterExpropriation/Search",
		ReadURL:     c.baseURL + "/RegisterExpropriation/Read",
		PrimeMethod: http.MethodPost,
		Params: url.Values{
			"searchQueryId": {uuid.NewString()},
			"CadNumber":     {cadastreID},
			"RegionName":    {region},
		},
	})

	data := &models.ExpropriationData{Status: check.Status}
	if check.Status == models.RegistryStatusLive {
		data.Expropriated = true
		data.Details = summarizeRow(check.FirstRow())
	}
	return data, check
}

// summarizeRow renders a result row as "key: value" pairs in key order
func summarizeRow(row map[string]interface{}) string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if value := rowString(row, key); value != "" {
			parts = append(parts, key+": "+value)
		}
	}
	return strings.Join(parts, "; ")
}
