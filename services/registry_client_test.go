package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

const testToken = "tok-7f3a"

// portalStub mimics an ASP.NET register: landing page with token, search prime, JSON read
type portalStub struct {
	mu sync.Mutex

	omitToken  bool
	readStatus int
	readBody   string
	detailBody string

	primes      []url.Values
	readHeaders []http.Header
	readForms   []url.Values
	cookies     []string
}

func (p *portalStub) landing(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-1", Path: "/"})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if p.omitToken {
		w.Write([]byte(`<html><body><form></form></body></html>`))
		return
	}
	w.Write([]byte(`<html><body><form><input name="__RequestVerificationToken" type="hidden" value="` + testToken + `"></form></body></html>`))
}

func (p *portalStub) prime(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	p.mu.Lock()
	p.primes = append(p.primes, r.Form)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

func (p *portalStub) read(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	p.mu.Lock()
	p.readHeaders = append(p.readHeaders, r.Header.Clone())
	p.readForms = append(p.readForms, r.PostForm)
	if c, err := r.Cookie("ASP.NET_SessionId"); err == nil {
		p.cookies = append(p.cookies, c.Value)
	}
	p.mu.Unlock()

	if p.readStatus != 0 {
		w.WriteHeader(p.readStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(p.readBody))
}

func (p *portalStub) detail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(p.detailBody))
}

func newCadastreServer(t *testing.T, stub *portalStub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bg/Map", stub.landing)
	mux.HandleFunc("/bg/Map/FastSearch", stub.prime)
	mux.HandleFunc("/bg/Map/ReadFoundObjects", stub.read)
	mux.HandleFunc("/bg/Map/GetObjectInfo", stub.detail)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newMunicipalServer(t *testing.T, registers map[string]*portalStub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for register, stub := range registers {
		mux.HandleFunc("/"+register, stub.landing)
		mux.HandleFunc("/"+register+"/Search", stub.prime)
		mux.HandleFunc("/"+register+"/Read", stub.read)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRegistryClient() *RegistryClient {
	cfg := config.DefaultPipelineConfig()
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.RegistryTimeout = 3 * time.Second
	return NewRegistryClient(cfg, nil, nil, nil)
}

func TestCadastreLookup_Live(t *testing.T) {
	stub := &portalStub{
		readBody:   `{"Data":[{"Number":"68134.905.12","Address":"гр. София, ул. Крум Попов 12","Id":4411}],"Total":1}`,
		detailBody: `<html><body><div>Площ по документ 62,5 кв. м</div></body></html>`,
	}
	server := newCadastreServer(t, stub)

	data, check := NewCadastreClient(newTestRegistryClient(), server.URL+"/").LookupCadastre(context.Background(), "ул. Крум Попов 12")

	require.Equal(t, models.RegistryStatusLive, check.Status, check.Error)
	assert.Equal(t, models.RegistryStatusLive, data.Status)
	assert.Equal(t, "68134.905.12", data.CadastreID)
	assert.Equal(t, "гр. София, ул. Крум Попов 12", data.Address)
	assert.Equal(t, 62.5, data.OfficialArea)
	assert.True(t, data.Resolved())

	require.Len(t, stub.primes, 1)
	assert.Equal(t, "ул. Крум Попов 12", stub.primes[0].Get("KeyWords"))

	require.Len(t, stub.readHeaders, 1)
	assert.Equal(t, testToken, stub.readHeaders[0].Get(DefaultTokenHeader))
	assert.Equal(t, "XMLHttpRequest", stub.readHeaders[0].Get("X-Requested-With"))
	assert.Equal(t, "1", stub.readForms[0].Get("page"))
	assert.Equal(t, "5", stub.readForms[0].Get("pageSize"))
	assert.Equal(t, []string{"sess-1"}, stub.cookies)
}

func TestCadastreLookup_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		stub *portalStub
		want models.RegistryStatus
	}{
		{
			name: "no match",
			stub: &portalStub{readBody: `{"Data":[],"Total":0}`},
			want: models.RegistryStatusNotFound,
		},
		{
			name: "malformed read",
			stub: &portalStub{readBody: `<html>Service maintenance</html>`},
			want: models.RegistryStatusError,
		},
		{
			name: "server error",
			stub: &portalStub{readStatus: http.StatusServiceUnavailable},
			want: models.RegistryStatusOffline,
		},
		{
			name: "client error",
			stub: &portalStub{readStatus: http.StatusBadRequest},
			want: models.RegistryStatusError,
		},
		{
			name: "missing token",
			stub: &portalStub{omitToken: true, readBody: `{"Data":[],"Total":0}`},
			want: models.RegistryStatusError,
		},
		{
			name: "detail without area",
			stub: &portalStub{
				readBody:   `{"Data":[{"Number":"68134.905.12"}],"Total":1}`,
				detailBody: `<html><body>Обект без данни</body></html>`,
			},
			want: models.RegistryStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newCadastreServer(t, tt.stub)

			data, check := NewCadastreClient(newTestRegistryClient(), server.URL).LookupCadastre(context.Background(), "ул. Шипка 6")

			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, tt.want, data.Status)
			assert.Equal(t, RegistryCadastre, check.Registry)
			if tt.want != models.RegistryStatusNotFound {
				assert.NotEmpty(t, check.Error)
			}
		})
	}
}

func TestCadastreLookup_MissingTokenSkipsRead(t *testing.T) {
	stub := &portalStub{omitToken: true}
	server := newCadastreServer(t, stub)

	_, check := NewCadastreClient(newTestRegistryClient(), server.URL).LookupCadastre(context.Background(), "ул. Шипка 6")

	assert.Equal(t, models.RegistryStatusError, check.Status)
	assert.Contains(t, check.Error, shared.ErrTokenMissing.Error())
	assert.Empty(t, stub.primes)
	assert.Empty(t, stub.readHeaders)
}

func TestCadastreLookup_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	data, check := NewCadastreClient(newTestRegistryClient(), baseURL).LookupCadastre(context.Background(), "ул. Шипка 6")

	assert.Equal(t, models.RegistryStatusOffline, check.Status)
	assert.Equal(t, models.RegistryStatusOffline, data.Status)
}

func TestCadastreLookup_EmptyAddress(t *testing.T) {
	data, check := NewCadastreClient(newTestRegistryClient(), "http://127.0.0.1:1").LookupCadastre(context.Background(), "  ")

	assert.Equal(t, models.RegistryStatusNotFound, check.Status)
	assert.False(t, data.Resolved())
}

func TestComplianceCheck(t *testing.T) {
	act16 := &portalStub{readBody: `{"Data":[{"Number":"ДП-16-112","Date":"2019-05-10"}],"Total":1}`}
	permits := &portalStub{readBody: `{"Data":[{"Number":"РС-1"},{"Number":"РС-2"}],"Total":7}`}
	server := newMunicipalServer(t, map[string]*portalStub{
		"RegisterCertificateForExploitationBuildings": act16,
		"RegisterBuildingPermitsPortal":               permits,
	})

	data, results := NewComplianceClient(newTestRegistryClient(), server.URL).CheckCompliance(context.Background(), "68134.905.12")

	require.Len(t, results, 2)
	assert.Equal(t, RegistryAct16, results[0].Registry)
	assert.Equal(t, RegistryPermits, results[1].Registry)

	assert.Equal(t, models.RegistryStatusLive, data.Status)
	assert.True(t, data.Checked)
	assert.True(t, data.HasAct16)
	assert.Equal(t, 1, data.Certificates)
	assert.Equal(t, models.RegistryStatusLive, data.PermitStatus)
	assert.Equal(t, 7, data.PermitCount)

	require.Len(t, act16.primes, 1)
	assert.Equal(t, "68134.905.12", act16.primes[0].Get("Identifier"))
	_, err := uuid.Parse(act16.primes[0].Get("searchQueryId"))
	assert.NoError(t, err)
	// municipal registers do not require a token, but it is forwarded when present
	assert.Equal(t, testToken, act16.readHeaders[0].Get(DefaultTokenHeader))
}

func TestComplianceCheck_NoCertificate(t *testing.T) {
	server := newMunicipalServer(t, map[string]*portalStub{
		"RegisterCertificateForExploitationBuildings": {readBody: `{"Data":[],"Total":0}`},
		"RegisterBuildingPermitsPortal":               {readStatus: http.StatusInternalServerError},
	})

	data, results := NewComplianceClient(newTestRegistryClient(), server.URL).CheckCompliance(context.Background(), "68134.905.12")

	require.Len(t, results, 2)
	assert.Equal(t, models.RegistryStatusNotFound, data.Status)
	assert.True(t, data.Checked)
	assert.False(t, data.HasAct16)
	assert.Equal(t, models.RegistryStatusOffline, data.PermitStatus)
	assert.Equal(t, 0, data.PermitCount)
}

func TestComplianceCheck_WithoutCadastreID(t *testing.T) {
	data, results := NewComplianceClient(newTestRegistryClient(), "http://127.0.0.1:1").CheckCompliance(context.Background(), "")

	assert.Nil(t, results)
	assert.False(t, data.Checked)
	assert.Equal(t, models.RegistryStatusNotFound, data.Status)
}

func TestExpropriationCheck(t *testing.T) {
	stub := &portalStub{readBody: `{"Data":[{"CadNumber":"68134.905.12","Decision":"РМС 44/2021"}],"Total":1}`}
	server := newMunicipalServer(t, map[string]*portalStub{"RegisterExpropriation": stub})

	data, check := NewExpropriationClient(newTestRegistryClient(), server.URL).CheckExpropriation(context.Background(), "68134.905.12", "Лозенец")

	assert.Equal(t, models.RegistryStatusLive, check.Status)
	assert.True(t, data.Expropriated)
	assert.Equal(t, "CadNumber: 68134.905.12; Decision: РМС 44/2021", data.Details)

	require.Len(t, stub.primes, 1)
	assert.Equal(t, "68134.905.12", stub.primes[0].Get("CadNumber"))
	assert.Equal(t, "Лозенец", stub.primes[0].Get("RegionName"))
}

func TestExpropriationCheck_NotListed(t *testing.T) {
	server := newMunicipalServer(t, map[string]*portalStub{
		"RegisterExpropriation": {readBody: `{"Data":[],"Total":0}`},
	})

	data, check := NewExpropriationClient(newTestRegistryClient(), server.URL).CheckExpropriation(context.Background(), "68134.905.12", "")

	assert.Equal(t, models.RegistryStatusNotFound, check.Status)
	assert.False(t, data.Expropriated)
}

func TestRegistryLookup_CancelledContext(t *testing.T) {
	stub := &portalStub{readBody: `{"Data":[],"Total":0}`}
	server := newCadastreServer(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	check := newTestRegistryClient().Lookup(ctx, RegistryQuery{
		Registry:   RegistryCadastre,
		LandingURL: server.URL + "/bg/Map",
		SearchURL:  server.URL + "/bg/Map/FastSearch",
		ReadURL:    server.URL + "/bg/Map/ReadFoundObjects",
	})

	assert.NotEqual(t, models.RegistryStatusLive, check.Status)
	assert.Empty(t, stub.readHeaders)
}

func TestParseOfficialArea(t *testing.T) {
	tests := []struct {
		detail string
		want   float64
	}{
		{`<td>Площ по документ 62,5 кв. м</td>`, 62.5},
		{`<td>Площ 104.30 кв.м</td>`, 104.3},
		{`<td>ПЛОЩ ПО ДОКУМЕНТ</td><td>75 кв. м</td>`, 75},
	}
	for _, tt := range tests {
		area, snippet, err := ParseOfficialArea(tt.detail)
		require.NoError(t, err, tt.detail)
		assert.Equal(t, tt.want, area)
		assert.NotEmpty(t, snippet)
	}

	_, _, err := ParseOfficialArea(`<td>Няма данни</td>`)
	assert.ErrorIs(t, err, shared.ErrRegistryMalformed)
}

func TestClassify(t *testing.T) {
	status, _ := classify(&stepResult{statusCode: 502}, assert.AnError)
	assert.Equal(t, models.RegistryStatusOffline, status)

	status, _ = classify(&stepResult{statusCode: 404}, assert.AnError)
	assert.Equal(t, models.RegistryStatusError, status)

	status, _ = classify(&stepResult{}, context.DeadlineExceeded)
	assert.Equal(t, models.RegistryStatusOffline, status)

	status, err := classify(nil, nil)
	assert.Equal(t, models.RegistryStatusLive, status)
	assert.NoError(t, err)
}

func TestPortalRegistryFactory_IsolatesSessions(t *testing.T) {
	factory := NewPortalRegistryFactory(config.DefaultPipelineConfig(), nil)

	first := factory.ForRun()
	defer first.Close()
	second := factory.ForRun()
	defer second.Close()

	compliance := first.Compliance.(*ComplianceClient).client
	expropriation := first.Expropriation.(*ExpropriationClient).client
	cadastre := first.Cadastre.(*CadastreClient).client

	assert.NotSame(t, compliance, expropriation)
	assert.NotSame(t, compliance.collector, expropriation.collector)
	assert.NotSame(t, compliance.limiter, expropriation.limiter)
	assert.NotSame(t, cadastre.limiter, second.Cadastre.(*CadastreClient).client.limiter)
	assert.Equal(t, 250*time.Millisecond, config.DefaultPipelineConfig().RegistryInterval)
}

func TestPortalRegistryFactory_ConcurrentRunsDoNotSerialize(t *testing.T) {
	stub := &portalStub{
		readBody:   `{"Data":[{"Number":"68134.905.12","Address":"ул. Крум Попов 12"}],"Total":1}`,
		detailBody: `<div>Площ 60 кв. м</div>`,
	}
	server := newCadastreServer(t, stub)

	cfg := config.DefaultPipelineConfig()
	cfg.Endpoints.CadastreBaseURL = server.URL
	cfg.SettleDelay = 0
	cfg.RegistryInterval = 150 * time.Millisecond
	cfg.RegistryTimeout = 3 * time.Second
	factory := NewPortalRegistryFactory(cfg, nil)

	const runs = 4
	var wg sync.WaitGroup
	statuses := make([]models.RegistryStatus, runs)
	start := time.Now()
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set := factory.ForRun()
			defer set.Close()
			_, check := set.Cadastre.LookupCadastre(context.Background(), "ул. Крум Попов 12")
			statuses[i] = check.Status
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, status := range statuses {
		assert.Equal(t, models.RegistryStatusLive, status)
	}
	// one lookup spaces four requests by three intervals; serialized runs would need four times that
	assert.Less(t, elapsed, 1200*time.Millisecond)
}

func TestRegistryClient_LimiterWaitIsBoundedByStepTimeout(t *testing.T) {
	stub := &portalStub{readBody: `{"Data":[],"Total":0}`}
	server := newCadastreServer(t, stub)

	cfg := config.DefaultPipelineConfig()
	cfg.SettleDelay = 0
	cfg.RegistryTimeout = 100 * time.Millisecond
	client := NewRegistryClient(cfg, nil, shared.NewHTTPRequestRateLimiter(time.Hour), nil)

	start := time.Now()
	_, check := NewCadastreClient(client, server.URL).LookupCadastre(context.Background(), "ул. Крум Попов 12")

	assert.Equal(t, models.RegistryStatusOffline, check.Status)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, stub.primes)
}
