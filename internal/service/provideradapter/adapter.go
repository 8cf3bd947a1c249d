package provideradapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/metrics"
)

// Status is the canonical activation status an adapter reports, after
// mapping the provider's own vocabulary through the endpoint's StatusValues.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReceived  Status = "received"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusUnknown   Status = "unknown"
)

// NumberOrder is the result of a successful getNumber call.
type NumberOrder struct {
	ExternalID  string
	PhoneNumber string
}

// StatusResult is the result of a getStatus poll.
type StatusResult struct {
	Status    Status
	Text      string
	MessageID string
	RawStatus string
}

// HealthRecorder receives one sample per upstream call. The health tracker
// implements it; the adapter never blocks on it.
type HealthRecorder interface {
	Observe(ctx context.Context, sample provider.HealthSample)
}

// Adapter executes canonical operations against any provider whose wire
// format is described by an endpoint map. One instance serves all providers;
// per-provider budgets live in the limiter registry.
type Adapter struct {
	httpClient *http.Client
	logger     *zap.Logger
	limiters   *limiterRegistry
	health     HealthRecorder
	metrics    *metrics.Registry

	callTimeout time.Duration
	maxBodyLog  int

	traceMu sync.RWMutex
	traces  map[uuid.UUID]*RequestTrace
}

// Option configures the adapter.
type Option func(*Adapter)

func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

func WithMaxBodyLog(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxBodyLog = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.httpClient = c
		}
	}
}

func NewAdapter(logger *zap.Logger, health HealthRecorder, reg *metrics.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:      logger,
		limiters:    newLimiterRegistry(),
		health:      health,
		metrics:     reg,
		callTimeout: 10 * time.Second,
		maxBodyLog:  4096,
		traces:      make(map[uuid.UUID]*RequestTrace),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// GetNumber rents a number for (country, service) from the provider.
func (a *Adapter) GetNumber(ctx context.Context, p *provider.Provider, country, service string) (*NumberOrder, error) {
	doc, err := a.call(ctx, p, provider.OpGetNumber, map[string]string{
		"country": country,
		"service": service,
	})
	if err != nil {
		return nil, err
	}

	spec := p.Endpoints[provider.OpGetNumber]
	externalID, okID := extractString(doc, spec.Response.IDPath)
	phone, okNum := extractString(doc, spec.Response.NumberPath)
	if !okID || !okNum || externalID == "" || phone == "" {
		return nil, domainerrors.ErrNoNumbersAvailable
	}

	return &NumberOrder{ExternalID: externalID, PhoneNumber: phone}, nil
}

// CancelNumber releases a rented number upstream.
func (a *Adapter) CancelNumber(ctx context.Context, p *provider.Provider, externalID string) error {
	_, err := a.call(ctx, p, provider.OpCancelNumber, map[string]string{"id": externalID})
	return err
}

// GetStatus polls the provider for an activation's current status and any
// delivered message text.
func (a *Adapter) GetStatus(ctx context.Context, p *provider.Provider, externalID string) (*StatusResult, error) {
	doc, err := a.call(ctx, p, provider.OpGetStatus, map[string]string{"id": externalID})
	if err != nil {
		return nil, err
	}

	spec := p.Endpoints[provider.OpGetStatus]
	raw, _ := extractString(doc, spec.Response.StatusPath)
	text, _ := extractString(doc, spec.Response.TextPath)
	messageID, _ := extractString(doc, spec.Response.IDPath)

	return &StatusResult{
		Status:    canonicalStatus(raw, spec.Response.StatusValues),
		Text:      text,
		MessageID: messageID,
		RawStatus: raw,
	}, nil
}

// GetBalance returns the provider-side account balance in the provider's
// own currency units.
func (a *Adapter) GetBalance(ctx context.Context, p *provider.Provider) (float64, error) {
	spec, ok := p.Endpoints[provider.OpGetBalance]
	if !ok {
		return 0, domainerrors.NewBusinessError("OPERATION_NOT_CONFIGURED",
			fmt.Sprintf("provider %s does not expose getBalance", p.Name))
	}

	doc, err := a.call(ctx, p, provider.OpGetBalance, nil)
	if err != nil {
		return 0, err
	}

	balance, ok := extractFloat(doc, spec.Response.BalancePath)
	if !ok {
		return 0, domainerrors.NewExternalError(p.Name, "balance missing from response")
	}

	return balance, nil
}

// GetPrices fetches the provider's current offer catalog, optionally
// filtered by country and service.
func (a *Adapter) GetPrices(ctx context.Context, p *provider.Provider, country, service string) ([]provider.Offer, error) {
	spec, ok := p.Endpoints[provider.OpGetPrices]
	if !ok {
		return nil, domainerrors.NewBusinessError("OPERATION_NOT_CONFIGURED",
			fmt.Sprintf("provider %s does not expose getPrices", p.Name))
	}

	doc, err := a.call(ctx, p, provider.OpGetPrices, map[string]string{
		"country": country,
		"service": service,
	})
	if err != nil {
		return nil, err
	}

	elements, ok := listElements(doc, spec.Response.ListPath)
	if !ok {
		return nil, domainerrors.NewExternalError(p.Name, "price list missing from response")
	}

	now := time.Now()
	offers := make([]provider.Offer, 0, len(elements))
	for _, element := range elements {
		price, okPrice := extractFloat(element, spec.Response.PricePath)
		if !okPrice {
			continue
		}
		offer := provider.Offer{
			ProviderID: p.ID,
			Country:    country,
			Service:    service,
			PriceUSD:   price,
			FetchedAt:  now,
		}
		if c, ok := extractString(element, spec.Response.CountryPath); ok && c != "" {
			offer.Country = c
		}
		if s, ok := extractString(element, spec.Response.ServicePath); ok && s != "" {
			offer.Service = s
		}
		if stock, ok := extractInt(element, spec.Response.StockPath); ok {
			offer.Stock = stock
		}
		offers = append(offers, offer)
	}

	return offers, nil
}

// GetCountries lists the country codes the provider currently serves.
func (a *Adapter) GetCountries(ctx context.Context, p *provider.Provider) ([]string, error) {
	spec, ok := p.Endpoints[provider.OpGetCountries]
	if !ok {
		return nil, domainerrors.NewBusinessError("OPERATION_NOT_CONFIGURED",
			fmt.Sprintf("provider %s does not expose getCountries", p.Name))
	}

	doc, err := a.call(ctx, p, provider.OpGetCountries, nil)
	if err != nil {
		return nil, err
	}

	countries, ok := extractStringList(doc, spec.Response.ListPath, spec.Response.CountryPath)
	if !ok {
		return nil, domainerrors.NewExternalError(p.Name, "country list missing from response")
	}
	return countries, nil
}

// GetServices lists the services the provider currently sells, optionally
// narrowed to one country.
func (a *Adapter) GetServices(ctx context.Context, p *provider.Provider, country string) ([]string, error) {
	spec, ok := p.Endpoints[provider.OpGetServices]
	if !ok {
		return nil, domainerrors.NewBusinessError("OPERATION_NOT_CONFIGURED",
			fmt.Sprintf("provider %s does not expose getServices", p.Name))
	}

	doc, err := a.call(ctx, p, provider.OpGetServices, map[string]string{"country": country})
	if err != nil {
		return nil, err
	}

	services, ok := extractStringList(doc, spec.Response.ListPath, spec.Response.ServicePath)
	if !ok {
		return nil, domainerrors.NewExternalError(p.Name, "service list missing from response")
	}
	return services, nil
}

// extractStringList pulls a list of strings out of a list-shaped response.
// Elements may be bare strings (empty field path) or objects carrying the
// value under fieldPath; elements missing the field are skipped.
func extractStringList(doc any, listPath, fieldPath string) ([]string, bool) {
	elements, ok := listElements(doc, listPath)
	if !ok {
		return nil, false
	}

	out := make([]string, 0, len(elements))
	for _, element := range elements {
		if v, ok := extractString(element, fieldPath); ok && v != "" {
			out = append(out, v)
		}
	}
	return out, true
}

// LastTrace returns the retained snapshot of the provider's most recent
// call, or nil when the provider has not been called yet.
func (a *Adapter) LastTrace(providerID uuid.UUID) *RequestTrace {
	a.traceMu.RLock()
	defer a.traceMu.RUnlock()
	return a.traces[providerID]
}

// call runs one operation end to end: budget acquisition, template
// expansion, the HTTP exchange, classification, trace capture and a health
// sample.
func (a *Adapter) call(ctx context.Context, p *provider.Provider, op provider.Operation, params map[string]string) (any, error) {
	spec, ok := p.Endpoints[op]
	if !ok {
		return nil, domainerrors.NewBusinessError("OPERATION_NOT_CONFIGURED",
			fmt.Sprintf("provider %s does not expose %s", p.Name, op))
	}

	lim := a.limiters.get(p.ID, p.MaxConcurrency, p.RequestsPerMinute)
	waitStart := time.Now()
	if err := lim.acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait aborted: %w", err)
	}
	defer lim.release()

	if a.metrics != nil {
		a.metrics.RateLimitWaitDuration.Record(ctx,
			float64(time.Since(waitStart).Milliseconds()))
	}

	allParams := map[string]string{"api_key": p.APIKey}
	for k, v := range params {
		if v != "" {
			allParams[k] = v
		}
	}

	reqURL, headers, err := a.buildRequest(p, spec, allParams)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	started := time.Now()
	statusCode, body, callErr := a.do(callCtx, spec.Method, reqURL, headers)
	elapsed := time.Since(started)

	trace := &RequestTrace{
		Operation:   string(op),
		Method:      spec.Method,
		URL:         redactSecret(reqURL, p.APIKey),
		Headers:     redactHeaders(headers),
		StatusCode:  statusCode,
		BodySnippet: truncate(redactSecret(string(body), p.APIKey), a.maxBodyLog),
		Duration:    elapsed,
		StartedAt:   started,
	}
	if callErr != nil {
		trace.Error = callErr.Error()
	}
	a.storeTrace(p.ID, trace)

	result, classifyErr := a.classify(p, op, statusCode, body, callErr)

	healthy := classifyErr == nil || !isInfrastructureFailure(classifyErr)
	a.health.Observe(ctx, provider.NewHealthSample(p.ID, op, healthy, elapsed, statusCode))
	if a.metrics != nil {
		a.metrics.RecordProviderCall(ctx, float64(elapsed.Milliseconds()),
			p.Name, string(op), classifyErr == nil)
	}

	if classifyErr != nil {
		classifyErr = &ProviderAPIError{
			Provider:    p.Name,
			Operation:   string(op),
			Method:      spec.Method,
			URL:         trace.URL,
			Headers:     trace.Headers,
			StatusCode:  statusCode,
			BodySnippet: trace.BodySnippet,
			Err:         classifyErr,
		}
		a.logger.Warn("provider call failed",
			zap.String("provider", p.Name),
			zap.String("operation", string(op)),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", elapsed),
			zap.Error(classifyErr))
		return nil, classifyErr
	}

	return result, nil
}

func (a *Adapter) buildRequest(p *provider.Provider, spec provider.EndpointSpec, params map[string]string) (string, map[string]string, error) {
	path, err := provider.Expand(spec.PathTemplate, params)
	if err != nil {
		return "", nil, domainerrors.NewInternalError("endpoint template expansion failed").WithCause(err)
	}

	query := url.Values{}
	for name, tmpl := range spec.QueryParams {
		value, err := provider.Expand(tmpl, params)
		if err != nil {
			// Optional parameters the caller did not supply are skipped.
			continue
		}
		query.Set(name, value)
	}

	reqURL := strings.TrimRight(p.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	headers := make(map[string]string, len(spec.Headers))
	for name, tmpl := range spec.Headers {
		value, err := provider.Expand(tmpl, params)
		if err != nil {
			continue
		}
		headers[name] = value
	}

	return reqURL, headers, nil
}

func (a *Adapter) do(ctx context.Context, method, reqURL string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

// classify turns the raw exchange into either a decoded document or a
// canonical error.
func (a *Adapter) classify(p *provider.Provider, op provider.Operation, statusCode int, body []byte, callErr error) (any, error) {
	if callErr != nil {
		return nil, domainerrors.NewExternalError(p.Name, "unreachable").WithCause(callErr)
	}

	if statusCode == http.StatusTooManyRequests {
		return nil, domainerrors.ErrRateLimited
	}
	if statusCode >= 500 {
		return nil, domainerrors.NewExternalError(p.Name,
			fmt.Sprintf("returned status %d", statusCode))
	}

	upper := strings.ToUpper(string(body))
	switch {
	case strings.Contains(upper, "NO_NUMBERS") || strings.Contains(upper, "NO_NUMBER"):
		return nil, domainerrors.ErrNoNumbersAvailable
	case strings.Contains(upper, "NO_BALANCE") || strings.Contains(upper, "NO_MONEY"):
		return nil, domainerrors.ErrProviderNoBalance
	}

	if statusCode >= 400 {
		return nil, domainerrors.NewExternalError(p.Name,
			fmt.Sprintf("rejected %s with status %d", op, statusCode))
	}

	doc, err := decodeBody(body)
	if err != nil {
		return nil, domainerrors.NewExternalError(p.Name, "malformed response").WithCause(err)
	}

	return doc, nil
}

func (a *Adapter) storeTrace(providerID uuid.UUID, trace *RequestTrace) {
	a.traceMu.Lock()
	a.traces[providerID] = trace
	a.traceMu.Unlock()
}

// isInfrastructureFailure separates provider outages from business answers.
// A provider saying it has no numbers is healthy; one timing out is not.
func isInfrastructureFailure(err error) bool {
	if domainerrors.IsCode(err, domainerrors.CodeNoNumbers) ||
		domainerrors.IsCode(err, domainerrors.CodeNoProviderBalance) {
		return false
	}
	return true
}

// canonicalStatus maps a provider status string to the canonical set using
// the endpoint's StatusValues table, with a best-effort fallback for
// providers that already speak the canonical vocabulary.
func canonicalStatus(raw string, mapping map[string]string) Status {
	if raw == "" {
		return StatusUnknown
	}

	if mapped, ok := mapping[raw]; ok {
		raw = mapped
	}

	switch Status(strings.ToLower(raw)) {
	case StatusWaiting, StatusReceived, StatusCompleted, StatusCancelled, StatusExpired:
		return Status(strings.ToLower(raw))
	default:
		return StatusUnknown
	}
}
