package rest

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
	"github.com/virtualsim/activation-backend/internal/service/purchase"
)

// PurchaseService buys numbers with routing and failover.
type PurchaseService interface {
	Purchase(ctx context.Context, userID uuid.UUID, country, service, idempotencyKey string) (*purchase.Result, error)
}

// ActivationService is the activation lifecycle surface the API exposes.
type ActivationService interface {
	Get(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
	Messages(ctx context.Context, id uuid.UUID) ([]activation.SmsMessage, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*activation.Activation, error)
	Complete(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
	Cancel(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
}

// WalletService is the money surface the API exposes.
type WalletService interface {
	Deposit(ctx context.Context, userID uuid.UUID, amount values.Money, idempotencyKey string) (*wallet.Wallet, error)
	Balance(ctx context.Context, userID uuid.UUID) (*wallet.Wallet, error)
	VerifyBalance(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ProviderStore manages provider configurations.
type ProviderStore interface {
	Create(ctx context.Context, p *provider.Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	ListActive(ctx context.Context) ([]*provider.Provider, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Dispatcher runs raw adapter operations against a provider, for admin
// debugging of endpoint maps.
type Dispatcher interface {
	GetNumber(ctx context.Context, p *provider.Provider, country, service string) (*provideradapter.NumberOrder, error)
	CancelNumber(ctx context.Context, p *provider.Provider, externalID string) error
	GetStatus(ctx context.Context, p *provider.Provider, externalID string) (*provideradapter.StatusResult, error)
	GetBalance(ctx context.Context, p *provider.Provider) (float64, error)
	GetPrices(ctx context.Context, p *provider.Provider, country, service string) ([]provider.Offer, error)
	GetCountries(ctx context.Context, p *provider.Provider) ([]string, error)
	GetServices(ctx context.Context, p *provider.Provider, country string) ([]string, error)
	LastTrace(providerID uuid.UUID) *provideradapter.RequestTrace
}

// CatalogService refreshes cached provider offers.
type CatalogService interface {
	RefreshProvider(ctx context.Context, providerID uuid.UUID) error
}

// Pinger reports backend reachability for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers owns the HTTP handler set. Services are injected as interfaces
// so tests can substitute mocks.
type Handlers struct {
	purchases   PurchaseService
	activations ActivationService
	wallets     WalletService
	providers   ProviderStore
	dispatcher  Dispatcher
	catalog     CatalogService
	readiness   []Pinger

	validate *validator.Validate
	currency string
}

func NewHandlers(purchases PurchaseService, activations ActivationService, wallets WalletService,
	providers ProviderStore, dispatcher Dispatcher, catalog CatalogService, currency string, readiness ...Pinger) *Handlers {
	if currency == "" {
		currency = values.USD
	}
	return &Handlers{
		purchases:   purchases,
		activations: activations,
		wallets:     wallets,
		providers:   providers,
		dispatcher:  dispatcher,
		catalog:     catalog,
		readiness:   readiness,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		currency:    currency,
	}
}

func (h *Handlers) validateRequest(req interface{}) error {
	if err := h.validate.Struct(req); err != nil {
		return domainerrors.NewValidationError("INVALID_REQUEST", err.Error())
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domainerrors.NewValidationError("INVALID_ID", name+" is not a valid UUID")
	}
	return id, nil
}

// --- Activations ---

type createActivationRequest struct {
	UserID         string `json:"user_id" validate:"required,uuid"`
	Country        string `json:"country" validate:"required"`
	Service        string `json:"service" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (h *Handlers) createActivation(w http.ResponseWriter, r *http.Request) {
	var req createActivationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		writeError(w, r, err)
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	key := req.IdempotencyKey
	if key == "" {
		// Without a client key each call is a distinct purchase.
		key = uuid.New().String()
	}

	result, err := h.purchases.Purchase(r.Context(), userID, req.Country, req.Service, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, result)
}

func (h *Handlers) getActivation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	act, err := h.activations.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, act)
}

func (h *Handlers) listActivationMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	messages, err := h.activations.Messages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

func (h *Handlers) completeActivation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	act, err := h.activations.Complete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, act)
}

func (h *Handlers) cancelActivation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	act, err := h.activations.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, act)
}

func (h *Handlers) listUserActivations(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, r, domainerrors.NewValidationError("INVALID_LIMIT", "limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}

	activations, err := h.activations.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"activations": activations,
		"count":       len(activations),
	})
}

// --- Wallets ---

type depositRequest struct {
	UserID         string  `json:"user_id" validate:"required,uuid"`
	Amount         float64 `json:"amount" validate:"required,gt=0"`
	Currency       string  `json:"currency,omitempty" validate:"omitempty,len=3"`
	IdempotencyKey string  `json:"idempotency_key" validate:"required"`
}

func (h *Handlers) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		writeError(w, r, err)
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = h.currency
	}

	amount, err := values.NewMoneyFromFloat(req.Amount, currency)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_AMOUNT", err.Error()))
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	wlt, err := h.wallets.Deposit(r.Context(), userID, amount, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, wlt)
}

func (h *Handlers) getWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	wlt, err := h.wallets.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, wlt)
}

func (h *Handlers) verifyWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	consistent, err := h.wallets.VerifyBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"consistent": consistent})
}

// --- Providers ---

type createProviderRequest struct {
	Name              string               `json:"name" validate:"required"`
	BaseURL           string               `json:"base_url" validate:"required,url"`
	APIKey            string               `json:"api_key" validate:"required"`
	Endpoints         provider.EndpointMap `json:"endpoints" validate:"required"`
	Priority          int                  `json:"priority,omitempty" validate:"omitempty,min=1"`
	AdminWeight       float64              `json:"admin_weight,omitempty" validate:"omitempty,gt=0"`
	MaxConcurrency    int                  `json:"max_concurrency,omitempty" validate:"omitempty,min=1"`
	RequestsPerMinute int                  `json:"requests_per_minute,omitempty" validate:"omitempty,min=1"`
}

func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := provider.New(req.Name, req.BaseURL, req.APIKey, req.Endpoints)
	if err != nil {
		writeError(w, r, domainerrors.NewValidationError("INVALID_PROVIDER", err.Error()))
		return
	}
	if req.Priority > 0 {
		p.Priority = req.Priority
	}
	if req.AdminWeight > 0 {
		p.AdminWeight = req.AdminWeight
	}
	if req.MaxConcurrency > 0 {
		p.MaxConcurrency = req.MaxConcurrency
	}
	if req.RequestsPerMinute > 0 {
		p.RequestsPerMinute = req.RequestsPerMinute
	}

	if err := h.providers.Create(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, p)
}

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.providers.ListActive(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

type setProviderActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handlers) setProviderActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req setProviderActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.providers.SetActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"active": *req.Active})
}

func (h *Handlers) refreshProviderCatalog(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.catalog.RefreshProvider(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
}

// --- Dispatch ---

type dispatchRequest struct {
	Action string            `json:"action" validate:"required,oneof=getNumber cancelNumber getStatus getBalance getPrices getCountries getServices"`
	Params map[string]string `json:"params,omitempty"`
}

type dispatchResponse struct {
	Result interface{}                   `json:"result,omitempty"`
	Trace  *provideradapter.RequestTrace `json:"trace,omitempty"`
}

// dispatchProvider runs one raw adapter operation and returns the result
// together with the redacted request trace. This is the admin tool for
// debugging a provider's endpoint map against the live API.
func (h *Handlers) dispatchProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.providers.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, dispatchErr := h.dispatch(r.Context(), p, req.Action, req.Params)
	trace := h.dispatcher.LastTrace(p.ID)

	if dispatchErr != nil {
		// The trace is the whole point here, so a failed call still
		// returns it alongside the error.
		code, message := "DISPATCH_FAILED", dispatchErr.Error()
		var appErr *domainerrors.AppError
		if stderrors.As(dispatchErr, &appErr) {
			code, message = appErr.Code, appErr.Message
		}
		writeEnvelope(w, r, domainerrors.GetStatusCode(dispatchErr), &ResponseEnvelope{
			Success: false,
			Data:    dispatchResponse{Trace: trace},
			Error:   &ErrorResponse{Code: code, Message: message},
		})
		return
	}

	writeJSON(w, r, http.StatusOK, dispatchResponse{Result: result, Trace: trace})
}

func (h *Handlers) dispatch(ctx context.Context, p *provider.Provider, action string, params map[string]string) (interface{}, error) {
	switch action {
	case "getNumber":
		return h.dispatcher.GetNumber(ctx, p, params["country"], params["service"])
	case "cancelNumber":
		if params["id"] == "" {
			return nil, domainerrors.NewValidationError("MISSING_PARAM", "cancelNumber requires params.id")
		}
		return map[string]string{"status": "cancelled"}, h.dispatcher.CancelNumber(ctx, p, params["id"])
	case "getStatus":
		if params["id"] == "" {
			return nil, domainerrors.NewValidationError("MISSING_PARAM", "getStatus requires params.id")
		}
		return h.dispatcher.GetStatus(ctx, p, params["id"])
	case "getBalance":
		balance, err := h.dispatcher.GetBalance(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"balance": balance}, nil
	case "getPrices":
		return h.dispatcher.GetPrices(ctx, p, params["country"], params["service"])
	case "getCountries":
		return h.dispatcher.GetCountries(ctx, p)
	case "getServices":
		return h.dispatcher.GetServices(ctx, p, params["country"])
	default:
		return nil, domainerrors.NewValidationError("UNKNOWN_ACTION", "unsupported dispatch action "+action)
	}
}

// --- Probes ---

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) readyz(w http.ResponseWriter, r *http.Request) {
	for _, p := range h.readiness {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, r, domainerrors.NewInternalError("dependency not ready").WithCause(err))
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
