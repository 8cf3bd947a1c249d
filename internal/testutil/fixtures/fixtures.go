// Package fixtures builds valid domain objects for tests. Builders panic on
// invalid input; a broken fixture is a programming error, not a test case.
package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
)

// EndpointMap returns a minimal valid mapping covering the required
// operations plus getPrices, shaped like a typical activation provider API.
func EndpointMap() provider.EndpointMap {
	return provider.EndpointMap{
		provider.OpGetNumber: {
			Method:       "GET",
			PathTemplate: "/stubs/handler_api",
			QueryParams: map[string]string{
				"action":  "getNumber",
				"country": "{country}",
				"service": "{service}",
			},
			Response: provider.ResponseMap{
				IDPath:     "id",
				NumberPath: "number",
			},
		},
		provider.OpCancelNumber: {
			Method:       "GET",
			PathTemplate: "/stubs/handler_api",
			QueryParams: map[string]string{
				"action": "setStatus",
				"id":     "{id}",
				"status": "8",
			},
			Response: provider.ResponseMap{},
		},
		provider.OpGetStatus: {
			Method:       "GET",
			PathTemplate: "/stubs/handler_api",
			QueryParams: map[string]string{
				"action": "getStatus",
				"id":     "{id}",
			},
			Response: provider.ResponseMap{
				StatusPath: "status",
				TextPath:   "text",
				StatusValues: map[string]string{
					"STATUS_WAIT_CODE": "waiting",
					"STATUS_OK":        "received",
					"STATUS_CANCEL":    "cancelled",
				},
			},
		},
		provider.OpGetPrices: {
			Method:       "GET",
			PathTemplate: "/stubs/prices",
			Response: provider.ResponseMap{
				ListPath:    "offers",
				CountryPath: "country",
				ServicePath: "service",
				PricePath:   "price",
				StockPath:   "count",
			},
		},
	}
}

// Provider builds an active provider with the fixture endpoint map.
func Provider(t *testing.T, name string) *provider.Provider {
	t.Helper()
	p, err := provider.New(name, "https://"+name+".example.com", "secret-key-"+name, EndpointMap())
	require.NoError(t, err)
	return p
}

// Offer builds an offer for a provider at the given price.
func Offer(providerID uuid.UUID, country, service string, priceUSD float64, stock int) provider.Offer {
	return provider.Offer{
		ProviderID: providerID,
		Country:    country,
		Service:    service,
		PriceUSD:   priceUSD,
		Stock:      stock,
		FetchedAt:  time.Now(),
	}
}

// Money builds a USD amount.
func Money(t *testing.T, amount float64) values.Money {
	t.Helper()
	m, err := values.NewMoneyFromFloat(amount, values.USD)
	require.NoError(t, err)
	return m
}

// Wallet builds a wallet holding the given USD balance, as if a deposit had
// already been applied.
func Wallet(t *testing.T, userID uuid.UUID, balance float64) *wallet.Wallet {
	t.Helper()
	w, err := wallet.NewWallet(userID, values.USD)
	require.NoError(t, err)
	if balance > 0 {
		funded, err := w.Balance.Add(Money(t, balance))
		require.NoError(t, err)
		w.Balance = funded
	}
	return w
}

// Activation builds an activation in the init state.
func Activation(t *testing.T, userID, providerID uuid.UUID) *activation.Activation {
	t.Helper()
	a, err := activation.New(userID, providerID, "US", "telegram", Money(t, 0.50))
	require.NoError(t, err)
	return a
}

// ActiveActivation builds an activation already holding a number.
func ActiveActivation(t *testing.T, userID, providerID uuid.UUID) *activation.Activation {
	t.Helper()
	a := Activation(t, userID, providerID)
	require.NoError(t, a.Activate("ext-1001", "+12025550101", activation.DefaultRentalWindow))
	return a
}
