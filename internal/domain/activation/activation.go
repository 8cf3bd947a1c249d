package activation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/virtualsim/activation-backend/internal/domain/values"
)

// Activation is a rented virtual phone number and its message-receipt
// lifecycle. State only moves forward through the transition graph; terminal
// states are final. The Version field backs the optimistic-concurrency check
// at write time.
type Activation struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	ProviderID   uuid.UUID  `json:"provider_id"`
	ExternalID   string     `json:"external_id"`
	PhoneNumber  string     `json:"phone_number"`
	Country      string     `json:"country"`
	Service      string     `json:"service"`
	State        State      `json:"state"`
	Price        values.Money `json:"price"`
	SmsCount     int        `json:"sms_count"`
	LastSmsText  string     `json:"last_sms_text,omitempty"`
	LastCode     string     `json:"last_code,omitempty"`
	Refunded     bool       `json:"refunded"`
	Version      int64      `json:"version"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type State string

const (
	StateInit      State = "init"
	StateActive    State = "active"
	StateReceived  State = "received"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// transitions is the forward-only graph. Absence means the move is illegal.
var transitions = map[State][]State{
	StateInit:     {StateActive, StateExpired, StateCancelled, StateTimeout},
	StateActive:   {StateReceived, StateCompleted, StateExpired, StateCancelled, StateTimeout},
	StateReceived: {StateReceived, StateCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultRentalWindow is how long a number stays rentable before expiry.
const DefaultRentalWindow = 20 * time.Minute

// New creates an activation in INIT: the reservation is confirmed but the
// provider call has not produced a number yet.
func New(userID, providerID uuid.UUID, country, service string, price values.Money) (*Activation, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user ID cannot be nil")
	}
	if providerID == uuid.Nil {
		return nil, fmt.Errorf("provider ID cannot be nil")
	}
	if country == "" || service == "" {
		return nil, fmt.Errorf("country and service are required")
	}

	now := time.Now()
	return &Activation{
		ID:         uuid.New(),
		UserID:     userID,
		ProviderID: providerID,
		Country:    country,
		Service:    service,
		State:      StateInit,
		Price:      price,
		ExpiresAt:  now.Add(DefaultRentalWindow),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Activate records the issued number and starts the rental window.
func (a *Activation) Activate(externalID, phoneNumber string, window time.Duration) error {
	if err := a.transition(StateActive); err != nil {
		return err
	}
	if window <= 0 {
		window = DefaultRentalWindow
	}
	now := time.Now()
	a.ExternalID = externalID
	a.PhoneNumber = phoneNumber
	a.ExpiresAt = now.Add(window)
	a.UpdatedAt = now
	return nil
}

// RecordSms applies an inbound message. Idempotent with respect to state:
// repeated messages bump SmsCount without re-entering RECEIVED.
func (a *Activation) RecordSms(text, code string) error {
	if a.State != StateReceived {
		if err := a.transition(StateReceived); err != nil {
			return err
		}
	}
	a.SmsCount++
	a.LastSmsText = text
	if code != "" {
		a.LastCode = code
	}
	a.UpdatedAt = time.Now()
	return nil
}

// Complete marks the activation finished after the user acknowledged the code.
func (a *Activation) Complete() error {
	if err := a.transition(StateCompleted); err != nil {
		return err
	}
	now := time.Now()
	a.CompletedAt = &now
	a.UpdatedAt = now
	return nil
}

// Cancel terminates the activation on user or admin request.
func (a *Activation) Cancel() error {
	if err := a.transition(StateCancelled); err != nil {
		return err
	}
	now := time.Now()
	a.CancelledAt = &now
	a.UpdatedAt = now
	return nil
}

// Expire terminates the activation because the rental window elapsed.
func (a *Activation) Expire() error {
	if err := a.transition(StateExpired); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	return nil
}

// Timeout terminates the activation on a provider-side expiry signal or
// reconciliation of a stuck order.
func (a *Activation) Timeout() error {
	if err := a.transition(StateTimeout); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	return nil
}

// MarkRefunded notes that the refund transaction for this activation exists.
func (a *Activation) MarkRefunded() {
	a.Refunded = true
	a.UpdatedAt = time.Now()
}

// IsPastExpiry reports whether the rental window has elapsed at t.
func (a *Activation) IsPastExpiry(t time.Time) bool {
	return t.After(a.ExpiresAt)
}

// RefundEligible reports whether terminating now should restore funds:
// the user paid but never received a message.
func (a *Activation) RefundEligible() bool {
	return !a.Refunded && a.SmsCount == 0
}

func (a *Activation) transition(to State) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("illegal transition %s -> %s", a.State, to)
	}
	a.State = to
	return nil
}

// TransitionEvent is the lifecycle-change record handed to the notification
// sink.
type TransitionEvent struct {
	ActivationID uuid.UUID `json:"activation_id"`
	UserID       uuid.UUID `json:"user_id"`
	FromState    State     `json:"from_state"`
	ToState      State     `json:"to_state"`
	Timestamp    time.Time `json:"timestamp"`
}
