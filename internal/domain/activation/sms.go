package activation

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// SmsMessage is one deduplicated inbound message tied to an activation.
// Dedup key is (ActivationID, ProviderMessageID) when the provider assigns
// ids, falling back to (ActivationID, ContentHash) when it does not.
type SmsMessage struct {
	ID                uuid.UUID `json:"id"`
	ActivationID      uuid.UUID `json:"activation_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	Text              string    `json:"text"`
	Code              string    `json:"code,omitempty"`
	ContentHash       string    `json:"content_hash"`
	ReceivedAt        time.Time `json:"received_at"`
}

// NewSmsMessage builds a message record, hashing the content and extracting
// a verification code if one is present.
func NewSmsMessage(activationID uuid.UUID, providerMessageID, sender, text string) SmsMessage {
	return SmsMessage{
		ID:                uuid.New(),
		ActivationID:      activationID,
		ProviderMessageID: providerMessageID,
		Sender:            sender,
		Text:              text,
		Code:              ExtractCode(text),
		ContentHash:       HashContent(text),
		ReceivedAt:        time.Now(),
	}
}

// DedupKey returns the stable identity used to drop repeated deliveries.
func (m SmsMessage) DedupKey() string {
	if m.ProviderMessageID != "" {
		return m.ActivationID.String() + ":" + m.ProviderMessageID
	}
	return m.ActivationID.String() + ":" + m.ContentHash
}

// HashContent returns a hex SHA-256 of the message body.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Verification codes are 4-8 digit runs, preferring ones introduced by a
// code-ish keyword so order numbers in marketing texts don't win.
var (
	keywordCode = regexp.MustCompile(`(?i)(?:code|pin|otp|пароль|код)\D{0,10}(\d{4,8})`)
	bareCode    = regexp.MustCompile(`\b(\d{4,8})\b`)
)

// ExtractCode pulls a verification code out of an SMS body, or returns "".
func ExtractCode(text string) string {
	if m := keywordCode.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := bareCode.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
