package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"openbooking/internal/models"
)

// Domain prefixes for content-addressed keys. The version suffix allows the
// algorithm to change without colliding with previously stored responses.
const (
	domainBody = "openbooking/request-body/v1"
	domainKey  = "openbooking/idempotency-key/v1"
)

// Key identifies a mutating request by who sent it, what it targets and exactly what it asked for.
type Key struct {
	ClientID  string
	OrderID   string
	OrderType models.OrderType
	Stage     models.FlowStage
	BodyHash  string
}

// NewKey derives the key for a request. An empty body hashes as the empty document.
func NewKey(clientID, orderID string, orderType models.OrderType, stage models.FlowStage, body string) (Key, error) {
	var canonical []byte
	if body != "" {
		c, err := Canonicalize([]byte(body))
		if err != nil {
			return Key{}, fmt.Errorf("failed to canonicalize request body: %w", err)
		}
		canonical = c
	}
	return Key{
		ClientID:  clientID,
		OrderID:   orderID,
		OrderType: orderType,
		Stage:     stage,
		BodyHash:  hashWithDomain(domainBody, canonical),
	}, nil
}

// String returns the storage key. Components are NUL-separated so no choice of
// ids can make two different keys render the same.
func (k Key) String() string {
	h := sha256.New()
	h.Write([]byte(domainKey))
	for _, part := range []string{k.ClientID, k.OrderID, string(k.OrderType), string(k.Stage), k.BodyHash} {
		h.Write([]byte{0x00})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
