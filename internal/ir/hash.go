package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix enables future
// algorithm migration without colliding with stored hashes.
const (
	DomainContent = "novellus/content/v1"
	DomainEvent   = "novellus/event/v1"
)

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventFingerprint identifies an event by its record and canonical payload.
// Sources that cannot supply a unique event ID use it as one.
func EventFingerprint(recordID string, payload Payload) (string, error) {
	canonical, err := MarshalCanonical(Object{
		"record_id": String(recordID),
		"payload":   payload,
	})
	if err != nil {
		return "", fmt.Errorf("EventFingerprint: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainEvent, canonical), nil
}
