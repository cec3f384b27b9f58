package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for derived keys. The version suffix allows the derivation
// to change without colliding with keys already stored.
const (
	DomainEvent  = "rostersync/event/v1"
	DomainAction = "rostersync/action/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps domain and data boundaries unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey derives the deduplication key of an event from what changed.
// Seq, observation time and correlation ID are deliberately not inputs.
func DedupeKey(source Source, kind EventKind, subject SubjectRef, payload IRObject) (string, error) {
	if payload == nil {
		payload = IRObject{}
	}
	obj := IRObject{
		"source": IRString(source),
		"kind":   IRString(kind),
		"subject": IRObject{
			"chat_user_id":    IRString(subject.ChatUserID),
			"game_account_id": IRString(subject.GameAccountID),
		},
		"payload": payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DedupeKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// IdempotencyKey derives the key of a reconciliation action from its target,
// kind, new value and basis version. origin only participates while the
// target has no member id, so two creations from different events never
// share a key.
func IdempotencyKey(kind ActionKind, target ActionTarget, payload IRObject, basis int64, origin string) (string, error) {
	obj := IRObject{
		"kind":    IRString(kind),
		"target":  target.irObject(),
		"payload": payload,
		"basis":   IRInt(basis),
	}
	if target.MemberID == 0 {
		obj["origin"] = IRString(origin)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}

// MustDedupeKey is like DedupeKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDedupeKey(source Source, kind EventKind, subject SubjectRef, payload IRObject) string {
	key, err := DedupeKey(source, kind, subject, payload)
	if err != nil {
		panic(err)
	}
	return key
}
