package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows migration.
const (
	DomainEvent    = "eventsync/event/v1"
	DomainSnapshot = "eventsync/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash computes the content hash of an event in its wire shape,
// sequence fields included. Two deliveries of the same (sequenceId,
// sequenceCounter) with the same payload hash identically.
func EventHash(ev Event) (string, error) {
	canonical, err := MarshalCanonical(canonicalSafe(ev.Object()))
	if err != nil {
		return "", fmt.Errorf("EventHash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// SnapshotHash computes the content hash of a document container snapshot.
// Snapshots may hold nulls anywhere, so the sorted-key JSON of MarshalValue
// is hashed instead of canonical JSON. Used for change detection only.
func SnapshotHash(v IRValue) (string, error) {
	data, err := MarshalValue(v)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: %w", err)
	}
	return hashWithDomain(DomainSnapshot, data), nil
}

// MustEventHash is like EventHash but panics on error.
// Use only in tests or when the event is known to be valid.
func MustEventHash(ev Event) string {
	h, err := EventHash(ev)
	if err != nil {
		panic(err)
	}
	return h
}

// canonicalSafe drops object members holding null so that payloads with
// explicit nulls still hash. Null array elements are kept and rejected.
func canonicalSafe(v IRValue) IRValue {
	switch val := v.(type) {
	case IRObject:
		out := make(IRObject, len(val))
		for k, elem := range val {
			if _, isNull := elem.(IRNull); isNull || elem == nil {
				continue
			}
			out[k] = canonicalSafe(elem)
		}
		return out
	case IRArray:
		out := make(IRArray, len(val))
		for i, elem := range val {
			out[i] = canonicalSafe(elem)
		}
		return out
	default:
		return v
	}
}
