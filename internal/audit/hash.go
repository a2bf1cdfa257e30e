package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"

	"finguard/internal/domain"
)

// DefaultGenesis is the prev_hash of the first entry of a new ledger.
const DefaultGenesis = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const hashPrefix = "sha256:"

// Canonical returns the RFC 8785 form of v.
func Canonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}
	return out, nil
}

// PayloadHash hashes the canonical envelope of event type, payload and
// recorded time.
func PayloadHash(eventType string, payload json.RawMessage, recordedAt string) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	envelope := struct {
		EventType  string          `json:"event_type"`
		Payload    json.RawMessage `json:"payload"`
		RecordedAt string          `json:"recorded_at"`
	}{eventType, payload, recordedAt}
	canonical, err := Canonical(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// Digest links an entry to its successor: entry n+1 stores Digest(entry n)
// as its prev_hash.
func Digest(prevHash, payloadHash string, seq int64) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + payloadHash + "|" + strconv.FormatInt(seq, 10)))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// EntryDigest is Digest applied to a stored entry.
func EntryDigest(e domain.AuditEntry) string {
	return Digest(e.PrevHash, e.PayloadHash, e.SequenceNo)
}
