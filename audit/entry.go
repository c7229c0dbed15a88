package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Decision values recorded on audit entries.
const (
	DecisionAllowed             = "allowed"
	DecisionDenied              = "denied"
	DecisionLedgerWrite         = "ledger_write"
	DecisionLedgerReversal      = "ledger_reversal"
	DecisionSettlementConfirmed = "settlement_confirmed"
	DecisionSettlementFailed    = "settlement_failed"
	DecisionReconciliation      = "reconciliation"
	DecisionCompensation        = "compensation"
)

// Entry is one hash-chained audit record. Once appended, entries are never
// mutated; EntryHash covers every field plus the preceding entry's hash.
type Entry struct {
	EntryID       string            `json:"entry_id"`
	LedgerEntryID string            `json:"ledger_entry_id,omitempty"`
	MandateID     string            `json:"mandate_id,omitempty"`
	Subject       string            `json:"subject"`
	Decision      string            `json:"decision"`
	ActorID       string            `json:"actor_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Position      uint64            `json:"position"`
	PrevHash      string            `json:"prev_hash"`
	EntryHash     string            `json:"entry_hash"`
}

// CanonicalPayload renders the hash input for an entry: canonical JSON with
// sorted keys, UTC RFC3339 timestamps, and every field that identifies the
// decision, including amounts carried in metadata. The same payload is used
// by every store implementation so cross-store hashes always agree.
func CanonicalPayload(e *Entry) []byte {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	payload, _ := json.Marshal(map[string]any{
		"entry_id":        e.EntryID,
		"ledger_entry_id": e.LedgerEntryID,
		"mandate_id":      e.MandateID,
		"subject":         e.Subject,
		"decision":        e.Decision,
		"actor_id":        e.ActorID,
		"created_at":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"metadata":        metadata,
		"position":        e.Position,
	})
	return payload
}

// ComputeHash derives the chained hash for an entry given the hash of the
// immediately preceding entry (empty for the genesis entry).
func ComputeHash(e *Entry, prevHash string) string {
	input := CanonicalPayload(e)
	if prevHash != "" {
		if raw, err := hex.DecodeString(prevHash); err == nil {
			input = append(input, raw...)
		} else {
			input = append(input, []byte(prevHash)...)
		}
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
