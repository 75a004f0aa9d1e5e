// Package ledger holds the append-only execution history of a dispute.
//
// Entries are chained per dispute: each entry records the hash of its
// predecessor and its own hash over a canonical encoding, so any edit or
// removal of a stored entry is detectable with Verify.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBrokenChain = errors.New("ledger: broken hash chain")
	ErrUnsealed    = errors.New("ledger: entry is not sealed")
)

// Actor identifies who caused a ledger fact.
type Actor string

const (
	ActorUser   Actor = "USER"
	ActorSystem Actor = "SYSTEM"
	ActorEntity Actor = "ENTITY"
)

// EventType classifies a ledger entry.
type EventType string

const (
	EventDisputeCreated      EventType = "DISPUTE_CREATED"
	EventMailingConfirmed    EventType = "MAILING_CONFIRMED"
	EventResponseLogged      EventType = "RESPONSE_LOGGED"
	EventDeadlinePassed      EventType = "DEADLINE_PASSED"
	EventExaminerResult      EventType = "EXAMINER_RESULT"
	EventTier2NoticeSent     EventType = "TIER2_NOTICE_SENT"
	EventTier2Adjudicated    EventType = "TIER2_ADJUDICATED"
	EventEscalationRequested EventType = "ESCALATION_REQUESTED"
	EventReinsertionDetected EventType = "REINSERTION_DETECTED"
	EventDisputeWithdrawn    EventType = "DISPUTE_WITHDRAWN"
	EventResponseSuperseded  EventType = "RESPONSE_SUPERSEDED"
	EventEvaluationError     EventType = "EVALUATION_ERROR"
)

// Entry is one immutable ledger fact.
type Entry struct {
	ID           string         `json:"id"`
	DisputeID    string         `json:"dispute_id"`
	Seq          int64          `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        Actor          `json:"actor"`
	Type         EventType      `json:"type"`
	Description  string         `json:"description"`
	EvidenceHash string         `json:"evidence_hash,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	Hash         string         `json:"hash"`
}

// Sealed reports whether the entry has been chained.
func (e Entry) Sealed() bool {
	return e.Hash != "" && e.Seq > 0
}

// Seal chains e after prev (nil for the first entry of a dispute) and
// computes its hash. The timestamp is normalised to UTC microseconds so the
// hash survives a round trip through Postgres.
func Seal(e Entry, prev *Entry) (Entry, error) {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Seq = 1
	e.PrevHash = ""
	if prev != nil {
		if !prev.Sealed() {
			return Entry{}, ErrUnsealed
		}
		if prev.DisputeID != e.DisputeID {
			return Entry{}, fmt.Errorf("ledger: seal: entry for %s chained after %s", e.DisputeID, prev.DisputeID)
		}
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	e.Metadata = cloneMap(e.Metadata)
	sum, err := digest(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = sum
	return e, nil
}

// SealAll chains entries after prev in order.
func SealAll(prev *Entry, entries []Entry) ([]Entry, error) {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		sealed, err := Seal(e, prev)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed)
		prev = &out[len(out)-1]
	}
	return out, nil
}

// Verify checks sequence continuity, predecessor links and hashes.
func Verify(entries []Entry) error {
	var prev *Entry
	for i := range entries {
		e := entries[i]
		wantSeq := int64(1)
		wantPrev := ""
		if prev != nil {
			wantSeq = prev.Seq + 1
			wantPrev = prev.Hash
		}
		if e.Seq != wantSeq {
			return fmt.Errorf("%w: entry %s has seq %d, expected %d", ErrBrokenChain, e.ID, e.Seq, wantSeq)
		}
		if e.PrevHash != wantPrev {
			return fmt.Errorf("%w: entry %s does not link to its predecessor", ErrBrokenChain, e.ID)
		}
		sum, err := digest(e)
		if err != nil {
			return err
		}
		if sum != e.Hash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrBrokenChain, e.ID)
		}
		prev = &entries[i]
	}
	return nil
}

type canonicalEntry struct {
	ID           string         `json:"id"`
	DisputeID    string         `json:"dispute_id"`
	Seq          int64          `json:"seq"`
	Timestamp    string         `json:"timestamp"`
	Actor        Actor          `json:"actor"`
	Type         EventType      `json:"type"`
	Description  string         `json:"description"`
	EvidenceHash string         `json:"evidence_hash"`
	Metadata     map[string]any `json:"metadata"`
	PrevHash     string         `json:"prev_hash"`
}

func digest(e Entry) (string, error) {
	meta := e.Metadata
	if len(meta) == 0 {
		meta = nil
	}
	raw, err := json.Marshal(canonicalEntry{
		ID:           e.ID,
		DisputeID:    e.DisputeID,
		Seq:          e.Seq,
		Timestamp:    e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		Actor:        e.Actor,
		Type:         e.Type,
		Description:  e.Description,
		EvidenceHash: e.EvidenceHash,
		Metadata:     meta,
		PrevHash:     e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: encode entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
