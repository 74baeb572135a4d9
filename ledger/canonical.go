package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"

	"opsledger/signing"
)

// ErrInvalidPayload is returned when a payload is not a single JSON value, or
// holds a value that cannot be stored and signed without being altered.
var ErrInvalidPayload = errors.New("ledger: invalid payload")

// record is the fixed field set fed to the canonicalizer. Signature is only
// populated for the link record.
type record struct {
	ActionType       ActionType      `json:"action_type"`
	ActorID          string          `json:"actor_id"`
	Payload          json.RawMessage `json:"payload"`
	PrevHash         string          `json:"prev_hash"`
	SecondaryActorID *string         `json:"secondary_actor_id,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	Timestamp        int64           `json:"timestamp"`
}

// CanonicalPayload returns the RFC 8785 form of raw. An empty payload is
// treated as the empty object. Numbers that do not survive IEEE 754 double
// serialization unchanged, such as integers above 2^53, are rejected rather
// than rounded, as are strings containing NUL.
func CanonicalPayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(trimmed) {
		return nil, ErrInvalidPayload
	}
	if err := checkRepresentable(trimmed); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.RawMessage(out), nil
}

func checkRepresentable(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return walkValue(v)
}

func walkValue(v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if err := checkString(k); err != nil {
				return err
			}
			if err := walkValue(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := walkValue(child); err != nil {
				return err
			}
		}
	case string:
		return checkString(t)
	case json.Number:
		return checkNumber(t)
	}
	return nil
}

// Postgres jsonb cannot hold U+0000.
func checkString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: string contains NUL", ErrInvalidPayload)
	}
	return nil
}

// checkNumber rejects n unless its canonical double form denotes the same
// exact value.
func checkNumber(n json.Number) error {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsInf(f, 0) {
		return fmt.Errorf("%w: number %s out of range", ErrInvalidPayload, n)
	}
	canonical, err := jcs.NumberToJSON(f)
	if err != nil {
		return fmt.Errorf("%w: number %s: %v", ErrInvalidPayload, n, err)
	}
	want, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return fmt.Errorf("%w: number %s", ErrInvalidPayload, n)
	}
	got, ok := new(big.Rat).SetString(canonical)
	if !ok || want.Cmp(got) != 0 {
		return fmt.Errorf("%w: number %s is not exactly representable, would be stored as %s", ErrInvalidPayload, n, canonical)
	}
	return nil
}

// SigningBytes is the exact input the server key signs for e.
func SigningBytes(e Entry) ([]byte, error) {
	return canonicalRecord(e, false)
}

// LinkBytes is the canonical encoding whose hash becomes the successor's PrevHash.
func LinkBytes(e Entry) ([]byte, error) {
	return canonicalRecord(e, true)
}

// LinkHash returns hex(SHA-256(LinkBytes(e))).
func LinkHash(e Entry) (string, error) {
	b, err := LinkBytes(e)
	if err != nil {
		return "", err
	}
	return signing.Hash(b).Hex(), nil
}

func canonicalRecord(e Entry, withSignature bool) ([]byte, error) {
	payload, err := CanonicalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	rec := record{
		ActionType:       e.ActionType,
		ActorID:          e.ActorID,
		Payload:          payload,
		PrevHash:         e.PrevHash,
		SecondaryActorID: e.SecondaryActorID,
		Timestamp:        e.Timestamp,
	}
	if withSignature {
		rec.Signature = e.Signature
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal record: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize record: %w", err)
	}
	return out, nil
}
