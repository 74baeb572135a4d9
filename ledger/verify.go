package ledger

import (
	"fmt"

	"opsledger/signing"
)

// Verification failure reasons.
const (
	ReasonPrevHashMismatch    = "prev_hash_mismatch"
	ReasonSignatureInvalid    = "signature_invalid"
	ReasonUnknownKey          = "unknown_key"
	ReasonTimestampRegression = "timestamp_regression"
	ReasonSeqRegression       = "seq_regression"
	ReasonMalformedEntry      = "malformed_entry"
)

// VerificationReport summarises a chain walk. On failure it names the first
// offending entry; entries after it are not examined.
type VerificationReport struct {
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	HeadSeq   int64  `json:"head_seq"`
	HeadHash  string `json:"head_hash"`
	FailedSeq *int64 `json:"failed_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Verifier checks entries one at a time in seq order.
type Verifier struct {
	keyring  signing.Keyring
	expected string
	prevSeq  int64
	prevTS   int64
	report   VerificationReport
	failed   bool
}

// NewVerifier starts a walk at the genesis sentinel.
func NewVerifier(kr signing.Keyring) *Verifier {
	return &Verifier{
		keyring:  kr,
		expected: signing.GenesisHash,
		report:   VerificationReport{Valid: true, HeadHash: signing.GenesisHash},
	}
}

// NewVerifierFrom resumes a walk after an already verified head, for
// incremental exports taken with after_seq.
func NewVerifierFrom(kr signing.Keyring, headSeq int64, headHash string) *Verifier {
	v := NewVerifier(kr)
	v.expected = headHash
	v.prevSeq = headSeq
	v.report.HeadSeq = headSeq
	v.report.HeadHash = headHash
	return v
}

// Add checks e against the running chain state. It returns false once any
// entry has failed.
func (v *Verifier) Add(e Entry) bool {
	if v.failed {
		return false
	}

	if e.PrevHash != v.expected {
		return v.fail(e.Seq, ReasonPrevHashMismatch, fmt.Sprintf("expected %s, got %s", v.expected, e.PrevHash))
	}
	if e.Seq <= v.prevSeq {
		return v.fail(e.Seq, ReasonSeqRegression, fmt.Sprintf("seq %d follows %d", e.Seq, v.prevSeq))
	}
	if v.report.Entries > 0 {
		if e.Timestamp < v.prevTS {
			return v.fail(e.Seq, ReasonTimestampRegression, fmt.Sprintf("timestamp %d precedes %d", e.Timestamp, v.prevTS))
		}
	}

	pub, ok := v.keyring.Lookup(e.KeyID)
	if !ok {
		return v.fail(e.Seq, ReasonUnknownKey, fmt.Sprintf("key %q not in keyring", e.KeyID))
	}
	msg, err := SigningBytes(e)
	if err != nil {
		return v.fail(e.Seq, ReasonMalformedEntry, err.Error())
	}
	valid, err := signing.VerifyHex(msg, e.Signature, pub)
	if err != nil {
		return v.fail(e.Seq, ReasonUnknownKey, err.Error())
	}
	if !valid {
		return v.fail(e.Seq, ReasonSignatureInvalid, "")
	}

	link, err := LinkHash(e)
	if err != nil {
		return v.fail(e.Seq, ReasonMalformedEntry, err.Error())
	}
	v.expected = link
	v.prevSeq = e.Seq
	v.prevTS = e.Timestamp
	v.report.Entries++
	v.report.HeadSeq = e.Seq
	v.report.HeadHash = link
	return true
}

// Report returns the result so far.
func (v *Verifier) Report() VerificationReport {
	return v.report
}

func (v *Verifier) fail(seq int64, reason, detail string) bool {
	v.failed = true
	v.report.Valid = false
	v.report.FailedSeq = &seq
	v.report.Reason = reason
	v.report.Detail = detail
	return false
}

// VerifyChain walks entries front to back, which must be the full chain in seq order.
func VerifyChain(entries []Entry, kr signing.Keyring) VerificationReport {
	v := NewVerifier(kr)
	for _, e := range entries {
		if !v.Add(e) {
			break
		}
	}
	return v.Report()
}
