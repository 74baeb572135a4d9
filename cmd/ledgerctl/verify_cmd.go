package main

import (
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"opsledger/ledger"
	"opsledger/signing"
)

// runVerifyCmd implements `ledgerctl verify`.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken or tampered
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		publicKeys string
		anchorSeq  int64
		anchorHash string
		jsonOutput bool
	)

	cmd.StringVar(&file, "file", "", "Path to NDJSON export, or - for stdin (REQUIRED)")
	cmd.StringVar(&publicKeys, "public-key", "", "Comma-separated hex Ed25519 public keys to trust (REQUIRED)")
	cmd.Int64Var(&anchorSeq, "anchor-seq", 0, "Seq of the last verified entry when checking an incremental export")
	cmd.StringVar(&anchorHash, "anchor-hash", "", "Link hash of the last verified entry when checking an incremental export")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" || publicKeys == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file and --public-key are required")
		return 2
	}
	if (anchorSeq > 0) != (anchorHash != "") {
		_, _ = fmt.Fprintln(stderr, "Error: --anchor-seq and --anchor-hash must be given together")
		return 2
	}

	kr, err := parseKeyring(publicKeys)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	v := ledger.NewVerifier(kr)
	if anchorHash != "" {
		v = ledger.NewVerifierFrom(kr, anchorSeq, anchorHash)
	}
	if err := ledger.ReadNDJSON(in, func(e ledger.Entry) error {
		v.Add(e)
		return nil
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := v.Report()

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintln(stdout, "Chain verification PASSED")
		_, _ = fmt.Fprintf(stdout, "Entries: %d\nHead seq: %d\nHead hash: %s\n", report.Entries, report.HeadSeq, report.HeadHash)
	} else {
		_, _ = fmt.Fprintln(stdout, "Chain verification FAILED")
		_, _ = fmt.Fprintf(stdout, "First bad seq: %d\nReason: %s\n", *report.FailedSeq, report.Reason)
		if report.Detail != "" {
			_, _ = fmt.Fprintf(stdout, "Detail: %s\n", report.Detail)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func parseKeyring(list string) (signing.Keyring, error) {
	var keys []ed25519.PublicKey
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pub, err := signing.ParsePublicKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys given")
	}
	return signing.NewKeyring(keys...), nil
}
