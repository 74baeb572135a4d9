package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"opsledger/archive"
	"opsledger/config"
	"opsledger/db"
	"opsledger/ledger"
	"opsledger/signing"
)

// chainSource is the read side of the ledger the export needs.
type chainSource interface {
	StreamEntries(ctx context.Context, afterSeq int64, fn func(ledger.Entry) error) error
	LoadKeyring(ctx context.Context) (signing.Keyring, error)
}

type pgSource struct {
	pool *pgxpool.Pool
	repo *ledger.Repository
}

func (s pgSource) StreamEntries(ctx context.Context, afterSeq int64, fn func(ledger.Entry) error) error {
	return s.repo.StreamEntries(ctx, s.pool, afterSeq, fn)
}

func (s pgSource) LoadKeyring(ctx context.Context) (signing.Keyring, error) {
	return s.repo.LoadKeyring(ctx, s.pool)
}

type exportResult struct {
	Report  ledger.VerificationReport
	Written int
	KeyID   string
}

// exportChain walks the whole chain so the export is only produced from a
// verified history, writing entries past afterSeq to w.
func exportChain(ctx context.Context, src chainSource, afterSeq int64, w io.Writer) (exportResult, error) {
	kr, err := src.LoadKeyring(ctx)
	if err != nil {
		return exportResult{}, err
	}
	v := ledger.NewVerifier(kr)
	out := ledger.NewNDJSONWriter(w)

	var res exportResult
	err = src.StreamEntries(ctx, 0, func(e ledger.Entry) error {
		if !v.Add(e) {
			return nil
		}
		if e.Seq <= afterSeq {
			return nil
		}
		if err := out.Write(e); err != nil {
			return fmt.Errorf("write entry %d: %w", e.Seq, err)
		}
		res.Written++
		res.KeyID = e.KeyID
		return nil
	})
	res.Report = v.Report()
	return res, err
}

// runExportCmd implements `ledgerctl export`.
//
// Exit codes:
//
//	0 = export written
//	1 = stored chain failed verification; nothing uploaded
//	2 = usage or runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn      string
		outPath  string
		afterSeq int64
		toS3     bool
	)
	cmd.StringVar(&dsn, "dsn", cfg.DatabaseURL, "Postgres connection string (default $DATABASE_URL)")
	cmd.StringVar(&outPath, "out", "", "Write the export to this file instead of stdout")
	cmd.Int64Var(&afterSeq, "after-seq", 0, "Only emit entries with seq greater than this")
	cmd.BoolVar(&toS3, "s3", false, "Upload the export to the configured bucket (EXPORT_S3_BUCKET)")
	cmd.StringVar(&cfg.Export.Bucket, "bucket", cfg.Export.Bucket, "Override the export bucket")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dsn or DATABASE_URL is required")
		return 2
	}
	if afterSeq < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --after-seq must not be negative")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer pool.Close()

	var buf bytes.Buffer
	res, err := exportChain(ctx, pgSource{pool: pool, repo: ledger.NewRepository()}, afterSeq, &buf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !res.Report.Valid {
		_, _ = fmt.Fprintf(stderr, "Stored chain failed verification at seq %d: %s\n", *res.Report.FailedSeq, res.Report.Reason)
		return 1
	}

	if toS3 {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:   cfg.Export.Bucket,
			Region:   cfg.Export.Region,
			Endpoint: cfg.Export.Endpoint,
			Prefix:   cfg.Export.Prefix,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		key, err := arch.Upload(ctx, archive.Snapshot{
			Body:     buf.Bytes(),
			Entries:  res.Written,
			HeadSeq:  res.Report.HeadSeq,
			HeadHash: res.Report.HeadHash,
			KeyID:    res.KeyID,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Uploaded %d entries to s3://%s/%s\n", res.Written, cfg.Export.Bucket, key)
	}

	switch {
	case outPath != "":
		if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Wrote %d entries to %s (head seq %d)\n", res.Written, outPath, res.Report.HeadSeq)
	case !toS3:
		_, _ = stdout.Write(buf.Bytes())
	}
	return 0
}
