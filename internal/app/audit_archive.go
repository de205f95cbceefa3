package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

// TransactionLister reads ledger records for a time range.
type TransactionLister interface {
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error)
}

// Uploader stores an object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AuditArchiver exports a day of ledger records as JSON lines to object storage.
type AuditArchiver struct {
	repo     TransactionLister
	uploader Uploader
	prefix   string
	now      func() time.Time
}

func NewAuditArchiver(repo TransactionLister, uploader Uploader, prefix string) *AuditArchiver {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "ledger"
	}
	return &AuditArchiver{repo: repo, uploader: uploader, prefix: prefix, now: time.Now}
}

// ArchiveDay uploads every record created on the given UTC day. Days without records
// are skipped and return an empty location.
func (a *AuditArchiver) ArchiveDay(ctx context.Context, day time.Time) (string, int, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	records, err := a.repo.ListTransactionsBetween(ctx, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("list ledger records: %w", err)
	}
	if len(records) == 0 {
		return "", 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return "", 0, fmt.Errorf("encode ledger record %s: %w", record.ID, err)
		}
	}

	key := path.Join(a.prefix, from.Format("2006/01/02"), uuid.New().String()+".jsonl")
	location, err := a.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return "", 0, err
	}
	return location, len(records), nil
}

// ArchivePreviousDay exports yesterday (UTC).
func (a *AuditArchiver) ArchivePreviousDay(ctx context.Context) (string, int, error) {
	return a.ArchiveDay(ctx, a.now().UTC().AddDate(0, 0, -1))
}
