package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otclabs/premarket/internal/domain"
)

// OrderArchiveStore provides read access to settled orders for archival. The
// Postgres order store satisfies it; the archiver needs nothing else from it.
type OrderArchiveStore interface {
	// ListTerminalBefore returns terminal orders last updated strictly before
	// the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// AuditArchiveStore provides read access to audit entries for archival.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ArchiveImpl implements domain.Archiver by querying the primary stores for
// old records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of archived records from the primary store is intentionally NOT
// performed here; orders and audit rows are append-only by design, and any
// pruning is a separate explicit step taken after the archive is verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	orders OrderArchiveStore
	audit  AuditArchiveStore
	logs   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl. logs receives the archival events
// themselves and is usually the same store as audit.
func NewArchiver(writer domain.BlobWriter, orders OrderArchiveStore, audit AuditArchiveStore, logs domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		orders: orders,
		audit:  audit,
		logs:   logs,
	}
}

// ArchiveOrders exports terminal orders settled before the cutoff as JSONL
// to archive/orders/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(orders))

	if err := a.logs.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}

	return count, nil
}

// ArchiveAuditLog exports audit entries recorded before the cutoff as JSONL
// to archive/audit/YYYY-MM.jsonl. The archival event is itself recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.logs.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log entry: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
