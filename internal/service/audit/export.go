package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// MaxExportRows caps a single export.
const MaxExportRows = 100000

var csvHeader = []string{
	"id", "timestamp", "kind", "actor_id", "resource_type", "resource_id", "action", "result",
	"site_context", "reason", "review_required", "references", "request_id", "ip_address", "hash",
}

// Export streams every entry matching filter to w, newest first.
func (s *Service) Export(ctx context.Context, filter model.AuditFilter, format ExportFormat, w io.Writer) error {
	var write func(model.AuditLogEntry) error
	var finish func() error

	switch format {
	case ExportCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		write = func(e model.AuditLogEntry) error { return cw.Write(csvRow(e)) }
		finish = func() error {
			cw.Flush()
			return cw.Error()
		}
	case ExportJSON:
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		first := true
		write = func(e model.AuditLogEntry) error {
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			return enc.Encode(e)
		}
		finish = func() error {
			_, err := io.WriteString(w, "]\n")
			return err
		}
	default:
		return errors.Validation("format must be csv or json", nil)
	}

	// Pin the upper bound so entries appended mid-export do not shift the pages.
	if filter.To.IsZero() {
		filter.To = s.now()
	}
	filter.Page = 1
	filter.PageSize = model.MaxPageSize
	written := 0
	for written < MaxExportRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, _, err := s.repo.Query(ctx, filter)
		if err != nil {
			return errors.Internal(err)
		}
		for _, e := range entries {
			if err := write(e); err != nil {
				return err
			}
			written++
		}
		if len(entries) < filter.PageSize {
			break
		}
		filter.Page++
	}
	return finish()
}

func csvRow(e model.AuditLogEntry) []string {
	reason := ""
	if e.Reason != nil {
		reason = *e.Reason
	}
	refs := ""
	if e.References != nil {
		refs = e.References.String()
	}
	return []string{
		e.ID.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		e.ActorID,
		e.ResourceType,
		e.ResourceID,
		e.Action,
		string(e.Result),
		e.SiteContext,
		reason,
		strconv.FormatBool(e.ReviewRequired),
		refs,
		e.RequestID,
		e.IPAddress,
		e.Hash,
	}
}
