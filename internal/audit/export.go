package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures an audit export for external review.
type ExportOptions struct {
	Format ExportFormat // Export format (csv or json)
	From   time.Time    // Start of time range (inclusive)
	To     time.Time    // End of time range (inclusive)
	Action string       // Filter by action (optional)
	Limit  int          // Maximum number of events to export (0 = no limit)
}

// ExportEvents renders events in the requested format so auditors can verify
// the chain independently. Events are expected in chain order; the export
// preserves that order and includes both digests per event.
func ExportEvents(events []Event, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	filtered := make([]Event, 0, len(events))
	for _, e := range events {
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		if !opts.From.IsZero() && e.CreatedAt.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && e.CreatedAt.After(opts.To) {
			continue
		}
		filtered = append(filtered, e)
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(filtered)
	default:
		return exportToJSON(filtered)
	}
}

// exportToCSV exports audit events to CSV format.
func exportToCSV(events []Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Entity ID",
		"Actor ID",
		"Action",
		"Resource Type",
		"Resource ID",
		"Hash",
		"Previous Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.EntityID,
			e.ActorID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.Hash,
			e.PreviousHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports audit events to JSON format.
func exportToJSON(events []Event) ([]byte, error) {
	type exportEvent struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"` // ISO 8601 format
		EntityID     string         `json:"entity_id"`
		ActorID      string         `json:"actor_id"`
		Action       string         `json:"action"`
		ResourceType string         `json:"resource_type"`
		ResourceID   string         `json:"resource_id"`
		Detail       map[string]any `json:"detail,omitempty"`
		Hash         string         `json:"hash"`
		PreviousHash string         `json:"previous_hash,omitempty"`
	}

	out := make([]exportEvent, len(events))
	for i, e := range events {
		out[i] = exportEvent{
			ID:           e.ID,
			Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
			EntityID:     e.EntityID,
			ActorID:      e.ActorID,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Detail:       e.Detail,
			Hash:         e.Hash,
			PreviousHash: e.PreviousHash,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}
