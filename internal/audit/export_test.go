package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func exportFixture() []Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Event{
		{
			ID: "evt-1", EntityID: "acme", ActorID: "bot", Action: "invoice.created",
			ResourceType: "invoices", ResourceID: "inv-1",
			Hash: "h1", PreviousHash: "genesis", CreatedAt: base,
		},
		{
			ID: "evt-2", EntityID: "acme", ActorID: "bot", Action: "invoice.updated",
			ResourceType: "invoices", ResourceID: "inv-1",
			Detail: map[string]any{"status": "paid"},
			Hash:   "h2", PreviousHash: "h1", CreatedAt: base.Add(time.Minute),
		},
		{
			ID: "evt-3", EntityID: "acme", ActorID: "bot", Action: "pack.sealed",
			ResourceType: "evidence_packs", ResourceID: "pack-1",
			Hash: "h3", PreviousHash: "h2", CreatedAt: base.Add(2 * time.Minute),
		},
	}
}

func TestExportEvents_CSV(t *testing.T) {
	data, err := ExportEvents(exportFixture(), ExportOptions{Format: ExportFormatCSV})
	if err != nil {
		t.Fatalf("ExportEvents() error = %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d CSV records, want header + 3 rows", len(records))
	}
	if records[0][0] != "ID" || records[0][8] != "Previous Hash" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][8] != "genesis" {
		t.Errorf("first row previous hash = %q, want genesis", records[1][8])
	}
	if records[3][4] != "pack.sealed" {
		t.Errorf("last row action = %q, want pack.sealed", records[3][4])
	}
}

func TestExportEvents_JSON(t *testing.T) {
	data, err := ExportEvents(exportFixture(), ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("ExportEvents() error = %v", err)
	}

	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d events, want 3", len(out))
	}
	if out[0]["previous_hash"] != "genesis" {
		t.Errorf("previous_hash = %v, want genesis", out[0]["previous_hash"])
	}
	if detail, ok := out[1]["detail"].(map[string]any); !ok || detail["status"] != "paid" {
		t.Errorf("detail = %v, want status=paid", out[1]["detail"])
	}
	if _, ok := out[0]["detail"]; ok {
		t.Error("empty detail should be omitted")
	}
}

func TestExportEvents_Filters(t *testing.T) {
	events := exportFixture()

	tests := []struct {
		name string
		opts ExportOptions
		want []string
	}{
		{
			name: "by action",
			opts: ExportOptions{Format: ExportFormatJSON, Action: "pack.sealed"},
			want: []string{"evt-3"},
		},
		{
			name: "from excludes earlier",
			opts: ExportOptions{Format: ExportFormatJSON, From: events[1].CreatedAt},
			want: []string{"evt-2", "evt-3"},
		},
		{
			name: "to excludes later",
			opts: ExportOptions{Format: ExportFormatJSON, To: events[0].CreatedAt},
			want: []string{"evt-1"},
		},
		{
			name: "limit",
			opts: ExportOptions{Format: ExportFormatJSON, Limit: 2},
			want: []string{"evt-1", "evt-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := ExportEvents(events, tt.opts)
			if err != nil {
				t.Fatalf("ExportEvents() error = %v", err)
			}
			var out []map[string]any
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("failed to parse JSON: %v", err)
			}
			if len(out) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(out), len(tt.want))
			}
			for i, id := range tt.want {
				if out[i]["id"] != id {
					t.Errorf("event[%d] = %v, want %s", i, out[i]["id"], id)
				}
			}
		})
	}
}

func TestExportEvents_UnsupportedFormat(t *testing.T) {
	if _, err := ExportEvents(exportFixture(), ExportOptions{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
