package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"DerivRecon/internal/storage"
	"DerivRecon/internal/watermark"
)

func newTestPipeline(t *testing.T, rawPath string) (*Pipeline, *storage.EventLog) {
	t.Helper()
	dir := t.TempDir()

	marks, err := watermark.NewFileStore(filepath.Join(dir, "processed_ids.json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	log := storage.NewEventLog(filepath.Join(dir, "events.jsonl"))

	return NewPipeline(Config{
		RawPath:   rawPath,
		Log:       log,
		Watermark: marks,
		Logger:    zerolog.Nop(),
	}), log
}

func writeRawJSON(t *testing.T, events []map[string]any) string {
	t.Helper()
	data, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("marshal raw events: %v", err)
	}
	path := filepath.Join(t.TempDir(), "raw.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write raw source: %v", err)
	}
	return path
}

func rawPerpOpen(id string) map[string]any {
	return map[string]any{
		"event_id":     id,
		"event_type":   "open",
		"timestamp":    "2024-01-01T00:00:00Z",
		"trader_id":    "t1",
		"market_id":    "BTC-PERP",
		"product_type": "perp",
		"side":         "long",
		"price":        42000.0,
		"size":         1.0,
		"fee":          2.0,
	}
}

func TestPipelineRunIsIdempotent(t *testing.T) {
	raws := []map[string]any{rawPerpOpen("e1"), rawPerpOpen("e2")}
	p, log := newTestPipeline(t, writeRawJSON(t, raws))

	accepted, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if accepted != 2 {
		t.Errorf("first run accepted = %d, want 2", accepted)
	}

	accepted, err = p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if accepted != 0 {
		t.Errorf("second run accepted = %d, want 0", accepted)
	}

	events, _, err := log.ReadCanonical()
	if err != nil {
		t.Fatalf("read canonical: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("canonical log has %d events, want 2", len(events))
	}
}

func TestPipelinePartialFailure(t *testing.T) {
	bad := rawPerpOpen("e-bad")
	bad["product_type"] = "swap"
	raws := []map[string]any{rawPerpOpen("e1"), bad, rawPerpOpen("e2")}

	p, log := newTestPipeline(t, writeRawJSON(t, raws))

	accepted, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2 (invalid event dropped, batch continues)", accepted)
	}

	events, _, err := log.ReadCanonical()
	if err != nil {
		t.Fatalf("read canonical: %v", err)
	}
	for _, evt := range events {
		if evt.EventID == "e-bad" {
			t.Error("rejected event reached the canonical log")
		}
	}
}

func TestPipelineSourceNotFound(t *testing.T) {
	p, _ := newTestPipeline(t, filepath.Join(t.TempDir(), "missing.json"))
	_, err := p.Run(context.Background())
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("err = %v, want ErrSourceNotFound", err)
	}
}

func TestPipelineMalformedSourceIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, _ := newTestPipeline(t, path)
	if _, err := p.Run(context.Background()); err == nil {
		t.Error("malformed source should fail the run")
	}
}

func TestPipelineJSONLSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := json.NewEncoder(f)
	for _, evt := range []map[string]any{rawPerpOpen("e1"), rawPerpOpen("e2")} {
		if err := enc.Encode(evt); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	p, _ := newTestPipeline(t, path)
	accepted, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
}

func TestPipelineFallbackIDStableAcrossRuns(t *testing.T) {
	evt := rawPerpOpen("")
	delete(evt, "event_id")
	other := rawPerpOpen("")
	delete(other, "event_id")
	other["trader_id"] = "t2"

	p, _ := newTestPipeline(t, writeRawJSON(t, []map[string]any{evt, other}))

	accepted, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if accepted != 2 {
		t.Errorf("first run accepted = %d, want 2", accepted)
	}

	// Same file, same positions: derived ids match, everything dedupes.
	accepted, err = p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if accepted != 0 {
		t.Errorf("second run accepted = %d, want 0", accepted)
	}
}
