package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DerivRecon/internal/observability"
	"DerivRecon/internal/storage"
	"DerivRecon/internal/watermark"
)

// ErrSourceNotFound is returned when the raw input location is absent.
// It is the only fatal condition an ingestion run starts with.
var ErrSourceNotFound = errors.New("raw data source not found")

// errorSampleSize bounds the validation-error sample surfaced to the operator.
const errorSampleSize = 5

// Mirror is an optional secondary sink for accepted events (e.g. the
// Postgres event mirror). Mirror failures never fail the run; the JSONL
// log remains the source of truth.
type Mirror interface {
	AppendNormalized(ctx context.Context, events []map[string]any) error
}

// Config wires an ingestion pipeline.
type Config struct {
	RawPath   string
	Log       *storage.EventLog
	Watermark watermark.Store
	Mirror    Mirror // optional
	Logger    zerolog.Logger
	Metrics   *observability.Metrics // optional
}

// Pipeline orchestrates one ingestion pass: read raw batch, dedupe via
// watermark, normalize, validate, append to the canonical log. Runs are
// serialized by a mutex so concurrent invocations keep the at-most-once
// guarantee on the shared log and watermark.
type Pipeline struct {
	rawPath   string
	log       *storage.EventLog
	watermark watermark.Store
	mirror    Mirror
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu sync.Mutex
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		rawPath:   cfg.RawPath,
		log:       cfg.Log,
		watermark: cfg.Watermark,
		mirror:    cfg.Mirror,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

type ingestStatus int

const (
	statusAccepted ingestStatus = iota
	statusDuplicate
	statusRejected
)

// Run ingests the raw source and returns the count of newly accepted
// events. A validation failure drops only the offending event; the batch
// continues. Re-running against an already processed source accepts zero.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	runID := uuid.New()
	logger := p.logger.With().Str("run_id", runID.String()).Logger()

	raws, err := readRawBatch(p.rawPath)
	if err != nil {
		return 0, err
	}

	accepted := 0
	duplicates := 0
	var sample []string
	rejected := 0

	for idx, raw := range raws {
		status, err := p.IngestOne(ctx, raw, idx+1)

		var verr *ValidationError
		if errors.As(err, &verr) {
			rejected++
			if len(sample) < errorSampleSize {
				sample = append(sample, fmt.Sprintf("event %d: %s", idx+1, verr.Reason))
			}
			continue
		}
		if err != nil {
			return accepted, fmt.Errorf("event %d: %w", idx+1, err)
		}

		switch status {
		case statusAccepted:
			accepted++
		case statusDuplicate:
			duplicates++
		}
	}

	if rejected > 0 {
		logger.Warn().
			Int("rejected", rejected).
			Strs("sample", sample).
			Msg("events failed validation")
	}

	logger.Info().
		Int("accepted", accepted).
		Int("rejected", rejected).
		Int("duplicates", duplicates).
		Dur("elapsed", time.Since(start)).
		Msg("ingestion run complete")

	if p.metrics != nil {
		p.metrics.IngestRunsTotal.Inc()
		p.metrics.IngestRunDuration.Observe(time.Since(start).Seconds())
	}

	return accepted, nil
}

// IngestOne processes a single raw event. seq disambiguates events whose
// upstream lacks IDs (file index or stream sequence). The returned error
// is a *ValidationError for recoverable rejects; any other error is fatal
// to the run.
func (p *Pipeline) IngestOne(ctx context.Context, raw map[string]any, seq int) (ingestStatus, error) {
	eventID, ok := raw["event_id"].(string)
	if !ok || eventID == "" {
		eventID = deriveFallbackID(raw, seq)
		raw = withEventID(raw, eventID)
	}

	isNew, err := p.watermark.IsNew(ctx, eventID)
	if err != nil {
		return statusRejected, fmt.Errorf("watermark lookup: %w", err)
	}
	if !isNew {
		if p.metrics != nil {
			p.metrics.EventsDuplicate.Inc()
		}
		return statusDuplicate, nil
	}

	normalized := Normalize(raw)

	if err := Validate(normalized); err != nil {
		if p.metrics != nil {
			p.metrics.EventsRejected.WithLabelValues("validation").Inc()
		}
		return statusRejected, err
	}

	if err := p.log.Append([]map[string]any{normalized}); err != nil {
		return statusRejected, fmt.Errorf("append canonical log: %w", err)
	}

	if p.mirror != nil {
		if err := p.mirror.AppendNormalized(ctx, []map[string]any{normalized}); err != nil {
			p.logger.Warn().Err(err).Str("event_id", eventID).Msg("event mirror write failed")
			if p.metrics != nil {
				p.metrics.MirrorErrors.Inc()
			}
		}
	}

	if err := p.watermark.Mark(ctx, eventID); err != nil {
		return statusRejected, fmt.Errorf("watermark mark: %w", err)
	}

	if p.metrics != nil {
		p.metrics.EventsAccepted.Inc()
		p.metrics.EventLogWrites.Inc()
	}

	return statusAccepted, nil
}

// deriveFallbackID builds a stable id for events whose upstream provides
// none. The sequence number is included to disambiguate otherwise
// identical events within one source.
func deriveFallbackID(raw map[string]any, seq int) string {
	return hashID(
		stringify(raw["event_type"]),
		stringify(raw["timestamp"]),
		stringify(raw["trader_id"]),
		stringify(raw["market_id"]),
		strconv.Itoa(seq),
	)
}

func withEventID(raw map[string]any, eventID string) map[string]any {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["event_id"] = eventID
	return out
}

// readRawBatch loads the raw source: a .json array or .jsonl lines.
func readRawBatch(path string) ([]map[string]any, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read raw source: %w", err)
		}
		var raws []map[string]any
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("parse raw source %s: %w", path, err)
		}
		return raws, nil

	case ".jsonl":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read raw source: %w", err)
		}
		defer f.Close()

		var raws []map[string]any
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var raw map[string]any
			if err := json.Unmarshal([]byte(line), &raw); err != nil {
				return nil, fmt.Errorf("parse raw source %s line %d: %w", path, lineNo, err)
			}
			raws = append(raws, raw)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read raw source: %w", err)
		}
		return raws, nil

	default:
		return nil, fmt.Errorf("unsupported raw source format: %s", filepath.Ext(path))
	}
}
