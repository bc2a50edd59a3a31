// Package ingest implements the Batch Ingestor (C5): accept an array of
// prior-authorization payloads, assign a batch-id and per-request ids and
// sequence numbers, record progress rows, and publish one message per
// request onto the work topic in input order.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
)

// ProgressWriter is the subset of the Progress Store (C7) the ingestor
// needs: writing the initial Request + RequestProgress rows.
type ProgressWriter interface {
	CreateRequest(ctx context.Context, req domain.Request) error
}

// knownVendors normalizes the free-text vendor field from caller payloads.
// Anything not in this set is recorded as UNKNOWN.
var knownVendors = map[string]string{
	"evicore": "Evicore",
	"cohere":  "Cohere",
	"optum":   "Optum",
	"availity": "Availity",
	"naviHealth": "NaviHealth",
	"navihealth": "NaviHealth",
}

// vendorFieldPriority is the order in which payload keys are checked for
// the vendor name, matching the source's prioritized-lookup behavior.
var vendorFieldPriority = []string{"vendor", "vendorname", "vendor_name", "payer", "payername"}

// Ingestor is the Batch Ingestor (C5).
type Ingestor struct {
	progress  ProgressWriter
	publisher pubsubtopic.Publisher
}

// New builds an Ingestor over the given progress store and work-topic
// publisher.
func New(progress ProgressWriter, publisher pubsubtopic.Publisher) *Ingestor {
	return &Ingestor{progress: progress, publisher: publisher}
}

// Result is the response shape for a successful ingest() call.
type Result struct {
	BatchID         string
	TotalRequests   int
	RequestsPerPayer map[string]int
}

// Ingest accepts an ordered array of opaque payloads and runs the full
// C5 algorithm: assign ids, write progress rows, publish in sequence
// order, and await every ack before returning.
func (in *Ingestor) Ingest(ctx context.Context, payloads []map[string]any) (*Result, error) {
	if len(payloads) == 0 {
		return nil, apperrors.ErrEmptyBatch
	}

	batchID := uuid.NewString()
	now := time.Now()
	vendorCounts := make(map[string]int)

	requests := make([]domain.Request, 0, len(payloads))
	for i, payload := range payloads {
		vendor := normalizeVendor(payload)
		vendorCounts[vendor]++

		req := domain.Request{
			RequestID:  uuid.NewString(),
			BatchID:    batchID,
			SequenceNo: i + 1,
			Vendor:     vendor,
			Payload:    payload,
			CreatedAt:  now,
			Status:     domain.RequestCreated,
		}
		requests = append(requests, req)
	}

	// Write progress rows in sequence order before publishing, so a
	// consumer racing ahead of this loop never observes a request-id with
	// no backing row.
	for _, req := range requests {
		if err := in.progress.CreateRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("write progress row for request %s: %w", req.RequestID, err)
		}
	}

	if err := in.publishAll(ctx, requests, len(payloads)); err != nil {
		return nil, err
	}

	log.Info().
		Str("batch_id", batchID).
		Int("total_requests", len(payloads)).
		Msg("batch ingested and published")

	return &Result{
		BatchID:          batchID,
		TotalRequests:    len(payloads),
		RequestsPerPayer: vendorCounts,
	}, nil
}

// publishAll publishes one message per request, in sequence order,
// awaiting every broker ack before returning. Published messages are not
// rolled back on a later failure (downstream is idempotent, see C6).
func (in *Ingestor) publishAll(ctx context.Context, requests []domain.Request, totalCount int) error {
	for _, req := range requests {
		msg := domain.WorkMessage{
			BatchID:    req.BatchID,
			SequenceNo: req.SequenceNo,
			RequestID:  req.RequestID,
			TotalCount: totalCount,
			Vendor:     req.Vendor,
			Payload:    req.Payload,
		}
		if err := in.publisher.Publish(ctx, msg); err != nil {
			log.Error().
				Str("batch_id", req.BatchID).
				Str("request_id", req.RequestID).
				Err(err).
				Msg("failed to publish work message")
			return fmt.Errorf("%w: %v", apperrors.ErrPublishFailed, err)
		}
	}
	return nil
}

func normalizeVendor(payload map[string]any) string {
	for _, field := range vendorFieldPriority {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		name, ok := raw.(string)
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		if normalized, known := knownVendors[strings.ToLower(strings.TrimSpace(name))]; known {
			return normalized
		}
		return "UNKNOWN"
	}
	return "UNKNOWN"
}
