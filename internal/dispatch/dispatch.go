// Package dispatch implements the Dispatch Consumer (C6): subscribes to
// the work topic, decodes and validates each message, enforces
// exactly-once delivery to the planner via an inflight lock and a
// processed marker, and acks/nacks per the configured failure policy.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/dedup"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
)

// ProgressWriter is the subset of the Progress Store (C7) the consumer
// needs to reconcile status after a planner response.
type ProgressWriter interface {
	UpdateStatus(ctx context.Context, requestID string, status domain.RequestStatus, remarks string) error
}

// Config bounds the consumer's dedup TTLs and planner-failure policy.
type Config struct {
	ProcessorURL        string
	InflightTTL         time.Duration
	ProcessedTTL        time.Duration
	PlannerTimeout       time.Duration
	AckOnPlannerFailure bool // §9: configurable instead of hard-coded ack-always
}

// Consumer is the Dispatch Consumer (C6).
type Consumer struct {
	cfg      Config
	source   pubsubtopic.Consumer
	cache    dedup.Cache
	progress ProgressWriter
	client   *http.Client
}

// New builds a Consumer wired to its message source, dedup cache, and
// progress store.
func New(cfg Config, source pubsubtopic.Consumer, cache dedup.Cache, progress ProgressWriter) *Consumer {
	return &Consumer{
		cfg:      cfg,
		source:   source,
		cache:    cache,
		progress: progress,
		client:   &http.Client{Timeout: cfg.PlannerTimeout},
	}
}

// Run subscribes and processes deliveries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.source.Receive(ctx, func(msg pubsubtopic.IncomingMessage) {
		c.handle(ctx, msg)
	})
}

// handle implements the per-message state machine: decode -> duplicate
// check -> inflight claim -> POST planner -> processed marker -> release
// inflight.
func (c *Consumer) handle(ctx context.Context, msg pubsubtopic.IncomingMessage) {
	var work domain.WorkMessage
	if err := json.Unmarshal(msg.Data, &work); err != nil {
		log.Warn().Err(err).Msg("dropping malformed message")
		msg.Ack()
		return
	}

	requestID := msg.RequestID
	if requestID == "" {
		requestID = work.RequestID
	}

	processedKey := dedup.ProcessedKey(requestID)
	alreadyProcessed, err := c.cache.Exists(ctx, processedKey)
	if err != nil {
		log.Error().Str("request_id", requestID).Err(err).Msg("dedup cache error checking processed marker")
		msg.Ack()
		return
	}
	if alreadyProcessed {
		msg.Ack()
		return
	}

	inflightKey := dedup.InflightKey(requestID)
	claimed, err := c.cache.SetIfAbsent(ctx, inflightKey, c.cfg.InflightTTL)
	if err != nil {
		log.Error().Str("request_id", requestID).Err(err).Msg("dedup cache error claiming inflight lock")
		msg.Ack()
		return
	}
	if !claimed {
		// Another worker owns this request-id right now.
		msg.Ack()
		return
	}
	defer func() {
		if err := c.cache.Delete(ctx, inflightKey); err != nil {
			log.Warn().Str("request_id", requestID).Err(err).Msg("failed to release inflight lock")
		}
	}()

	if err := c.postPlanner(ctx, requestID, work); err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("planner dispatch failed")
		if uErr := c.progress.UpdateStatus(ctx, requestID, domain.RequestFailed, err.Error()); uErr != nil {
			log.Error().Str("request_id", requestID).Err(uErr).Msg("failed to record planner failure in progress store")
		}
		if c.cfg.AckOnPlannerFailure {
			msg.Ack()
		} else {
			msg.Nack()
		}
		return
	}

	if err := c.cache.Set(ctx, processedKey, c.cfg.ProcessedTTL); err != nil {
		log.Error().Str("request_id", requestID).Err(err).Msg("failed to set processed marker after a successful planner POST")
	}
	if err := c.progress.UpdateStatus(ctx, requestID, domain.RequestRunning, ""); err != nil {
		log.Error().Str("request_id", requestID).Err(err).Msg("failed to record Running status")
	}
	msg.Ack()
}

func (c *Consumer) postPlanner(ctx context.Context, requestID string, work domain.WorkMessage) error {
	if c.cfg.ProcessorURL == "" {
		return fmt.Errorf("PROCESSOR_URL is not configured")
	}

	payload := domain.PlannerPayload{
		RequestID:   requestID,
		PatientData: work.Payload,
		BatchID:     work.BatchID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal planner payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.PlannerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ProcessorURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewPlannerFailureError(requestID, resp.StatusCode)
	}
	return nil
}
