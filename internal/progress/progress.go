// Package progress implements the Progress Store Interface (C7): CRUD and
// aggregation over Requests, RequestProgress, and ManualActions, backed
// by MongoDB collections.
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/domain"
)

// Store is the Progress Store (C7).
type Store struct {
	requests      *mongo.Collection
	progress      *mongo.Collection
	manualActions *mongo.Collection
}

// New builds a Store over three collections on db: Requests,
// RequestProgress, ManualActions.
func New(db *mongo.Database) *Store {
	return &Store{
		requests:      db.Collection("Requests"),
		progress:      db.Collection("RequestProgress"),
		manualActions: db.Collection("ManualActions"),
	}
}

// CreateRequest inserts the Request row and its initial RequestProgress
// row (status Created), as required by the Batch Ingestor (C5).
func (s *Store) CreateRequest(ctx context.Context, req domain.Request) error {
	if _, err := s.requests.InsertOne(ctx, req); err != nil {
		return fmt.Errorf("insert request row: %w", err)
	}

	row := domain.RequestProgress{
		RequestID:   req.RequestID,
		Status:      domain.RequestCreated,
		LastUpdated: req.CreatedAt,
	}
	if _, err := s.progress.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("insert progress row: %w", err)
	}
	return nil
}

// UpdateStatus is upsert_progress: it sets status/remarks and bumps
// last-updated, creating the row if it somehow doesn't exist yet.
func (s *Store) UpdateStatus(ctx context.Context, requestID string, status domain.RequestStatus, remarks string) error {
	_, err := s.progress.UpdateOne(ctx,
		bson.M{"requestid": requestID},
		bson.M{"$set": bson.M{
			"status":      status,
			"remarks":     remarks,
			"lastupdated": time.Now(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert progress for request %s: %w", requestID, err)
	}
	return nil
}

// GetProgress returns the current RequestProgress row for requestID.
func (s *Store) GetProgress(ctx context.Context, requestID string) (*domain.RequestProgress, error) {
	var row domain.RequestProgress
	err := s.progress.FindOne(ctx, bson.M{"requestid": requestID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progress for request %s: %w", requestID, err)
	}
	return &row, nil
}

// RequestSummary is one row of list_recent's result: a Request joined
// with its current progress, with status passed through MapStatus.
type RequestSummary struct {
	RequestID   string
	BatchID     string
	Vendor      string
	Status      string // UI-facing label, already mapped
	LastUpdated time.Time
	Remarks     string
}

// Filters narrows list_recent; zero values mean "no filter".
type Filters struct {
	BatchID string
	Vendor  string
	Status  domain.RequestStatus
}

// ListRecent joins Requests with RequestProgress, applies filters, and
// maps internal statuses to UI labels only at this read boundary, the
// single consolidated transform for that mapping.
func (s *Store) ListRecent(ctx context.Context, filters Filters, limit int) ([]RequestSummary, error) {
	query := bson.M{}
	if filters.BatchID != "" {
		query["batchid"] = filters.BatchID
	}
	if filters.Vendor != "" {
		query["vendor"] = filters.Vendor
	}

	findOpts := options.Find().SetSort(bson.M{"createdat": -1})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.requests.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list recent requests: %w", err)
	}
	defer cursor.Close(ctx)

	var requests []domain.Request
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("decode recent requests: %w", err)
	}

	summaries := make([]RequestSummary, 0, len(requests))
	for _, req := range requests {
		row, err := s.GetProgress(ctx, req.RequestID)
		status := domain.RequestCreated
		remarks := ""
		lastUpdated := req.CreatedAt
		if err == nil {
			status = row.Status
			remarks = row.Remarks
			lastUpdated = row.LastUpdated
		}

		mapped := MapStatus(status)
		if filters.Status != "" && status != filters.Status {
			continue
		}
		summaries = append(summaries, RequestSummary{
			RequestID:   req.RequestID,
			BatchID:     req.BatchID,
			Vendor:      req.Vendor,
			Status:      mapped,
			LastUpdated: lastUpdated,
			Remarks:     remarks,
		})
	}
	return summaries, nil
}

// Stats is the result of aggregate_stats over a time window.
type Stats struct {
	Window       time.Duration
	TotalRequests int
	ByStatus     map[string]int
	ByVendor     map[string]int
}

// AggregateStats counts requests created within window, grouped by
// mapped status and by vendor.
func (s *Store) AggregateStats(ctx context.Context, window time.Duration) (*Stats, error) {
	since := time.Now().Add(-window)
	cursor, err := s.requests.Find(ctx, bson.M{"createdat": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	defer cursor.Close(ctx)

	var requests []domain.Request
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("decode stats requests: %w", err)
	}

	stats := &Stats{Window: window, ByStatus: make(map[string]int), ByVendor: make(map[string]int)}
	for _, req := range requests {
		stats.TotalRequests++
		stats.ByVendor[req.Vendor]++

		row, err := s.GetProgress(ctx, req.RequestID)
		status := domain.RequestCreated
		if err == nil {
			status = row.Status
		}
		stats.ByStatus[MapStatus(status)]++
	}
	return stats, nil
}

// MarkActionCompleted sets a ManualAction's status to Completed and
// records the actioned-at time and any caller-supplied metadata.
func (s *Store) MarkActionCompleted(ctx context.Context, actionID string, metadata map[string]any) error {
	now := time.Now()
	result, err := s.manualActions.UpdateOne(ctx,
		bson.M{"actionid": actionID},
		bson.M{"$set": bson.M{
			"status":     domain.ManualActionCompleted,
			"actionedat": now,
			"metadata":   metadata,
		}},
	)
	if err != nil {
		return fmt.Errorf("mark action %s completed: %w", actionID, err)
	}
	if result.MatchedCount == 0 {
		return apperrors.ErrActionNotFound
	}
	return nil
}

// statusLabels is the single consolidated status-mapping table, applied
// only here at the read boundary. Keys are lowercased before lookup so
// both the internal PascalCase enum (Created, Running, ...) and the
// lowercase tokens written directly by upstream producers (in_progress,
// processing, action_needed, ...) resolve to the same UI labels.
var statusLabels = map[string]string{
	"created":              "queued",
	"queued":               "queued",
	"running":              "running",
	"in_progress":          "running",
	"processing":           "running",
	"useractionrequired":   "manual-action",
	"user_action_required": "manual-action",
	"action_needed":        "manual-action",
	"completed":            "completed",
	"succeeded":            "completed",
	"failed":               "failed",
}

// MapStatus translates an internal RequestStatus to its UI-facing label.
// This is the only place in the codebase that performs this translation.
func MapStatus(status domain.RequestStatus) string {
	if label, ok := statusLabels[strings.ToLower(string(status))]; ok {
		return label
	}
	return string(status)
}
