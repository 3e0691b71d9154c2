package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Documents carry a single "json" string field so the Go types
// stay the source of truth for the schema.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// getJSONDoc fetches a document and unmarshals its "json" field into out.
// Returns (false, nil) when the document does not exist.
func (f *FirestoreProvider) getJSONDoc(ctx context.Context, siteID, collection, docID string, out any) (bool, int, error) {
	coll, err := f.getCollection(siteID, collection)
	if err != nil {
		return false, 0, err
	}
	doc, err := coll.Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to fetch %s/%s doc: %w", collection, docID, err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return false, 0, fmt.Errorf("%s/%s document missing 'json' field: %w", collection, docID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return false, 0, fmt.Errorf("%s/%s 'json' field is not a string", collection, docID)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to unmarshal stored json",
			slog.String("siteID", siteID),
			slog.String("doc", collection+"/"+docID),
			slog.Any("err", err),
		)
		return false, 0, fmt.Errorf("failed to unmarshal %s/%s json: %w", collection, docID, err)
	}
	return true, version, nil
}

// setJSONDoc stores value as a JSON string under the given document.
func (f *FirestoreProvider) setJSONDoc(ctx context.Context, siteID, collection, docID string, value any, version int) error {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, docID, err)
	}
	coll, err := f.getCollection(siteID, collection)
	if err != nil {
		return err
	}
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", collection, docID, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	var s types.Settings
	_, version, err := f.getJSONDoc(ctx, siteID, "config", "settings", &s)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	return f.setJSONDoc(ctx, siteID, "config", "settings", settings, version)
}

// GetEnergyLog retrieves the FIFO lot ledger from the "state/ledger" document.
func (f *FirestoreProvider) GetEnergyLog(ctx context.Context, siteID string) ([]types.EnergyLot, int, error) {
	var lots []types.EnergyLot
	_, version, err := f.getJSONDoc(ctx, siteID, "state", "ledger", &lots)
	if err != nil {
		return nil, 0, err
	}
	return lots, version, nil
}

// SetEnergyLog replaces the FIFO lot ledger in the "state/ledger" document.
func (f *FirestoreProvider) SetEnergyLog(ctx context.Context, siteID string, lots []types.EnergyLot, version int) error {
	return f.setJSONDoc(ctx, siteID, "state", "ledger", lots, version)
}

// GetPlan retrieves the latest plan. Returns nil when no plan is stored.
func (f *FirestoreProvider) GetPlan(ctx context.Context, siteID string) (*types.Plan, error) {
	var p types.Plan
	found, _, err := f.getJSONDoc(ctx, siteID, "state", "plan", &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

// SetPlan stores the latest plan. A nil plan clears the stored one.
func (f *FirestoreProvider) SetPlan(ctx context.Context, siteID string, plan *types.Plan) error {
	if plan == nil {
		coll, err := f.getCollection(siteID, "state")
		if err != nil {
			return err
		}
		if _, err := coll.Doc("plan").Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete plan: %w", err)
		}
		return nil
	}
	return f.setJSONDoc(ctx, siteID, "state", "plan", plan, types.CurrentPlanVersion)
}

// GetControlState retrieves the control loop state.
func (f *FirestoreProvider) GetControlState(ctx context.Context, siteID string) (types.ControlState, error) {
	var s types.ControlState
	if _, _, err := f.getJSONDoc(ctx, siteID, "state", "control", &s); err != nil {
		return types.ControlState{}, err
	}
	return s, nil
}

// SetControlState stores the control loop state.
func (f *FirestoreProvider) SetControlState(ctx context.Context, siteID string, state types.ControlState) error {
	return f.setJSONDoc(ctx, siteID, "state", "control", state, 0)
}

// InsertDecision adds a decision record to the "decision_history" collection.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) InsertDecision(ctx context.Context, siteID string, decision types.Decision) error {
	jsonBytes, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	coll, err := f.getCollection(siteID, "decision_history")
	if err != nil {
		return err
	}
	docID := decision.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": decision.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetDecisionHistory retrieves decisions within the specified time range.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetDecisionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Decision, error) {
	var decisions []types.Decision
	err := f.rangeJSONDocs(ctx, siteID, "decision_history", start, end, func(jsonStr string) error {
		var d types.Decision
		if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
			return err
		}
		decisions = append(decisions, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

// InsertIntervalEnergy adds one measured interval to the "interval_energy"
// collection.
func (f *FirestoreProvider) InsertIntervalEnergy(ctx context.Context, siteID string, e types.IntervalEnergy) error {
	jsonBytes, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal interval energy: %w", err)
	}
	coll, err := f.getCollection(siteID, "interval_energy")
	if err != nil {
		return err
	}
	docID := e.TSStart.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": e.TSStart,
	})
	if err != nil {
		return fmt.Errorf("failed to insert interval energy: %w", err)
	}
	return nil
}

// GetIntervalSamples aggregates measured intervals since start into the
// per-interval-of-day sample sets the demand forecast consumes.
func (f *FirestoreProvider) GetIntervalSamples(ctx context.Context, siteID string, start time.Time) (types.IntervalSamples, error) {
	var samples types.IntervalSamples
	err := f.rangeJSONDocs(ctx, siteID, "interval_energy", start, time.Now().Add(time.Hour), func(jsonStr string) error {
		var e types.IntervalEnergy
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			return err
		}
		samples.Add(e)
		return nil
	})
	if err != nil {
		return types.IntervalSamples{}, err
	}
	return samples, nil
}

// UpsertPriceIntervals stores price intervals in the "price_history"
// collection, one document per interval keyed by RFC3339 start time.
func (f *FirestoreProvider) UpsertPriceIntervals(ctx context.Context, siteID string, intervals []types.PriceInterval) error {
	coll, err := f.getCollection(siteID, "price_history")
	if err != nil {
		return err
	}
	for _, iv := range intervals {
		jsonBytes, err := json.Marshal(iv)
		if err != nil {
			return fmt.Errorf("failed to marshal price interval: %w", err)
		}
		docID := iv.TSStart.UTC().Format(time.RFC3339)
		if _, err := coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": iv.TSStart,
		}); err != nil {
			return fmt.Errorf("failed to upsert price interval: %w", err)
		}
	}
	return nil
}

// GetPriceHistory retrieves price intervals within the specified time range.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.PriceInterval, error) {
	var intervals []types.PriceInterval
	err := f.rangeJSONDocs(ctx, siteID, "price_history", start, end, func(jsonStr string) error {
		var iv types.PriceInterval
		if err := json.Unmarshal([]byte(jsonStr), &iv); err != nil {
			return err
		}
		intervals = append(intervals, iv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intervals, nil
}

// rangeJSONDocs walks a history collection between start (inclusive) and
// end (exclusive) in document ID order, passing each "json" field to fn.
func (f *FirestoreProvider) rangeJSONDocs(ctx context.Context, siteID, collection string, start, end time.Time, fn func(jsonStr string) error) error {
	coll, err := f.getCollection(siteID, collection)
	if err != nil {
		return err
	}
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", collection, err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"history doc missing json",
				slog.String("siteID", siteID),
				slog.String("collection", collection),
				slog.String("doc", doc.Ref.ID),
			)
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			continue
		}
		if err := fn(jsonStr); err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to decode history doc",
				slog.String("siteID", siteID),
				slog.String("collection", collection),
				slog.String("doc", doc.Ref.ID),
				slog.Any("err", err),
			)
		}
	}
	return nil
}
