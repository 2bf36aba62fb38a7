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
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Every
// document stores its payload as a JSON string in the "json" field next to a
// schema "version"; fields needed for queries are duplicated at the top level.
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
	// an empty project ID is detected from the environment
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

func (f *FirestoreProvider) getCollection(deviceID, name string) (*firestore.CollectionRef, error) {
	if deviceID == "" {
		return nil, ErrNoDeviceID
	}
	return f.client.Collection("devices").Doc(deviceID).Collection(name), nil
}

// decodeDoc unmarshals the "json" field of doc into v and returns the stored
// version (0 when absent).
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) (int, error) {
	var version int
	if raw, err := doc.DataAt("version"); err == nil {
		if vInt, ok := raw.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path))
		return 0, fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return 0, fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return 0, fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return version, nil
}

// getSingleton reads a per-device document such as "config/settings". A
// missing document leaves v untouched and returns version 0.
func (f *FirestoreProvider) getSingleton(ctx context.Context, deviceID, coll, id string, v any) (int, error) {
	c, err := f.getCollection(deviceID, coll)
	if err != nil {
		return 0, err
	}
	doc, err := c.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to fetch %s/%s doc: %w", coll, id, err)
	}
	return decodeDoc(ctx, doc, v)
}

func (f *FirestoreProvider) setSingleton(ctx context.Context, deviceID, coll, id string, v any, version int) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", coll, id, err)
	}
	c, err := f.getCollection(deviceID, coll)
	if err != nil {
		return err
	}
	_, err = c.Doc(id).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", coll, id, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, deviceID string) (types.Settings, int, error) {
	var s types.Settings
	version, err := f.getSingleton(ctx, deviceID, "config", "settings", &s)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, deviceID string, settings types.Settings, version int) error {
	return f.setSingleton(ctx, deviceID, "config", "settings", settings, version)
}

// GetBalancingState reads the "state/balancing" document.
func (f *FirestoreProvider) GetBalancingState(ctx context.Context, deviceID string) (types.BalancingState, int, error) {
	var s types.BalancingState
	version, err := f.getSingleton(ctx, deviceID, "state", "balancing", &s)
	if err != nil {
		return types.BalancingState{}, 0, err
	}
	return s, version, nil
}

// SetBalancingState writes the "state/balancing" document.
func (f *FirestoreProvider) SetBalancingState(ctx context.Context, deviceID string, state types.BalancingState, version int) error {
	return f.setSingleton(ctx, deviceID, "state", "balancing", state, version)
}

// GetWeatherState reads the "state/weather" document.
func (f *FirestoreProvider) GetWeatherState(ctx context.Context, deviceID string) (types.WeatherState, int, error) {
	var s types.WeatherState
	version, err := f.getSingleton(ctx, deviceID, "state", "weather", &s)
	if err != nil {
		return types.WeatherState{}, 0, err
	}
	return s, version, nil
}

// SetWeatherState writes the "state/weather" document.
func (f *FirestoreProvider) SetWeatherState(ctx context.Context, deviceID string, state types.WeatherState, version int) error {
	return f.setSingleton(ctx, deviceID, "state", "weather", state, version)
}

// GetESSMockState reads the simulated ESS state.
func (f *FirestoreProvider) GetESSMockState(ctx context.Context, deviceID string) (types.ESSMockState, error) {
	var s types.ESSMockState
	if _, err := f.getSingleton(ctx, deviceID, "state", "ess_mock", &s); err != nil {
		return types.ESSMockState{}, err
	}
	return s, nil
}

// UpdateESSMockState writes the simulated ESS state.
func (f *FirestoreProvider) UpdateESSMockState(ctx context.Context, deviceID string, state types.ESSMockState) error {
	return f.setSingleton(ctx, deviceID, "state", "ess_mock", state, 0)
}

// SavePlan writes the plan to "plans/<planID>". Type, status and creation
// time are duplicated at the top level for ListPlans.
func (f *FirestoreProvider) SavePlan(ctx context.Context, deviceID string, plan types.Plan, version int) error {
	if plan.ID == "" {
		return fmt.Errorf("plan missing id")
	}
	jsonBytes, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan %s: %w", plan.ID, err)
	}
	coll, err := f.getCollection(deviceID, "plans")
	if err != nil {
		return err
	}
	_, err = coll.Doc(plan.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"version":   version,
		"type":      string(plan.Type),
		"status":    string(plan.Status),
		"createdAt": plan.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", PlanKey(deviceID, plan.ID), err)
	}
	return nil
}

// GetPlan reads a single plan.
func (f *FirestoreProvider) GetPlan(ctx context.Context, deviceID, planID string) (types.Plan, error) {
	coll, err := f.getCollection(deviceID, "plans")
	if err != nil {
		return types.Plan{}, err
	}
	doc, err := coll.Doc(planID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, PlanKey(deviceID, planID))
		}
		return types.Plan{}, fmt.Errorf("failed to get plan %s: %w", PlanKey(deviceID, planID), err)
	}
	var p types.Plan
	if _, err := decodeDoc(ctx, doc, &p); err != nil {
		return types.Plan{}, err
	}
	return p, nil
}

// ListPlans queries plans newest first. Filtering on type and status together
// needs a composite index on (type, status, createdAt).
func (f *FirestoreProvider) ListPlans(ctx context.Context, deviceID string, filter types.PlanFilter) ([]types.Plan, error) {
	coll, err := f.getCollection(deviceID, "plans")
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if filter.Type != "" {
		q = q.Where("type", "==", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var plans []types.Plan
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating plans: %w", err)
		}
		var p types.Plan
		if _, err := decodeDoc(ctx, doc, &p); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// InsertAction adds a new action record to the "action_history" collection.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) InsertAction(ctx context.Context, deviceID string, action types.Action) error {
	jsonBytes, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	coll, err := f.getCollection(deviceID, "action_history")
	if err != nil {
		return err
	}
	docID := action.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": action.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory retrieves action records within [start, end).
func (f *FirestoreProvider) GetActionHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.Action, error) {
	var actions []types.Action
	err := f.rangeByID(ctx, deviceID, "action_history", start, end, func(doc *firestore.DocumentSnapshot) error {
		var a types.Action
		if _, err := decodeDoc(ctx, doc, &a); err != nil {
			return err
		}
		actions = append(actions, a)
		return nil
	})
	return actions, err
}

// GetLatestAction returns the newest action or nil when there is none.
func (f *FirestoreProvider) GetLatestAction(ctx context.Context, deviceID string) (*types.Action, error) {
	doc, err := f.latest(ctx, deviceID, "action_history")
	if err != nil || doc == nil {
		return nil, err
	}
	var a types.Action
	if _, err := decodeDoc(ctx, doc, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertEnergyHistory adds or updates an energy history record in the "energy_history" collection.
// The document ID is the RFC3339 timestamp of TSHourStart for consistent formatting.
func (f *FirestoreProvider) UpsertEnergyHistory(ctx context.Context, deviceID string, stats types.EnergyStats, version int) error {
	if stats.TSHourStart.IsZero() {
		return fmt.Errorf("energy stats missing tsHourStart")
	}
	jsonBytes, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal energy stats: %w", err)
	}

	coll, err := f.getCollection(deviceID, "energy_history")
	if err != nil {
		return err
	}
	docID := stats.TSHourStart.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": stats.TSHourStart,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert energy history: %w", err)
	}
	return nil
}

// GetEnergyHistory retrieves energy history records within the specified time range.
func (f *FirestoreProvider) GetEnergyHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.EnergyStats, error) {
	var all []types.EnergyStats
	err := f.rangeByID(ctx, deviceID, "energy_history", start.Truncate(time.Hour), end.Truncate(time.Hour), func(doc *firestore.DocumentSnapshot) error {
		var s types.EnergyStats
		if _, err := decodeDoc(ctx, doc, &s); err != nil {
			return err
		}
		all = append(all, s)
		return nil
	})
	return all, err
}

// GetLatestEnergyHistoryTime retrieves the timestamp of the last stored energy history record.
func (f *FirestoreProvider) GetLatestEnergyHistoryTime(ctx context.Context, deviceID string) (time.Time, int, error) {
	doc, err := f.latest(ctx, deviceID, "energy_history")
	if err != nil || doc == nil {
		return time.Time{}, 0, err
	}
	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid energy history doc id %s: %w", doc.Ref.ID, err)
	}
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	return ts, version, nil
}

// rangeByID walks documents whose RFC3339 IDs fall in [start, end).
func (f *FirestoreProvider) rangeByID(ctx context.Context, deviceID, name string, start, end time.Time, fn func(*firestore.DocumentSnapshot) error) error {
	coll, err := f.getCollection(deviceID, name)
	if err != nil {
		return err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error iterating %s: %w", name, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}

// latest returns the document with the highest timestamp or nil.
func (f *FirestoreProvider) latest(ctx context.Context, deviceID, name string) (*firestore.DocumentSnapshot, error) {
	coll, err := f.getCollection(deviceID, name)
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s doc: %w", name, err)
	}
	return doc, nil
}
