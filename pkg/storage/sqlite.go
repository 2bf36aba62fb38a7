package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/levenlabs/go-lflag"
	"gorm.io/gorm"

	"github.com/raterudder/batteryplan/pkg/types"
)

// SQLiteProvider implements Database on a local SQLite file through gorm. It
// suits single-box deployments next to the inverter.
type SQLiteProvider struct {
	db   *gorm.DB
	path string
}

// storedDocument holds per-device singletons such as settings and state.
type storedDocument struct {
	Key       string `gorm:"column:doc_key;primaryKey"`
	DeviceID  string `gorm:"index"`
	Kind      string
	Version   int
	JSON      string
	UpdatedAt time.Time
}

type storedPlan struct {
	Key       string    `gorm:"column:doc_key;primaryKey"`
	DeviceID  string    `gorm:"index:idx_plan_device_created"`
	PlanID    string    `gorm:"index"`
	Type      string    `gorm:"index"`
	Status    string    `gorm:"index"`
	CreatedAt time.Time `gorm:"index:idx_plan_device_created"`
	Version   int
	JSON      string
}

// storedRecord holds timestamped history such as actions and energy stats.
type storedRecord struct {
	Key       string    `gorm:"column:doc_key;primaryKey"`
	DeviceID  string    `gorm:"index:idx_record_device_kind_ts"`
	Kind      string    `gorm:"index:idx_record_device_kind_ts"`
	Timestamp time.Time `gorm:"index:idx_record_device_kind_ts"`
	Version   int
	JSON      string
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "batteryplan.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and migrates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&storedDocument{}, &storedPlan{}, &storedRecord{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLiteProvider) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func documentKey(deviceID, kind string) string {
	return deviceID + "/" + kind
}

func recordKey(deviceID, kind string, ts time.Time) string {
	return deviceID + "/" + kind + "/" + ts.UTC().Format(time.RFC3339)
}

func (s *SQLiteProvider) getDocument(ctx context.Context, deviceID, kind string, v any) (int, error) {
	if deviceID == "" {
		return 0, ErrNoDeviceID
	}
	var row storedDocument
	err := s.db.WithContext(ctx).Where("doc_key = ?", documentKey(deviceID, kind)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(row.JSON), v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return row.Version, nil
}

func (s *SQLiteProvider) setDocument(ctx context.Context, deviceID, kind string, v any, version int) error {
	if deviceID == "" {
		return ErrNoDeviceID
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	row := storedDocument{
		Key:      documentKey(deviceID, kind),
		DeviceID: deviceID,
		Kind:     kind,
		Version:  version,
		JSON:     string(b),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func (s *SQLiteProvider) GetSettings(ctx context.Context, deviceID string) (types.Settings, int, error) {
	var v types.Settings
	version, err := s.getDocument(ctx, deviceID, "settings", &v)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return v, version, nil
}

func (s *SQLiteProvider) SetSettings(ctx context.Context, deviceID string, settings types.Settings, version int) error {
	return s.setDocument(ctx, deviceID, "settings", settings, version)
}

func (s *SQLiteProvider) GetBalancingState(ctx context.Context, deviceID string) (types.BalancingState, int, error) {
	var v types.BalancingState
	version, err := s.getDocument(ctx, deviceID, "balancing", &v)
	if err != nil {
		return types.BalancingState{}, 0, err
	}
	return v, version, nil
}

func (s *SQLiteProvider) SetBalancingState(ctx context.Context, deviceID string, state types.BalancingState, version int) error {
	return s.setDocument(ctx, deviceID, "balancing", state, version)
}

func (s *SQLiteProvider) GetWeatherState(ctx context.Context, deviceID string) (types.WeatherState, int, error) {
	var v types.WeatherState
	version, err := s.getDocument(ctx, deviceID, "weather", &v)
	if err != nil {
		return types.WeatherState{}, 0, err
	}
	return v, version, nil
}

func (s *SQLiteProvider) SetWeatherState(ctx context.Context, deviceID string, state types.WeatherState, version int) error {
	return s.setDocument(ctx, deviceID, "weather", state, version)
}

func (s *SQLiteProvider) GetESSMockState(ctx context.Context, deviceID string) (types.ESSMockState, error) {
	var v types.ESSMockState
	if _, err := s.getDocument(ctx, deviceID, "ess_mock", &v); err != nil {
		return types.ESSMockState{}, err
	}
	return v, nil
}

func (s *SQLiteProvider) UpdateESSMockState(ctx context.Context, deviceID string, state types.ESSMockState) error {
	return s.setDocument(ctx, deviceID, "ess_mock", state, 0)
}

// SavePlan inserts or replaces the plan keyed by device and plan id.
func (s *SQLiteProvider) SavePlan(ctx context.Context, deviceID string, plan types.Plan, version int) error {
	if deviceID == "" {
		return ErrNoDeviceID
	}
	if plan.ID == "" {
		return fmt.Errorf("plan missing id")
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan %s: %w", plan.ID, err)
	}
	row := storedPlan{
		Key:       PlanKey(deviceID, plan.ID),
		DeviceID:  deviceID,
		PlanID:    plan.ID,
		Type:      string(plan.Type),
		Status:    string(plan.Status),
		CreatedAt: plan.CreatedAt.UTC(),
		Version:   version,
		JSON:      string(b),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save plan %s: %w", row.Key, err)
	}
	return nil
}

func (s *SQLiteProvider) GetPlan(ctx context.Context, deviceID, planID string) (types.Plan, error) {
	if deviceID == "" {
		return types.Plan{}, ErrNoDeviceID
	}
	var row storedPlan
	err := s.db.WithContext(ctx).Where("doc_key = ?", PlanKey(deviceID, planID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, PlanKey(deviceID, planID))
	}
	if err != nil {
		return types.Plan{}, fmt.Errorf("failed to get plan %s: %w", PlanKey(deviceID, planID), err)
	}
	return decodePlan(row)
}

func (s *SQLiteProvider) ListPlans(ctx context.Context, deviceID string, filter types.PlanFilter) ([]types.Plan, error) {
	if deviceID == "" {
		return nil, ErrNoDeviceID
	}
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = q.Order("created_at desc")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []storedPlan
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	plans := make([]types.Plan, 0, len(rows))
	for _, row := range rows {
		p, err := decodePlan(row)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func decodePlan(row storedPlan) (types.Plan, error) {
	var p types.Plan
	if err := json.Unmarshal([]byte(row.JSON), &p); err != nil {
		return types.Plan{}, fmt.Errorf("failed to unmarshal plan %s: %w", row.Key, err)
	}
	return p, nil
}

func (s *SQLiteProvider) putRecord(ctx context.Context, deviceID, kind string, ts time.Time, v any, version int) error {
	if deviceID == "" {
		return ErrNoDeviceID
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	row := storedRecord{
		Key:       recordKey(deviceID, kind, ts),
		DeviceID:  deviceID,
		Kind:      kind,
		Timestamp: ts.UTC(),
		Version:   version,
		JSON:      string(b),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func (s *SQLiteProvider) rangeRecords(ctx context.Context, deviceID, kind string, start, end time.Time) ([]storedRecord, error) {
	if deviceID == "" {
		return nil, ErrNoDeviceID
	}
	var rows []storedRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND kind = ? AND timestamp >= ? AND timestamp < ?", deviceID, kind, start.UTC(), end.UTC()).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return rows, nil
}

func (s *SQLiteProvider) latestRecord(ctx context.Context, deviceID, kind string) (*storedRecord, error) {
	if deviceID == "" {
		return nil, ErrNoDeviceID
	}
	var row storedRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND kind = ?", deviceID, kind).
		Order("timestamp desc").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s: %w", kind, err)
	}
	return &row, nil
}

func (s *SQLiteProvider) InsertAction(ctx context.Context, deviceID string, action types.Action) error {
	return s.putRecord(ctx, deviceID, "action", action.Timestamp, action, 0)
}

func (s *SQLiteProvider) GetActionHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.Action, error) {
	rows, err := s.rangeRecords(ctx, deviceID, "action", start, end)
	if err != nil {
		return nil, err
	}
	actions := make([]types.Action, 0, len(rows))
	for _, row := range rows {
		var a types.Action
		if err := json.Unmarshal([]byte(row.JSON), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action %s: %w", row.Key, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (s *SQLiteProvider) GetLatestAction(ctx context.Context, deviceID string) (*types.Action, error) {
	row, err := s.latestRecord(ctx, deviceID, "action")
	if err != nil || row == nil {
		return nil, err
	}
	var a types.Action
	if err := json.Unmarshal([]byte(row.JSON), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action %s: %w", row.Key, err)
	}
	return &a, nil
}

func (s *SQLiteProvider) UpsertEnergyHistory(ctx context.Context, deviceID string, stats types.EnergyStats, version int) error {
	if stats.TSHourStart.IsZero() {
		return fmt.Errorf("energy stats missing tsHourStart")
	}
	return s.putRecord(ctx, deviceID, "energy", stats.TSHourStart, stats, version)
}

func (s *SQLiteProvider) GetEnergyHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.EnergyStats, error) {
	rows, err := s.rangeRecords(ctx, deviceID, "energy", start.Truncate(time.Hour), end.Truncate(time.Hour))
	if err != nil {
		return nil, err
	}
	all := make([]types.EnergyStats, 0, len(rows))
	for _, row := range rows {
		var st types.EnergyStats
		if err := json.Unmarshal([]byte(row.JSON), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal energy stats %s: %w", row.Key, err)
		}
		all = append(all, st)
	}
	return all, nil
}

func (s *SQLiteProvider) GetLatestEnergyHistoryTime(ctx context.Context, deviceID string) (time.Time, int, error) {
	row, err := s.latestRecord(ctx, deviceID, "energy")
	if err != nil || row == nil {
		return time.Time{}, 0, err
	}
	return row.Timestamp, row.Version, nil
}
