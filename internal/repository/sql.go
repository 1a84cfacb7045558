package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
)

const (
	profilesTable  = "profiles"
	locationsTable = "locations"
)

// dialect различия DDL между поддерживаемыми базами
type dialect struct {
	name       string
	primaryKey string
	text       string
	real       string
	tableOpts  string
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
		text:       "TEXT",
		real:       "REAL",
	}
	mysqlDialect = dialect{
		name:       "mysql",
		primaryKey: "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		text:       "VARCHAR(255)",
		real:       "DOUBLE",
		tableOpts:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}
)

// rawSettings настройки класса как есть, без подстановки Unknown
// при выключенном распознавании
func rawSettings(p *models.Profile, a models.Activity) models.ActivitySettings {
	switch a {
	case models.ActivityStill:
		return p.Still
	case models.ActivityFoot:
		return p.Foot
	case models.ActivityBicycle:
		return p.Bicycle
	case models.ActivityVehicle:
		return p.Vehicle
	default:
		return p.Unknown
	}
}

// Колонки таблицы profiles в порядке сканирования
var profileColumns = []string{
	"id", "name", "type", "reduce_accuracy_delay",
	"unknown_interval_activity", "unknown_interval_location", "unknown_accuracy",
	"still_interval_activity", "still_interval_location", "still_accuracy",
	"foot_interval_activity", "foot_interval_location", "foot_accuracy",
	"bicycle_interval_activity", "bicycle_interval_location", "bicycle_accuracy",
	"vehicle_interval_activity", "vehicle_interval_location", "vehicle_accuracy",
}

// Колонки таблицы locations в порядке сканирования
var sampleColumns = []string{
	"id", "log_id", "activity", "confidence", "time",
	"latitude", "longitude",
	"altitude", "has_altitude",
	"bearing", "has_bearing",
	"speed", "has_speed",
	"location_accuracy", "has_location_accuracy",
	"battery", "accuracy_setting", "is_segment_start",
}

// SQLStore реализация Storage поверх database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *utils.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *utils.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = utils.DefaultLogger()
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger.WithField("storage", d.name),
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.name, err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seed(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB возвращает пул соединений
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Ping проверяет соединение с базой
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединение с базой
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	d := s.dialect

	var profileDDL strings.Builder
	fmt.Fprintf(&profileDDL, "CREATE TABLE IF NOT EXISTS %s (id %s, name %s NOT NULL, type INTEGER NOT NULL, reduce_accuracy_delay INTEGER NOT NULL",
		profilesTable, d.primaryKey, d.text)
	for _, col := range profileColumns[4:] {
		fmt.Fprintf(&profileDDL, ", %s INTEGER NOT NULL", col)
	}
	profileDDL.WriteString(")" + d.tableOpts)

	locationDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		log_id BIGINT NOT NULL DEFAULT 0,
		activity INTEGER NOT NULL,
		confidence INTEGER NOT NULL,
		time BIGINT NOT NULL,
		latitude %[3]s NOT NULL,
		longitude %[3]s NOT NULL,
		altitude %[3]s NOT NULL,
		has_altitude INTEGER NOT NULL,
		bearing %[3]s NOT NULL,
		has_bearing INTEGER NOT NULL,
		speed %[3]s NOT NULL,
		has_speed INTEGER NOT NULL,
		location_accuracy %[3]s NOT NULL,
		has_location_accuracy INTEGER NOT NULL,
		battery INTEGER NOT NULL,
		accuracy_setting INTEGER NOT NULL,
		is_segment_start INTEGER NOT NULL
	)%[4]s`, locationsTable, d.primaryKey, d.real, d.tableOpts)

	for _, ddl := range []string{profileDDL.String(), locationDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", d.name, err)
		}
	}
	return nil
}

// seed создает Off и встроенные профили, если их еще нет
func (s *SQLStore) seed(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE type = ?", profilesTable),
		int(models.ProfileOff)).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check off profile: %w", err)
	}
	if count > 0 {
		return nil
	}

	profiles := append([]*models.Profile{models.OffProfile()}, models.Presets()...)
	for _, p := range profiles {
		if _, err := insertProfile(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}

	s.logger.WithField("profiles", len(profiles)).Info("Seeded default profiles")
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func profileArgs(p *models.Profile) []interface{} {
	args := []interface{}{p.Name, int(p.Kind), p.ReduceAccuracyDelay}
	for _, a := range models.Activities {
		st := rawSettings(p, a)
		args = append(args, st.ActivityInterval, st.LocationInterval, int(st.Accuracy))
	}
	return args
}

func insertProfile(ctx context.Context, db execer, p *models.Profile) (int64, error) {
	cols := profileColumns[1:]
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		profilesTable, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := db.ExecContext(ctx, query, profileArgs(p)...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert profile %q: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get profile id: %w", err)
	}
	return id, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		p    models.Profile
		kind int
		raw  [15]int
	)
	dest := []interface{}{&p.ID, &p.Name, &kind, &p.ReduceAccuracyDelay}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	k, err := models.ProfileKindFromOrdinal(kind)
	if err != nil {
		return nil, fmt.Errorf("profile %d type: %w", p.ID, err)
	}
	p.Kind = k

	for i, a := range models.Activities {
		acc, err := models.AccuracyFromOrdinal(raw[i*3+2])
		if err != nil {
			return nil, fmt.Errorf("profile %d %s accuracy: %w", p.ID, a, err)
		}
		p.SetSettings(a, models.ActivitySettings{
			ActivityInterval: raw[i*3],
			LocationInterval: raw[i*3+1],
			Accuracy:         acc,
		})
	}
	return &p, nil
}

// SaveSample добавляет сэмпл и возвращает присвоенный id
func (s *SQLStore) SaveSample(ctx context.Context, sample *models.LocationSample) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.StorageOperationDuration.WithLabelValues("save_sample").Observe(time.Since(start).Seconds())
	}()

	cols := sampleColumns[1:]
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		locationsTable, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := s.db.ExecContext(ctx, query,
		sample.LogGroupID,
		int(sample.Activity),
		sample.Confidence,
		sample.Time.UnixMilli(),
		sample.Latitude,
		sample.Longitude,
		sample.Altitude, boolToInt(sample.HasAltitude),
		sample.Bearing, boolToInt(sample.HasBearing),
		sample.Speed, boolToInt(sample.HasSpeed),
		sample.AccuracyDistance, boolToInt(sample.HasAccuracyDistance),
		sample.Battery.Legacy(),
		int(sample.AccuracySetting),
		boolToInt(sample.IsSegmentStart),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sample: %w", err)
	}
	return res.LastInsertId()
}

// ListSamples возвращает сэмплы по возрастанию id
func (s *SQLStore) ListSamples(ctx context.Context, q SampleQuery) ([]*models.LocationSample, error) {
	var (
		where []string
		args  []interface{}
	)
	if !q.From.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "time <= ?")
		args = append(args, q.To.UnixMilli())
	}
	if q.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.AfterID)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(sampleColumns, ", "), locationsTable)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.LocationSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample rows: %w", err)
	}
	return samples, nil
}

func scanSample(row rowScanner) (*models.LocationSample, error) {
	var (
		s                             models.LocationSample
		activity, accSetting, battery int
		timeMs                        int64
		hasAlt, hasBearing, hasSpeed  int
		hasAcc, segmentStart          int
	)
	err := row.Scan(
		&s.ID, &s.LogGroupID, &activity, &s.Confidence, &timeMs,
		&s.Latitude, &s.Longitude,
		&s.Altitude, &hasAlt,
		&s.Bearing, &hasBearing,
		&s.Speed, &hasSpeed,
		&s.AccuracyDistance, &hasAcc,
		&battery, &accSetting, &segmentStart,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sample row: %w", err)
	}

	if s.Activity, err = models.ActivityFromOrdinal(activity); err != nil {
		return nil, fmt.Errorf("sample %d activity: %w", s.ID, err)
	}
	if s.AccuracySetting, err = models.AccuracyFromOrdinal(accSetting); err != nil {
		return nil, fmt.Errorf("sample %d accuracy setting: %w", s.ID, err)
	}
	s.Time = time.UnixMilli(timeMs).UTC()
	s.HasAltitude = hasAlt != 0
	s.HasBearing = hasBearing != 0
	s.HasSpeed = hasSpeed != 0
	s.HasAccuracyDistance = hasAcc != 0
	s.IsSegmentStart = segmentStart != 0
	s.Battery = models.BatteryFromLegacy(battery)
	return &s, nil
}

// CountSamples количество сохраненных сэмплов
func (s *SQLStore) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", locationsTable)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// DeleteAllSamples удаляет все сэмплы
func (s *SQLStore) DeleteAllSamples(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", locationsTable))
	if err != nil {
		return fmt.Errorf("failed to delete samples: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.WithField("deleted", n).Info("Deleted all samples")
	return nil
}

// SaveProfile создает профиль при ID == 0, иначе обновляет существующий
func (s *SQLStore) SaveProfile(ctx context.Context, p *models.Profile) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if p.IsOff() {
		return 0, ErrOffProfile
	}

	if p.ID == 0 {
		return insertProfile(ctx, s.db, p)
	}

	existing, err := s.GetProfileByID(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	if existing.IsOff() {
		return 0, ErrOffProfile
	}

	sets := make([]string, 0, len(profileColumns)-1)
	for _, col := range profileColumns[1:] {
		sets = append(sets, col+" = ?")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", profilesTable, strings.Join(sets, ", "))
	args := append(profileArgs(p), p.ID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to update profile %d: %w", p.ID, err)
	}
	return p.ID, nil
}

// GetProfileByID возвращает профиль или ErrNotFound
func (s *SQLStore) GetProfileByID(ctx context.Context, id int64) (*models.Profile, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(profileColumns, ", "), profilesTable)
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %d: %w", id, err)
	}
	return p, nil
}

// GetOffProfile возвращает служебный профиль Off
func (s *SQLStore) GetOffProfile(ctx context.Context) (*models.Profile, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE type = ? ORDER BY id LIMIT 1", strings.Join(profileColumns, ", "), profilesTable)
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, int(models.ProfileOff)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get off profile: %w", err)
	}
	return p, nil
}

// ListProfiles возвращает все профили, кроме Off, по возрастанию id
func (s *SQLStore) ListProfiles(ctx context.Context) ([]*models.Profile, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE type <> ? ORDER BY id", strings.Join(profileColumns, ", "), profilesTable)
	rows, err := s.db.QueryContext(ctx, query, int(models.ProfileOff))
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile rows: %w", err)
	}
	return profiles, nil
}

// DeleteProfile удаляет профиль; Off удалить нельзя
func (s *SQLStore) DeleteProfile(ctx context.Context, id int64) error {
	p, err := s.GetProfileByID(ctx, id)
	if err != nil {
		return err
	}
	if p.IsOff() {
		return ErrOffProfile
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", profilesTable), id); err != nil {
		return fmt.Errorf("failed to delete profile %d: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
