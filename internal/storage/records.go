package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"windtunnel-telemetry/internal/telemetry"
)

const recordColumns = `
        id,
        source,
        equipment_id,
        laboratory_id,
        data_ts,
        created_at,
        wind_speed,
        temperature,
        pressure,
        flow,
        power,
        vibration,
        voltage,
        current,
        extra,
        status,
        risk_level,
        anomaly_description`

const (
	insertRecordSQL = `INSERT INTO telemetry_records (
        source,
        equipment_id,
        laboratory_id,
        data_ts,
        created_at,
        wind_speed,
        temperature,
        pressure,
        flow,
        power,
        vibration,
        voltage,
        current,
        extra,
        status,
        risk_level,
        anomaly_description
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    RETURNING id;`

	upsertRecordSQL = `INSERT INTO telemetry_records (
        id,
        source,
        equipment_id,
        laboratory_id,
        data_ts,
        created_at,
        wind_speed,
        temperature,
        pressure,
        flow,
        power,
        vibration,
        voltage,
        current,
        extra,
        status,
        risk_level,
        anomaly_description
    ) VALUES (
        $18,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (id) DO UPDATE
    SET
        source              = EXCLUDED.source,
        equipment_id        = EXCLUDED.equipment_id,
        laboratory_id       = EXCLUDED.laboratory_id,
        data_ts             = EXCLUDED.data_ts,
        wind_speed          = EXCLUDED.wind_speed,
        temperature         = EXCLUDED.temperature,
        pressure            = EXCLUDED.pressure,
        flow                = EXCLUDED.flow,
        power               = EXCLUDED.power,
        vibration           = EXCLUDED.vibration,
        voltage             = EXCLUDED.voltage,
        current             = EXCLUDED.current,
        extra               = EXCLUDED.extra,
        status              = EXCLUDED.status,
        risk_level          = EXCLUDED.risk_level,
        anomaly_description = EXCLUDED.anomaly_description;`

	updateAssessmentSQL = `UPDATE telemetry_records
    SET status = $2, risk_level = $3, anomaly_description = $4
    WHERE id = $1;`

	findByIDSQL  = `SELECT` + recordColumns + ` FROM telemetry_records WHERE id = $1;`
	findByIDsSQL = `SELECT` + recordColumns + ` FROM telemetry_records WHERE id = ANY($1) ORDER BY data_ts, id;`

	findBySourceSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE source = $1
    ORDER BY data_ts, id
    LIMIT $2;`

	findByEquipmentSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE equipment_id = $1
    ORDER BY data_ts, id
    LIMIT $2;`

	findByLaboratorySQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE laboratory_id = $1
    ORDER BY data_ts, id
    LIMIT $2;`

	findByTimeRangeSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE data_ts >= $1
      AND data_ts < $2
    ORDER BY data_ts, id;`

	findBySourceAndTimeRangeSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE source = $1
      AND data_ts >= $2
      AND data_ts < $3
    ORDER BY data_ts, id;`

	findLatestBySourceSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE source = $1
    ORDER BY data_ts DESC, id DESC
    LIMIT $2;`

	findLatestByEquipmentSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    WHERE equipment_id = $1
    ORDER BY data_ts DESC, id DESC
    LIMIT $2;`

	listRecentRecordsSQL = `SELECT` + recordColumns + `
    FROM telemetry_records
    ORDER BY data_ts DESC, id DESC
    LIMIT $1;`

	deleteByIDsSQL       = `DELETE FROM telemetry_records WHERE id = ANY($1);`
	deleteByTimeRangeSQL = `DELETE FROM telemetry_records WHERE data_ts >= $1 AND data_ts < $2;`
	deleteBySourcesSQL   = `DELETE FROM telemetry_records WHERE source = ANY($1);`
	deleteByEquipmentSQL = `DELETE FROM telemetry_records WHERE equipment_id = $1;`
)

// Save inserts a record and assigns its id.
func (s *Store) Save(ctx context.Context, rec *telemetry.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if scanErr := pool.QueryRow(ctx, insertRecordSQL, args...).Scan(&rec.ID); scanErr != nil {
		return fmt.Errorf("insert record: %w", scanErr)
	}
	return nil
}

// SaveAll inserts records in one transaction; either all are stored or none.
// Ids are assigned only after the commit succeeds.
func (s *Store) SaveAll(ctx context.Context, recs []*telemetry.Record) error {
	if len(recs) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save all: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		args, argErr := recordArgs(rec)
		if argErr != nil {
			return argErr
		}
		if scanErr := tx.QueryRow(ctx, insertRecordSQL, args...).Scan(&ids[i]); scanErr != nil {
			return fmt.Errorf("insert record %d of %d: %w", i+1, len(recs), scanErr)
		}
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit save all: %w", commitErr)
	}
	committed = true

	for i, rec := range recs {
		rec.ID = ids[i]
	}
	return nil
}

// Update upserts a record by id. Records without an id are inserted.
func (s *Store) Update(ctx context.Context, rec *telemetry.Record) error {
	if rec.ID == 0 {
		return s.Save(ctx, rec)
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	args = append(args, rec.ID)
	if _, execErr := pool.Exec(ctx, upsertRecordSQL, args...); execErr != nil {
		return fmt.Errorf("upsert record %d: %w", rec.ID, execErr)
	}
	return nil
}

// UpdateAssessment rewrites the screening fields of a stored record.
func (s *Store) UpdateAssessment(ctx context.Context, id int64, status telemetry.Status, risk telemetry.RiskLevel, description string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateAssessmentSQL, id, string(status), string(risk), description)
	if execErr != nil {
		return fmt.Errorf("update assessment %d: %w", id, execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID loads one record.
func (s *Store) FindByID(ctx context.Context, id int64) (telemetry.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return telemetry.Record{}, err
	}
	rows, err := pool.Query(ctx, findByIDSQL, id)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("find record %d: %w", id, err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return telemetry.Record{}, err
	}
	if len(recs) == 0 {
		return telemetry.Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]telemetry.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, "find records by ids", findByIDsSQL, ids)
}

func (s *Store) FindBySource(ctx context.Context, source string, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find records by source", findBySourceSQL, source, limitArg(limit))
}

func (s *Store) FindByEquipmentID(ctx context.Context, equipmentID string, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find records by equipment", findByEquipmentSQL, equipmentID, limitArg(limit))
}

func (s *Store) FindByLaboratoryID(ctx context.Context, laboratoryID string, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find records by laboratory", findByLaboratorySQL, laboratoryID, limitArg(limit))
}

func (s *Store) FindByTimeRange(ctx context.Context, from, to time.Time) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find records by time range", findByTimeRangeSQL, from, to)
}

func (s *Store) FindBySourceAndTimeRange(ctx context.Context, source string, from, to time.Time) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find records by source and time range", findBySourceAndTimeRangeSQL, source, from, to)
}

func (s *Store) FindLatestBySource(ctx context.Context, source string, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find latest records by source", findLatestBySourceSQL, source, limitArg(limit))
}

func (s *Store) FindLatestByEquipmentID(ctx context.Context, equipmentID string, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "find latest records by equipment", findLatestByEquipmentSQL, equipmentID, limitArg(limit))
}

// ListRecent lists the most recent records across all sources.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]telemetry.Record, error) {
	return s.queryRecords(ctx, "list recent records", listRecentRecordsSQL, limitArg(limit))
}

func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.exec(ctx, "delete records by ids", deleteByIDsSQL, ids)
}

func (s *Store) DeleteByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	return s.exec(ctx, "delete records by time range", deleteByTimeRangeSQL, from, to)
}

func (s *Store) DeleteBySources(ctx context.Context, sources []string) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	return s.exec(ctx, "delete records by sources", deleteBySourcesSQL, sources)
}

func (s *Store) DeleteByEquipmentID(ctx context.Context, equipmentID string) (int64, error) {
	return s.exec(ctx, "delete records by equipment", deleteByEquipmentSQL, equipmentID)
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]telemetry.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return recs, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

// recordArgs renders a record as positional parameters $1..$17.
// Channel values travel as decimal strings into NUMERIC columns.
func recordArgs(rec *telemetry.Record) ([]any, error) {
	var extra []byte
	if len(rec.Extra) > 0 {
		raw, err := json.Marshal(rec.Extra)
		if err != nil {
			return nil, fmt.Errorf("marshal extra fields: %w", err)
		}
		extra = raw
	}

	args := []any{
		rec.Source,
		nullableText(rec.EquipmentID),
		nullableText(rec.LaboratoryID),
		rec.DataTime,
		rec.CreatedAt,
	}
	for _, ch := range telemetry.Channels {
		args = append(args, numericArg(rec, ch))
	}
	args = append(args,
		extra,
		string(rec.Status),
		string(rec.RiskLevel),
		nullableText(rec.AnomalyDescription),
	)
	return args, nil
}

func numericArg(rec *telemetry.Record, ch telemetry.Channel) any {
	v, ok := rec.Value(ch)
	if !ok {
		return nil
	}
	return decimal.NewFromFloat(v).String()
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func collectRecords(rows pgx.Rows) ([]telemetry.Record, error) {
	defer rows.Close()

	recs := make([]telemetry.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanRecord(rows pgx.Rows) (telemetry.Record, error) {
	var (
		rec         telemetry.Record
		equipment   *string
		laboratory  *string
		description *string
		status      string
		risk        string
		extra       []byte
		channels    = make([]*string, len(telemetry.Channels))
	)

	dest := []any{&rec.ID, &rec.Source, &equipment, &laboratory, &rec.DataTime, &rec.CreatedAt}
	for i := range channels {
		dest = append(dest, &channels[i])
	}
	dest = append(dest, &extra, &status, &risk, &description)

	if err := rows.Scan(dest...); err != nil {
		return telemetry.Record{}, err
	}

	for i, ch := range telemetry.Channels {
		if channels[i] == nil {
			continue
		}
		d, err := decimal.NewFromString(*channels[i])
		if err != nil {
			return telemetry.Record{}, fmt.Errorf("parse %s: %w", ch, err)
		}
		rec.Set(ch, d.InexactFloat64())
	}

	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &rec.Extra); err != nil {
			return telemetry.Record{}, fmt.Errorf("decode extra fields: %w", err)
		}
	}
	if equipment != nil {
		rec.EquipmentID = *equipment
	}
	if laboratory != nil {
		rec.LaboratoryID = *laboratory
	}
	if description != nil {
		rec.AnomalyDescription = *description
	}
	rec.Status = telemetry.Status(status)
	rec.RiskLevel = telemetry.RiskLevel(risk)
	return rec, nil
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
