package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// TIMELINE OPERATIONS
// =============================================================================

const timelineColumns = `id, client_id, activity_id, subactivity_id, snapshot_id, snapshot_json,
	branch_id, financial_year, period, due_date, start_date, end_date, status,
	timeline_type, fields_json, fee, created_at`

// UpsertIfAbsent inserts inst unless its natural key exists, in a single
// statement. An existing row is returned with created=false.
func (s *Store) UpsertIfAbsent(ctx context.Context, inst timeline.Instance) (timeline.Instance, bool, error) {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = s.now()
	}
	args, err := instanceArgs(inst)
	if err != nil {
		return timeline.Instance{}, false, err
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO timelines (`+timelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`, args...).Scan(&id)

	switch {
	case err == nil:
		return inst, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return timeline.Instance{}, false, storageError("upsert timeline", err)
	}

	existing, err := s.getByKey(ctx, inst.Key())
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on something other than the natural key (the primary key).
		return timeline.Instance{}, false, &timeline.ConflictError{Key: inst.Key(), ExistingID: inst.ID}
	}
	if err != nil {
		return timeline.Instance{}, false, storageError("load existing timeline", err)
	}
	return existing, false, nil
}

func (s *Store) getByKey(ctx context.Context, key timeline.NaturalKey) (timeline.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+timelineColumns+` FROM timelines
		WHERE client_id = ? AND activity_id = ? AND subactivity_id = ? AND period = ?`,
		key.ClientID, key.ActivityID, key.SubactivityID, key.Period)
	return scanInstance(row)
}

// GetTimeline returns one instance by ID.
func (s *Store) GetTimeline(ctx context.Context, id string) (timeline.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timelineColumns+` FROM timelines WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.Instance{}, &timeline.NotFoundError{Kind: "timeline", ID: id}
	}
	if err != nil {
		return timeline.Instance{}, storageError("get timeline", err)
	}
	return inst, nil
}

// ListByClient returns a client's instances ordered by due date.
func (s *Store) ListByClient(ctx context.Context, clientID timeline.ClientID, financialYear string) ([]timeline.Instance, error) {
	return s.queryInstances(ctx, "list timelines", `
		SELECT `+timelineColumns+` FROM timelines
		WHERE client_id = ? AND (? = '' OR financial_year = ?)
		ORDER BY due_date, id`,
		clientID, financialYear, financialYear)
}

// FindOneTime returns the oldest one-time instance of a subactivity.
func (s *Store) FindOneTime(ctx context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID) (timeline.Instance, bool, error) {
	found, err := s.queryInstances(ctx, "find one-time timeline", `
		SELECT `+timelineColumns+` FROM timelines
		WHERE client_id = ? AND activity_id = ? AND subactivity_id = ? AND timeline_type = ?
		ORDER BY created_at, id
		LIMIT 1`,
		clientID, activityID, subactivityID, timeline.TypeOneTime)
	if err != nil || len(found) == 0 {
		return timeline.Instance{}, false, err
	}
	return found[0], true, nil
}

// DeleteUpcoming deletes one subactivity's instances due after the given
// time. Legacy rows are matched through their snapshot ID.
func (s *Store) DeleteUpcoming(ctx context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID, after time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM timelines
		WHERE client_id = ? AND activity_id = ?
		  AND COALESCE(subactivity_id, snapshot_id) = ?
		  AND due_date > ?`,
		clientID, activityID, subactivityID, formatTime(after))
	if err != nil {
		return 0, storageError("delete upcoming timelines", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("delete upcoming timelines", err)
	}
	return int(n), nil
}

// ListRecurring returns every recurring instance ordered by creation time.
func (s *Store) ListRecurring(ctx context.Context) ([]timeline.Instance, error) {
	return s.queryInstances(ctx, "list recurring timelines", `
		SELECT `+timelineColumns+` FROM timelines
		WHERE timeline_type = ?
		ORDER BY created_at, id`,
		timeline.TypeRecurring)
}

// DeleteByIDs deletes the given instances in one transaction.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin delete", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM timelines WHERE id = ?`)
	if err != nil {
		return 0, storageError("prepare delete", err)
	}
	defer stmt.Close()

	total := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, storageError("delete timeline", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageError("delete timeline", err)
		}
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit delete", err)
	}
	return total, nil
}

// RepairKey backfills the natural key columns of one instance.
func (s *Store) RepairKey(ctx context.Context, id string, subactivityID timeline.SubactivityID, period string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE timelines SET subactivity_id = ?, period = ? WHERE id = ?`,
		nullString(string(subactivityID)), nullString(period), id)
	if err != nil {
		if isUniqueConstraintError(err) {
			key := timeline.NaturalKey{SubactivityID: subactivityID, Period: period}
			if inst, getErr := s.GetTimeline(ctx, id); getErr == nil {
				key.ClientID, key.ActivityID = inst.ClientID, inst.ActivityID
			}
			conflict := &timeline.ConflictError{Key: key}
			if owner, getErr := s.getByKey(ctx, key); getErr == nil {
				conflict.ExistingID = owner.ID
			}
			return conflict
		}
		return storageError("repair timeline key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("repair timeline key", err)
	}
	if n == 0 {
		return &timeline.NotFoundError{Kind: "timeline", ID: id}
	}
	return nil
}

func (s *Store) queryInstances(ctx context.Context, op, query string, args ...any) ([]timeline.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var result []timeline.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return result, nil
}

func instanceArgs(inst timeline.Instance) ([]any, error) {
	var snapshotID, snapshotJSON sql.NullString
	if inst.Snapshot != nil {
		raw, err := json.Marshal(inst.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapshotID = nullString(string(inst.Snapshot.ID))
		snapshotJSON = sql.NullString{String: string(raw), Valid: true}
	}

	var fieldsJSON sql.NullString
	if len(inst.Fields) > 0 {
		raw, err := json.Marshal(inst.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	return []any{
		inst.ID,
		inst.ClientID,
		inst.ActivityID,
		nullString(string(inst.SubactivityID)),
		snapshotID,
		snapshotJSON,
		inst.BranchID,
		inst.FinancialYear,
		nullString(inst.Period),
		formatTime(inst.DueDate),
		formatNullTime(inst.StartDate),
		formatNullTime(inst.EndDate),
		inst.Status,
		inst.Type,
		fieldsJSON,
		inst.Fee.String(),
		formatTime(inst.CreatedAt),
	}, nil
}

func scanInstance(row rowScanner) (timeline.Instance, error) {
	var (
		inst                                   timeline.Instance
		subactivityID, snapshotID, period      sql.NullString
		snapshotJSON, fieldsJSON               sql.NullString
		startDate, endDate                     sql.NullString
		dueDate, createdAt, fee, status, ttype string
	)
	err := row.Scan(
		&inst.ID, &inst.ClientID, &inst.ActivityID, &subactivityID, &snapshotID, &snapshotJSON,
		&inst.BranchID, &inst.FinancialYear, &period, &dueDate, &startDate, &endDate, &status,
		&ttype, &fieldsJSON, &fee, &createdAt,
	)
	if err != nil {
		return timeline.Instance{}, err
	}

	inst.SubactivityID = timeline.SubactivityID(subactivityID.String)
	inst.Period = period.String
	inst.DueDate = parseTime(dueDate)
	inst.StartDate = parseNullTime(startDate)
	inst.EndDate = parseNullTime(endDate)
	inst.Status = timeline.Status(status)
	inst.Type = timeline.Type(ttype)
	inst.CreatedAt = parseTime(createdAt)
	inst.Fee, _ = decimal.NewFromString(fee)

	if snapshotJSON.Valid {
		var snap timeline.SubactivitySnapshot
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
			return timeline.Instance{}, fmt.Errorf("failed to unmarshal snapshot of %s: %w", inst.ID, err)
		}
		inst.Snapshot = &snap
	} else if snapshotID.Valid {
		inst.Snapshot = &timeline.SubactivitySnapshot{ID: timeline.SubactivityID(snapshotID.String)}
	}
	if fieldsJSON.Valid {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &inst.Fields); err != nil {
			return timeline.Instance{}, fmt.Errorf("failed to unmarshal fields of %s: %w", inst.ID, err)
		}
	}
	return inst, nil
}
