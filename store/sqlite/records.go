package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// ACTIVITY CATALOG
// =============================================================================

// SaveActivity creates or replaces an activity definition. The definition is
// stored in catalog document form.
func (s *Store) SaveActivity(ctx context.Context, activity timeline.Activity) error {
	if activity.ID == "" {
		return &timeline.ValidationError{Field: "id", Reason: "required"}
	}
	definition, err := json.Marshal(factory.ToJSON(activity))
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, name, definition_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at`,
		activity.ID, activity.Name, string(definition), formatTime(s.now()))
	return storageError("save activity", err)
}

// GetActivity returns an activity by ID.
func (s *Store) GetActivity(ctx context.Context, id timeline.ActivityID) (timeline.Activity, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition_json FROM activities WHERE id = ?`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.Activity{}, &timeline.NotFoundError{Kind: "activity", ID: string(id)}
	}
	if err != nil {
		return timeline.Activity{}, storageError("get activity", err)
	}
	return decodeActivity(definition)
}

// ListActivities returns all activities ordered by ID.
func (s *Store) ListActivities(ctx context.Context) ([]timeline.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition_json FROM activities ORDER BY id`)
	if err != nil {
		return nil, storageError("list activities", err)
	}
	defer rows.Close()

	var result []timeline.Activity
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, storageError("list activities", err)
		}
		activity, err := decodeActivity(definition)
		if err != nil {
			return nil, err
		}
		result = append(result, activity)
	}
	return result, storageError("list activities", rows.Err())
}

func decodeActivity(definition string) (timeline.Activity, error) {
	var doc factory.ActivityJSON
	if err := json.Unmarshal([]byte(definition), &doc); err != nil {
		return timeline.Activity{}, fmt.Errorf("failed to unmarshal activity: %w", err)
	}
	return factory.FromJSON(doc)
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// SaveAssignment creates an assignment or updates its fee.
func (s *Store) SaveAssignment(ctx context.Context, clientID timeline.ClientID, a timeline.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_assignments (client_id, activity_id, subactivity_id, fee, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id, activity_id, subactivity_id) DO UPDATE SET fee = excluded.fee`,
		clientID, a.ActivityID, a.SubactivityID, a.Fee.String(), formatTime(s.now()))
	return storageError("save assignment", err)
}

// ListAssignments returns a client's assignments in creation order.
func (s *Store) ListAssignments(ctx context.Context, clientID timeline.ClientID) ([]timeline.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, subactivity_id, fee FROM client_assignments
		WHERE client_id = ?
		ORDER BY created_at, activity_id, subactivity_id`, clientID)
	if err != nil {
		return nil, storageError("list assignments", err)
	}
	defer rows.Close()

	var result []timeline.Assignment
	for rows.Next() {
		var a timeline.Assignment
		var fee string
		if err := rows.Scan(&a.ActivityID, &a.SubactivityID, &fee); err != nil {
			return nil, storageError("list assignments", err)
		}
		a.Fee, _ = decimal.NewFromString(fee)
		result = append(result, a)
	}
	return result, storageError("list assignments", rows.Err())
}

// RemoveAssignment deletes an assignment. Removing a missing one is a no-op.
func (s *Store) RemoveAssignment(ctx context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM client_assignments
		WHERE client_id = ? AND activity_id = ? AND subactivity_id = ?`,
		clientID, activityID, subactivityID)
	return storageError("remove assignment", err)
}

// =============================================================================
// CLIENTS
// =============================================================================

// SaveClients upserts each client in its own transaction. When any client fails
// the applied and failed items are reported through *timeline.PartialWriteError.
func (s *Store) SaveClients(ctx context.Context, clients []timeline.Client) ([]timeline.SaveOutcome, error) {
	outcomes := make([]timeline.SaveOutcome, 0, len(clients))
	failed := make(map[int]error)

	for i, c := range clients {
		created, err := s.saveClient(ctx, c)
		if err != nil {
			failed[i] = err
			continue
		}
		outcomes = append(outcomes, timeline.SaveOutcome{Index: i, ClientID: c.ID, Created: created})
	}

	if len(failed) > 0 {
		return nil, &timeline.PartialWriteError{Applied: outcomes, Failed: failed}
	}
	return outcomes, nil
}

// saveClient upserts one client and reports whether it was inserted. The
// insert and the update run in one transaction so the outcome comes from the
// insert's affected rows, not from timestamps.
func (s *Store) saveClient(ctx context.Context, c timeline.Client) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &timeline.StorageError{Op: "save client", Err: err}
	}
	if c.ID == "" {
		return false, &timeline.ValidationError{Field: "id", Reason: "required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError("begin save client", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO clients (id, name, branch_id, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Name, c.BranchID, nullString(c.Email), now, now)
	if err != nil {
		return false, storageError("save client", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, storageError("save client", err)
	}

	if inserted == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE clients SET name = ?, branch_id = ?, email = ?, updated_at = ?
			WHERE id = ?`,
			c.Name, c.BranchID, nullString(c.Email), now, c.ID); err != nil {
			return false, storageError("save client", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storageError("commit save client", err)
	}
	return inserted == 1, nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, id timeline.ClientID) (timeline.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, branch_id, email FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.Client{}, &timeline.NotFoundError{Kind: "client", ID: string(id)}
	}
	if err != nil {
		return timeline.Client{}, storageError("get client", err)
	}
	return c, nil
}

// ListClients returns all clients ordered by ID.
func (s *Store) ListClients(ctx context.Context) ([]timeline.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, branch_id, email FROM clients ORDER BY id`)
	if err != nil {
		return nil, storageError("list clients", err)
	}
	defer rows.Close()

	var result []timeline.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, storageError("list clients", err)
		}
		result = append(result, c)
	}
	return result, storageError("list clients", rows.Err())
}

func scanClient(row rowScanner) (timeline.Client, error) {
	var c timeline.Client
	var email sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.BranchID, &email); err != nil {
		return timeline.Client{}, err
	}
	c.Email = email.String
	return c, nil
}
