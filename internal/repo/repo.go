package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caliber/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. The (assessment_id, item_id) unique index is the backstop against
// concurrent duplicate submissions; callers reclassify this as a duplicate
// rather than a generic store failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanAssessment(scan func(dest ...any) error) (domain.Assessment, error) {
	var a domain.Assessment
	var candidate, startedAt, finishedAt, stopReason sql.NullString
	err := scan(&a.ID, &a.JobID, &candidate, (*string)(&a.Step), &a.MaxItems, &a.DurationMinutes,
		&a.CreatedAt, &startedAt, &finishedAt, &stopReason)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if candidate.Valid {
		a.CandidateName = candidate.String
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.String
	}
	if stopReason.Valid {
		a.StopReason = &stopReason.String
	}
	return a, nil
}

const assessmentCols = `id,job_id,candidate_name,step,max_items,duration_minutes,created_at,started_at,finished_at,stop_reason`

func (r Repo) InsertAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assessments(id,job_id,candidate_name,step,max_items,duration_minutes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.JobID, nullable(a.CandidateName), string(a.Step), a.MaxItems, a.DurationMinutes, a.CreatedAt, a.CreatedAt)
	return err
}

func (r Repo) GetAssessment(ctx context.Context, id string) (domain.Assessment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE id=?`, id)
	return scanAssessment(row.Scan)
}

func (r Repo) GetAssessmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assessment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE id=?`, id)
	return scanAssessment(row.Scan)
}

func (r Repo) ListAssessments(ctx context.Context, jobID string) ([]domain.Assessment, error) {
	query := `SELECT ` + assessmentCols + ` FROM assessments`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LockAssessmentTx takes a write intent on the assessment row, serializing
// concurrent submission transactions for the same assessment. Returns
// ErrNotFound when no such assessment exists.
func (r Repo) LockAssessmentTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStartedTx sets started_at once; later calls are no-ops.
func (r Repo) MarkStartedTx(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET started_at=? WHERE id=? AND started_at IS NULL`, ts, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishAssessmentTx marks the assessment finished with a stop reason.
// The condition on finished_at makes finishing idempotent: the bool result
// reports whether this call performed the transition.
func (r Repo) FinishAssessmentTx(ctx context.Context, tx *sql.Tx, id, reason, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET finished_at=?, stop_reason=? WHERE id=? AND finished_at IS NULL`, ts, reason, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) SetStepTx(ctx context.Context, tx *sql.Tx, id string, step domain.Step) error {
	_, err := tx.ExecContext(ctx, `UPDATE assessments SET step=? WHERE id=?`, string(step), id)
	return err
}

func (r Repo) CountItemEvents(ctx context.Context, assessmentID string) (int, error) {
	return countItemEvents(ctx, r.DB.QueryRowContext, assessmentID)
}

func (r Repo) CountItemEventsTx(ctx context.Context, tx *sql.Tx, assessmentID string) (int, error) {
	return countItemEvents(ctx, tx.QueryRowContext, assessmentID)
}

func countItemEvents(ctx context.Context, queryRow func(context.Context, string, ...any) *sql.Row, assessmentID string) (int, error) {
	var n int
	err := queryRow(ctx, `SELECT count(*) FROM item_events WHERE assessment_id=?`, assessmentID).Scan(&n)
	return n, err
}

const itemEventCols = `id,assessment_id,item_id,t_start,t_end,answer_text,question_text,score_json,events_json`

func (r Repo) InsertItemEventTx(ctx context.Context, tx *sql.Tx, ev domain.ItemEvent) error {
	eventsJSON, err := marshalIntegrityEvents(ev.Events)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO item_events(id,assessment_id,item_id,t_start,answer_text,question_text,events_json) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.AssessmentID, ev.ItemID, ev.TStart, ev.AnswerText, nullable(ev.QuestionText), eventsJSON)
	return err
}

func (r Repo) GetItemEvent(ctx context.Context, id string) (domain.ItemEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemEventCols+` FROM item_events WHERE id=?`, id)
	return scanItemEvent(row.Scan)
}

func (r Repo) GetItemEventByItem(ctx context.Context, assessmentID, itemID string) (domain.ItemEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemEventCols+` FROM item_events WHERE assessment_id=? AND item_id=?`, assessmentID, itemID)
	return scanItemEvent(row.Scan)
}

func (r Repo) ListItemEvents(ctx context.Context, assessmentID string) ([]domain.ItemEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemEventCols+` FROM item_events WHERE assessment_id=? ORDER BY t_start ASC, id ASC`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ItemEvent
	for rows.Next() {
		ev, err := scanItemEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func scanItemEvent(scan func(dest ...any) error) (domain.ItemEvent, error) {
	var ev domain.ItemEvent
	var tEnd, questionText, scoreJSON, eventsJSON sql.NullString
	err := scan(&ev.ID, &ev.AssessmentID, &ev.ItemID, &ev.TStart, &tEnd, &ev.AnswerText, &questionText, &scoreJSON, &eventsJSON)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if tEnd.Valid {
		ev.TEnd = &tEnd.String
	}
	if questionText.Valid {
		ev.QuestionText = questionText.String
	}
	if scoreJSON.Valid {
		var score domain.GradeOutcome
		if err := json.Unmarshal([]byte(scoreJSON.String), &score); err != nil {
			return ev, fmt.Errorf("decode score for item event %s: %w", ev.ID, err)
		}
		ev.Score = &score
	}
	if eventsJSON.Valid && eventsJSON.String != "" {
		if err := json.Unmarshal([]byte(eventsJSON.String), &ev.Events); err != nil {
			return ev, fmt.Errorf("decode events for item event %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

// SetItemScoreTx records the grade outcome and end time. The score_json IS
// NULL condition enforces exactly-once scoring; the bool result reports
// whether this call performed the write.
func (r Repo) SetItemScoreTx(ctx context.Context, tx *sql.Tx, id string, score domain.GradeOutcome, tEnd string) (bool, error) {
	payload, err := json.Marshal(score)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE item_events SET score_json=?, t_end=? WHERE id=? AND score_json IS NULL`, string(payload), tEnd, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func marshalIntegrityEvents(events []domain.IntegrityEvent) (any, error) {
	if len(events) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal integrity events: %w", err)
	}
	return string(b), nil
}

// LatestEvents returns recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, assessmentID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if assessmentID != "" {
		clauses = append(clauses, "assessment_id=?")
		args = append(args, assessmentID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,assessment_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest audit event id, or 0 when the log is
// empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, assessmentID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if assessmentID != "" {
		clauses = append(clauses, "assessment_id=?")
		args = append(args, assessmentID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,assessment_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var assessmentID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &assessmentID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if assessmentID.Valid {
			e.AssessmentID = assessmentID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
