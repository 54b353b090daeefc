package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// SaveEvent upserts an event together with its participants and deferral.
// Turns and dispatch records are append-only: rows already stored for a
// sequence number are left as they are.
func (db *DB) SaveEvent(e *models.Event) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("save event: missing id")
	}

	resume, err := marshalNullable(e.Resume, len(e.Resume) > 0)
	if err != nil {
		return fmt.Errorf("marshal resume: %w", err)
	}
	escalation, err := marshalNullable(e.Escalation, e.Escalation != nil)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (id, source, content, domain, signature, state, active_dispatch,
				pending_confirmation, pending_question, resume, retry_used, verified, escalation,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				domain = excluded.domain,
				signature = excluded.signature,
				state = excluded.state,
				active_dispatch = excluded.active_dispatch,
				pending_confirmation = excluded.pending_confirmation,
				pending_question = excluded.pending_question,
				resume = excluded.resume,
				retry_used = excluded.retry_used,
				verified = excluded.verified,
				escalation = excluded.escalation,
				updated_at = excluded.updated_at
		`, e.ID, string(e.Source), e.Content, string(e.Domain), nullString(e.Signature), string(e.State),
			nullString(e.ActiveDispatch), nullString(e.PendingConfirmation), nullString(e.PendingQuestion),
			resume, boolInt(e.RetryUsed), boolInt(e.Verified), escalation,
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert event: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM participants WHERE event_id = ?", e.ID); err != nil {
			return fmt.Errorf("clear participants: %w", err)
		}
		for _, p := range e.Participants {
			_, err := tx.Exec(`
				INSERT INTO participants (event_id, participant_id, channel, role, joined_at)
				VALUES (?, ?, ?, ?, ?)
			`, e.ID, p.ID, p.Channel, string(p.Role), formatTime(p.JoinedAt))
			if err != nil {
				return fmt.Errorf("insert participant %s: %w", p.ID, err)
			}
		}

		if _, err := tx.Exec("DELETE FROM deferrals WHERE event_id = ?", e.ID); err != nil {
			return fmt.Errorf("clear deferral: %w", err)
		}
		if d := e.Deferral; d != nil {
			_, err := tx.Exec(`
				INSERT INTO deferrals (event_id, reason, wake_at, count) VALUES (?, ?, ?, ?)
			`, e.ID, d.Reason, formatTime(d.WakeAt), d.Count)
			if err != nil {
				return fmt.Errorf("insert deferral: %w", err)
			}
		}

		for i, rec := range e.History {
			plan, err := json.Marshal(rec.Plan)
			if err != nil {
				return fmt.Errorf("marshal plan: %w", err)
			}
			_, err = tx.Exec(`
				INSERT OR IGNORE INTO dispatches (event_id, seq, id, plan, branch, outcome, summary,
					commit_shas, started_at, finished_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, e.ID, i+1, rec.ID, string(plan), nullString(rec.Branch), string(rec.Outcome),
				nullString(rec.Summary), nullString(strings.Join(rec.CommitSHAs, ",")),
				formatTime(rec.StartedAt), formatTime(rec.FinishedAt))
			if err != nil {
				return fmt.Errorf("insert dispatch %s: %w", rec.ID, err)
			}
		}

		for _, turn := range e.Turns {
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO turns (event_id, seq, at, kind, actor, text)
				VALUES (?, ?, ?, ?, ?, ?)
			`, e.ID, turn.Seq, formatTime(turn.At), string(turn.Kind), nullString(turn.Actor), turn.Text)
			if err != nil {
				return fmt.Errorf("insert turn %d: %w", turn.Seq, err)
			}
		}

		return nil
	})
}

// GetEvent retrieves an event by ID with everything attached to it.
// Returns nil, nil if the event is not found.
func (db *DB) GetEvent(id string) (*models.Event, error) {
	row := db.QueryRow(`
		SELECT id, source, content, domain, signature, state, active_dispatch,
			pending_confirmation, pending_question, resume, retry_used, verified, escalation,
			created_at, updated_at
		FROM events WHERE id = ?
	`, id)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	if err := db.loadAttachments(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListEvents returns events matching the filter, most recently updated first.
func (db *DB) ListEvents(filter EventFilter) ([]*models.Event, error) {
	query := "SELECT id FROM events"
	var conds []string
	var args []any

	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, s := range filter.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(filter.Source))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	ids, err := db.queryIDs(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		e, err := db.GetEvent(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			events = append(events, e)
		}
	}
	return events, nil
}

func (db *DB) queryIDs(query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*models.Event, error) {
	var e models.Event
	var source, domain, state string
	var signature, activeDispatch, pendingConfirmation, pendingQuestion sql.NullString
	var resume, escalation sql.NullString
	var retryUsed, verified int
	var createdAt, updatedAt string

	err := s.Scan(&e.ID, &source, &e.Content, &domain, &signature, &state, &activeDispatch,
		&pendingConfirmation, &pendingQuestion, &resume, &retryUsed, &verified, &escalation,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Source = models.Source(source)
	e.Domain = models.Domain(domain)
	e.State = models.State(state)
	e.Signature = signature.String
	e.ActiveDispatch = activeDispatch.String
	e.PendingConfirmation = pendingConfirmation.String
	e.PendingQuestion = pendingQuestion.String
	e.RetryUsed = retryUsed != 0
	e.Verified = verified != 0
	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)

	if resume.Valid && resume.String != "" {
		if err := json.Unmarshal([]byte(resume.String), &e.Resume); err != nil {
			return nil, fmt.Errorf("unmarshal resume: %w", err)
		}
	}
	if escalation.Valid && escalation.String != "" {
		e.Escalation = &models.Escalation{}
		if err := json.Unmarshal([]byte(escalation.String), e.Escalation); err != nil {
			return nil, fmt.Errorf("unmarshal escalation: %w", err)
		}
	}

	return &e, nil
}

func (db *DB) loadAttachments(e *models.Event) error {
	if err := db.loadParticipants(e); err != nil {
		return err
	}
	if err := db.loadDeferral(e); err != nil {
		return err
	}
	if err := db.loadHistory(e); err != nil {
		return err
	}
	return db.loadTurns(e)
}

func (db *DB) loadParticipants(e *models.Event) error {
	rows, err := db.Query(`
		SELECT participant_id, channel, role, joined_at
		FROM participants WHERE event_id = ?
	`, e.ID)
	if err != nil {
		return fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Participant
		var role, joinedAt string
		if err := rows.Scan(&p.ID, &p.Channel, &role, &joinedAt); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		p.Role = models.ParticipantRole(role)
		p.JoinedAt, _ = parseTime(joinedAt)
		if e.Participants == nil {
			e.Participants = make(map[string]*models.Participant)
		}
		e.Participants[p.ID] = &p
	}
	return rows.Err()
}

func (db *DB) loadDeferral(e *models.Event) error {
	var d models.Deferral
	var wakeAt string
	err := db.QueryRow(`
		SELECT reason, wake_at, count FROM deferrals WHERE event_id = ?
	`, e.ID).Scan(&d.Reason, &wakeAt, &d.Count)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query deferral: %w", err)
	}
	d.EventID = e.ID
	d.WakeAt, _ = parseTime(wakeAt)
	e.Deferral = &d
	return nil
}

func (db *DB) loadHistory(e *models.Event) error {
	rows, err := db.Query(`
		SELECT id, plan, branch, outcome, summary, commit_shas, started_at, finished_at
		FROM dispatches WHERE event_id = ? ORDER BY seq
	`, e.ID)
	if err != nil {
		return fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.DispatchRecord
		var plan, outcome, startedAt, finishedAt string
		var branch, summary, shas sql.NullString
		if err := rows.Scan(&rec.ID, &plan, &branch, &outcome, &summary, &shas, &startedAt, &finishedAt); err != nil {
			return fmt.Errorf("scan dispatch: %w", err)
		}
		if err := json.Unmarshal([]byte(plan), &rec.Plan); err != nil {
			return fmt.Errorf("unmarshal plan: %w", err)
		}
		rec.Branch = branch.String
		rec.Outcome = models.TurnStatus(outcome)
		rec.Summary = summary.String
		if shas.String != "" {
			rec.CommitSHAs = strings.Split(shas.String, ",")
		}
		rec.StartedAt, _ = parseTime(startedAt)
		rec.FinishedAt, _ = parseTime(finishedAt)
		e.History = append(e.History, rec)
	}
	return rows.Err()
}

func (db *DB) loadTurns(e *models.Event) error {
	rows, err := db.Query(`
		SELECT seq, at, kind, actor, text FROM turns WHERE event_id = ? ORDER BY seq
	`, e.ID)
	if err != nil {
		return fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn models.Turn
		var at, kind string
		var actor sql.NullString
		if err := rows.Scan(&turn.Seq, &at, &kind, &actor, &turn.Text); err != nil {
			return fmt.Errorf("scan turn: %w", err)
		}
		turn.At, _ = parseTime(at)
		turn.Kind = models.TurnKind(kind)
		turn.Actor = actor.String
		e.Turns = append(e.Turns, turn)
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
