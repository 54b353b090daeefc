package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// OpenEvents returns every event that has not reached the closed state,
// oldest first, so control loops are restarted in ingestion order.
func (db *DB) OpenEvents() ([]*models.Event, error) {
	ids, err := db.queryIDs(`
		SELECT id FROM events WHERE state != 'closed' ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list open events: %w", err)
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

// PendingDeferrals returns the deferrals whose events are still waiting
// to be woken, earliest wake time first.
func (db *DB) PendingDeferrals() ([]*models.Deferral, error) {
	rows, err := db.Query(`
		SELECT d.event_id, d.reason, d.wake_at, d.count
		FROM deferrals d JOIN events e ON e.id = d.event_id
		WHERE e.state = 'deferred'
		ORDER BY d.wake_at, d.event_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending deferrals: %w", err)
	}
	defer rows.Close()

	var deferrals []*models.Deferral
	for rows.Next() {
		var d models.Deferral
		var wakeAt string
		if err := rows.Scan(&d.EventID, &d.Reason, &wakeAt, &d.Count); err != nil {
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		d.WakeAt, _ = parseTime(wakeAt)
		deferrals = append(deferrals, &d)
	}
	return deferrals, rows.Err()
}

// RecoverySummary describes what a restart found in the store.
type RecoverySummary struct {
	Open     int
	Deferred int
	// Overdue counts deferrals whose wake time already passed while the
	// process was down. They wake immediately on restore.
	Overdue int
}

// Summarize inspects the store for a startup banner.
func (db *DB) Summarize(now time.Time) (RecoverySummary, error) {
	var s RecoverySummary
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE state != 'closed'`).Scan(&s.Open)
	if err != nil {
		return s, fmt.Errorf("count open events: %w", err)
	}

	deferrals, err := db.PendingDeferrals()
	if err != nil {
		return s, err
	}
	s.Deferred = len(deferrals)
	for _, d := range deferrals {
		if !d.WakeAt.After(now) {
			s.Overdue++
		}
	}
	return s, nil
}
