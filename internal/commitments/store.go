// Package commitments tracks delivery promises against forecast confidence.
package commitments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/workitems"
)

// Store persists commitments and their audit trail in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
	risk   policy.RiskPolicy
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps and default delivery dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the commitments database.
func Open(path string, risk policy.RiskPolicy, opts ...Option) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve commitments db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure commitments db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open commitments db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent refreshes.
	db.SetMaxOpenConns(1)

	s := &Store{DBPath: absPath, db: db, risk: risk, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS commitments (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_title TEXT,
	committed_date TEXT NOT NULL,
	committed_to TEXT NOT NULL,
	committed_by TEXT,
	initial_confidence REAL NOT NULL,
	current_confidence REAL NOT NULL,
	revenue_impact REAL,
	penalty_clause TEXT,
	status TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	actual_delivery TEXT,
	days_early INTEGER,
	notes TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commitments_target ON commitments(project_id, target_type, target_id);

CREATE TABLE IF NOT EXISTS commitment_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	commitment_id TEXT NOT NULL REFERENCES commitments(id),
	kind TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT,
	confidence REAL,
	actor TEXT,
	note TEXT,
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commitment_events_commitment ON commitment_events(commitment_id, id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create commitments schema: %w", err)
	}
	return nil
}

const commitmentColumns = `id, project_id, target_id, target_type, target_title, committed_date,
	committed_to, committed_by, initial_confidence, current_confidence, revenue_impact, penalty_clause,
	status, risk_level, actual_delivery, days_early, notes, created_at, updated_at`

// Create records a new PENDING commitment.
func (s *Store) Create(ctx context.Context, n NewCommitment) (Commitment, error) {
	if err := n.validate(); err != nil {
		return Commitment{}, err
	}

	now := s.now().UTC()
	c := Commitment{
		ID:                uuid.NewString(),
		ProjectID:         n.ProjectID,
		TargetID:          n.TargetID,
		TargetType:        n.TargetType,
		TargetTitle:       n.TargetTitle,
		CommittedDate:     n.CommittedDate.UTC(),
		CommittedTo:       n.CommittedTo,
		CommittedBy:       n.CommittedBy,
		InitialConfidence: n.InitialConfidence,
		CurrentConfidence: n.InitialConfidence,
		RevenueImpact:     n.RevenueImpact,
		PenaltyClause:     n.PenaltyClause,
		Status:            Pending,
		RiskLevel:         RiskFor(n.InitialConfidence, s.risk),
		Notes:             n.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO commitments (`+commitmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, c.TargetID, string(c.TargetType), c.TargetTitle, formatTime(c.CommittedDate),
			c.CommittedTo, c.CommittedBy, c.InitialConfidence, c.CurrentConfidence, nullFloat(c.RevenueImpact), c.PenaltyClause,
			string(c.Status), string(c.RiskLevel), nil, nil, c.Notes, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert commitment: %w", err)
		}
		return s.appendEvent(ctx, tx, Event{
			CommitmentID: c.ID,
			Kind:         EventCreated,
			ToStatus:     Pending,
			Confidence:   c.CurrentConfidence,
			Actor:        c.CommittedBy,
			At:           now,
		})
	})
	if err != nil {
		return Commitment{}, err
	}

	log.Info().Str("id", c.ID).Str("project", c.ProjectID).Str("target", c.TargetID).Str("risk", string(c.RiskLevel)).Msg("Commitment created")
	return c, nil
}

// Get loads one commitment.
func (s *Store) Get(ctx context.Context, id string) (Commitment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commitment{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c, err
}

// List returns a project's commitments ordered by committed date.
func (s *Store) List(ctx context.Context, projectID string) ([]Commitment, error) {
	return s.query(ctx, `SELECT `+commitmentColumns+` FROM commitments
		WHERE project_id = ? ORDER BY committed_date, created_at, id`, projectID)
}

// ForTarget returns the open commitments on one target.
func (s *Store) ForTarget(ctx context.Context, projectID, targetID string, targetType workitems.TargetType) ([]Commitment, error) {
	return s.query(ctx, `SELECT `+commitmentColumns+` FROM commitments
		WHERE project_id = ? AND target_id = ? AND target_type = ? AND status NOT IN (?, ?)
		ORDER BY committed_date, created_at, id`,
		projectID, targetID, string(targetType), string(Delivered), string(Missed))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Commitment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	defer rows.Close()

	var out []Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commitments: %w", err)
	}
	return out, nil
}

// UpdateStatus applies an explicit lifecycle transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Commitment, error) {
	if !u.Status.Valid() {
		return Commitment{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCommitment, u.Status)
	}
	if u.ActualDelivery != nil && !u.Status.Terminal() {
		return Commitment{}, fmt.Errorf("%w: actual delivery is only accepted with %s or %s", ErrInvalidCommitment, Delivered, Missed)
	}

	var updated Commitment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
		c, err := scanCommitment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, u.Status) {
			return &InvalidTransitionError{ID: id, From: c.Status, To: u.Status}
		}

		now := s.now().UTC()
		from := c.Status
		c.Status = u.Status
		c.UpdatedAt = now
		if u.Status.Terminal() {
			actual := now
			if u.ActualDelivery != nil {
				actual = u.ActualDelivery.UTC()
			}
			early := daysEarly(c.CommittedDate, actual)
			c.ActualDelivery = &actual
			c.DaysEarly = &early
		}

		_, err = tx.ExecContext(ctx, `UPDATE commitments
			SET status = ?, actual_delivery = ?, days_early = ?, updated_at = ?
			WHERE id = ?`,
			string(c.Status), nullTime(c.ActualDelivery), nullInt(c.DaysEarly), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("update commitment status: %w", err)
		}

		updated = c
		return s.appendEvent(ctx, tx, Event{
			CommitmentID: id,
			Kind:         EventStatus,
			FromStatus:   from,
			ToStatus:     c.Status,
			Confidence:   c.CurrentConfidence,
			Actor:        u.Actor,
			Note:         u.Note,
			At:           now,
		})
	})
	if err != nil {
		return Commitment{}, err
	}

	log.Info().Str("id", id).Str("status", string(updated.Status)).Msg("Commitment status updated")
	return updated, nil
}

// RefreshConfidence records a new current confidence and recomputes the
// risk level. Status is never changed. Closed commitments are left as they are.
func (s *Store) RefreshConfidence(ctx context.Context, id string, confidence float64, actor string) (Commitment, error) {
	if confidence < 0 || confidence > 1 {
		return Commitment{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidCommitment, confidence)
	}

	var updated Commitment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
		c, err := scanCommitment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		updated = c
		if c.Status.Terminal() {
			return nil
		}

		now := s.now().UTC()
		updated.CurrentConfidence = confidence
		updated.RiskLevel = RiskFor(confidence, s.risk)
		updated.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `UPDATE commitments
			SET current_confidence = ?, risk_level = ?, updated_at = ?
			WHERE id = ?`,
			confidence, string(updated.RiskLevel), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("update commitment confidence: %w", err)
		}
		return s.appendEvent(ctx, tx, Event{
			CommitmentID: id,
			Kind:         EventConfidence,
			Confidence:   confidence,
			Actor:        actor,
			At:           now,
		})
	})
	if err != nil {
		return Commitment{}, err
	}

	if updated.RiskLevel == RiskHigh {
		log.Warn().Str("id", id).Float64("confidence", confidence).Msg("Commitment at high risk")
	}
	return updated, nil
}

// Events returns the audit trail of a commitment, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, commitment_id, kind, from_status, to_status, confidence, actor, note, at
		FROM commitment_events WHERE commitment_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query commitment events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                     Event
			from, to, actor, note sql.NullString
			confidence            sql.NullFloat64
			at                    string
		)
		if err := rows.Scan(&e.ID, &e.CommitmentID, &e.Kind, &from, &to, &confidence, &actor, &note, &at); err != nil {
			return nil, fmt.Errorf("scan commitment event: %w", err)
		}
		e.FromStatus = Status(from.String)
		e.ToStatus = Status(to.String)
		e.Confidence = confidence.Float64
		e.Actor = actor.String
		e.Note = note.String
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commitment_events
		(commitment_id, kind, from_status, to_status, confidence, actor, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CommitmentID, e.Kind, nullString(string(e.FromStatus)), nullString(string(e.ToStatus)),
		e.Confidence, nullString(e.Actor), nullString(e.Note), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("insert commitment event: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commitments tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit commitments tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(r rowScanner) (Commitment, error) {
	var (
		c                                 Commitment
		targetType, status, risk          string
		title, by, penalty, notes, actual sql.NullString
		committed, created, updated       string
		revenue                           sql.NullFloat64
		early                             sql.NullInt64
	)
	err := r.Scan(&c.ID, &c.ProjectID, &c.TargetID, &targetType, &title, &committed,
		&c.CommittedTo, &by, &c.InitialConfidence, &c.CurrentConfidence, &revenue, &penalty,
		&status, &risk, &actual, &early, &notes, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Commitment{}, err
		}
		return Commitment{}, fmt.Errorf("scan commitment: %w", err)
	}

	c.TargetType = workitems.TargetType(targetType)
	c.TargetTitle = title.String
	c.CommittedBy = by.String
	c.PenaltyClause = penalty.String
	c.Notes = notes.String
	c.Status = Status(status)
	c.RiskLevel = RiskLevel(risk)
	if revenue.Valid {
		v := revenue.Float64
		c.RevenueImpact = &v
	}
	if early.Valid {
		v := int(early.Int64)
		c.DaysEarly = &v
	}
	if actual.Valid {
		t, err := parseTime(actual.String)
		if err != nil {
			return Commitment{}, err
		}
		c.ActualDelivery = &t
	}
	if c.CommittedDate, err = parseTime(committed); err != nil {
		return Commitment{}, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Commitment{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Commitment{}, err
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
