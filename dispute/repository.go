package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"disputeflow/deadline"
	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/tier2"
	"disputeflow/violation"
)

// OutboxTopicTransitioned is enqueued with every committed ledger append.
const OutboxTopicTransitioned = "dispute.transitioned"

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres Store. Every mutation runs in one transaction
// holding the dispute row lock (SELECT ... FOR UPDATE); ledger rows are
// inserted before the dispute row is updated.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const disputeColumns = `
	id::text, COALESCE(owner_id::text, ''), entity_type, entity_name, source, cycle_id,
	state, prior_state, tier, locked, mailed_date, tracking_ref, deadline_date,
	frivolous_cure_deadline, withdrawn_at, created_at, updated_at,
	tier2_notice_sent_at, tier2_cure_deadline, tier2_adjudicated, tier2_final_response,
	tier2_response_date, tier2_classification, tier2_adjudicated_at
`

func (r *Repository) Create(ctx context.Context, agg Aggregate, entries []ledger.Entry) ([]ledger.Entry, error) {
	sealed, err := ledger.SealAll(nil, entries)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d := agg.Dispute
	var owner any
	if d.OwnerID != "" {
		owner = d.OwnerID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO disputes (id, owner_id, entity_type, entity_name, source, cycle_id, state, tier, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, d.ID, owner, d.EntityType, d.EntityName, string(d.Source), d.CycleID, string(d.State), d.Tier, d.Locked, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fault.New(fault.InvalidInput, "dispute %s already exists", d.ID)
		}
		return nil, fmt.Errorf("dispute: insert dispute: %w", err)
	}

	if err := insertLedger(ctx, tx, sealed); err != nil {
		return nil, err
	}
	if err := upsertViolations(ctx, tx, d.ID, agg.Violations); err != nil {
		return nil, err
	}
	if err := enqueueOutbox(ctx, tx, agg, sealed); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dispute: commit create: %w", err)
	}
	return sealed, nil
}

func (r *Repository) Load(ctx context.Context, id string) (Aggregate, error) {
	if !validID(id) {
		return Aggregate{}, unknownDispute(id)
	}
	return loadAggregate(ctx, r.db, id, false)
}

func (r *Repository) Mutate(ctx context.Context, id string, fn MutateFunc) (Aggregate, []ledger.Entry, error) {
	if !validID(id) {
		return Aggregate{}, nil, unknownDispute(id)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Aggregate{}, nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := loadAggregate(ctx, tx, id, true)
	if err != nil {
		return Aggregate{}, nil, err
	}
	prev, err := lastEntry(ctx, tx, id)
	if err != nil {
		return Aggregate{}, nil, err
	}

	work := before.clone()
	entries, err := fn(&work)
	if err != nil {
		return Aggregate{}, nil, err
	}
	if len(entries) == 0 {
		return work, nil, nil
	}
	sealed, err := ledger.SealAll(prev, entries)
	if err != nil {
		return Aggregate{}, nil, err
	}

	if err := insertLedger(ctx, tx, sealed); err != nil {
		return Aggregate{}, nil, err
	}
	if err := updateDispute(ctx, tx, work); err != nil {
		return Aggregate{}, nil, err
	}
	if err := upsertViolations(ctx, tx, id, work.Violations); err != nil {
		return Aggregate{}, nil, err
	}
	if err := insertResponses(ctx, tx, work.Responses, len(before.Responses)); err != nil {
		return Aggregate{}, nil, err
	}
	if err := insertVerdicts(ctx, tx, id, work.Verdicts, len(before.Verdicts)); err != nil {
		return Aggregate{}, nil, err
	}
	if err := enqueueOutbox(ctx, tx, work, sealed); err != nil {
		return Aggregate{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, nil, fmt.Errorf("dispute: commit mutation: %w", err)
	}
	return work, sealed, nil
}

func (r *Repository) Timeline(ctx context.Context, id string) (ledger.Timeline, error) {
	if !validID(id) {
		return ledger.Timeline{}, unknownDispute(id)
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return ledger.Timeline{}, fmt.Errorf("dispute: check dispute: %w", err)
	}
	if !exists {
		return ledger.Timeline{}, unknownDispute(id)
	}
	entries, err := loadLedger(ctx, r.db, id)
	if err != nil {
		return ledger.Timeline{}, err
	}
	return ledger.NewTimeline(entries), nil
}

// ListDue returns candidate disputes for the deadline sweep. The service
// re-checks each candidate under its row lock.
func (r *Repository) ListDue(ctx context.Context, now time.Time) ([]string, error) {
	const query = `
		SELECT d.id::text
		FROM disputes d
		WHERE NOT d.locked
		  AND d.withdrawn_at IS NULL
		  AND d.mailed_date IS NOT NULL
		  AND (
		        (d.state IN ('DISPUTED', 'RESPONDED')
		         AND d.deadline_date < $1::date
		         AND EXISTS (
		             SELECT 1 FROM violations v
		             WHERE v.dispute_id = d.id AND v.layer = 'DATA' AND v.response IS NULL))
		     OR (d.tier2_notice_sent_at IS NOT NULL
		         AND NOT d.tier2_adjudicated
		         AND d.tier2_cure_deadline < $1)
		  )
		ORDER BY d.deadline_date NULLS LAST, d.id
	`
	day := pgtype.Date{Time: deadline.Day(now), Valid: true}
	rows, err := r.db.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("dispute: list due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate due: %w", err)
	}
	return ids, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func unknownDispute(id string) error {
	return fault.New(fault.UnknownDispute, "dispute %s does not exist", id)
}

func loadAggregate(ctx context.Context, q querier, id string, forUpdate bool) (Aggregate, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		agg Aggregate
		d   = &agg.Dispute
		t2  = &agg.Tier2
		fin string
		cls string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.OwnerID, &d.EntityType, &d.EntityName, &d.Source, &d.CycleID,
		&d.State, &d.PriorState, &d.Tier, &d.Locked, &d.MailedDate, &d.TrackingRef, &d.DeadlineDate,
		&d.FrivolousCureDeadline, &d.WithdrawnAt, &d.CreatedAt, &d.UpdatedAt,
		&t2.NoticeSentAt, &t2.CureDeadline, &t2.Adjudicated, &fin,
		&t2.ResponseDate, &cls, &t2.AdjudicatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, unknownDispute(id)
		}
		return Aggregate{}, fmt.Errorf("dispute: load dispute: %w", err)
	}
	t2.FinalResponse = tier2.FinalResponse(fin)
	t2.Classification = tier2.Classification(cls)
	normaliseDates(&agg)

	if agg.Violations, err = loadViolations(ctx, q, d.ID); err != nil {
		return Aggregate{}, err
	}
	if agg.Responses, err = loadResponses(ctx, q, d.ID); err != nil {
		return Aggregate{}, err
	}
	if agg.Verdicts, err = loadVerdicts(ctx, q, &agg); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

// normaliseDates pins DATE columns to UTC midnight so they compare equal to
// the values the service computed.
func normaliseDates(agg *Aggregate) {
	for _, p := range []*time.Time{agg.Dispute.MailedDate, agg.Dispute.DeadlineDate, agg.Dispute.FrivolousCureDeadline, agg.Tier2.CureDeadline, agg.Tier2.ResponseDate} {
		if p != nil {
			*p = deadline.Day(*p)
		}
	}
}

func loadViolations(ctx context.Context, q querier, disputeID string) ([]violation.Record, error) {
	rows, err := q.Query(ctx, `
		SELECT id, violation_type, severity, layer, derived_from, creditor_name, account_number_masked,
		       response, response_date, findings, created_at
		FROM violations
		WHERE dispute_id = $1
		ORDER BY position
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load violations: %w", err)
	}
	defer rows.Close()

	var out []violation.Record
	for rows.Next() {
		var (
			v        violation.Record
			response *string
			findings []byte
		)
		if err := rows.Scan(&v.ID, &v.Type, &v.Severity, &v.Layer, &v.DerivedFrom, &v.CreditorName, &v.AccountNumberMasked,
			&response, &v.ResponseDate, &findings, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan violation: %w", err)
		}
		v.DisputeID = disputeID
		if response != nil {
			rt := violation.ResponseType(*response)
			v.Response = &rt
		}
		if v.ResponseDate != nil {
			day := deadline.Day(*v.ResponseDate)
			v.ResponseDate = &day
		}
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &v.Findings); err != nil {
				return nil, fmt.Errorf("dispute: decode findings: %w", err)
			}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate violations: %w", err)
	}
	return out, nil
}

func loadResponses(ctx context.Context, q querier, disputeID string) ([]violation.ResponseEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, violation_id, response_type, reported_date, reported_by, COALESCE(supersedes::text, ''), created_at
		FROM response_events
		WHERE dispute_id = $1
		ORDER BY position
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load responses: %w", err)
	}
	defer rows.Close()

	var out []violation.ResponseEvent
	for rows.Next() {
		ev := violation.ResponseEvent{DisputeID: disputeID}
		if err := rows.Scan(&ev.ID, &ev.ViolationID, &ev.Type, &ev.ReportedDate, &ev.ReportedBy, &ev.Supersedes, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan response: %w", err)
		}
		ev.ReportedDate = deadline.Day(ev.ReportedDate)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate responses: %w", err)
	}
	return out, nil
}

func loadVerdicts(ctx context.Context, q querier, agg *Aggregate) ([]examiner.Result, error) {
	rows, err := q.Query(ctx, `
		SELECT response_id::text, violation_id, code, reason, COALESCE(synthesized_violation_id, ''), evaluated_at
		FROM examiner_results
		WHERE dispute_id = $1
		ORDER BY position
	`, agg.Dispute.ID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load verdicts: %w", err)
	}
	defer rows.Close()

	var out []examiner.Result
	for rows.Next() {
		var (
			res     examiner.Result
			synthID string
		)
		if err := rows.Scan(&res.ResponseID, &res.ViolationID, &res.Code, &res.Reason, &synthID, &res.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan verdict: %w", err)
		}
		res.EvaluatedAt = res.EvaluatedAt.UTC()
		if synthID != "" {
			if v, ok := agg.Violation(synthID); ok {
				c := *v
				res.Synthesized = &c
			}
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate verdicts: %w", err)
	}
	return out, nil
}

func lastEntry(ctx context.Context, q querier, disputeID string) (*ledger.Entry, error) {
	var e ledger.Entry
	err := q.QueryRow(ctx, `
		SELECT id::text, dispute_id::text, seq, hash
		FROM ledger_entries
		WHERE dispute_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, disputeID).Scan(&e.ID, &e.DisputeID, &e.Seq, &e.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: load ledger head: %w", err)
	}
	return &e, nil
}

func loadLedger(ctx context.Context, q querier, disputeID string) ([]ledger.Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, dispute_id::text, seq, ts, actor, event_type, description, evidence_hash, metadata, prev_hash, hash
		FROM ledger_entries
		WHERE dispute_id = $1
		ORDER BY seq
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: load ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Seq, &e.Timestamp, &e.Actor, &e.Type, &e.Description, &e.EvidenceHash, &meta, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("dispute: scan ledger entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("dispute: decode ledger metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate ledger: %w", err)
	}
	return out, nil
}

func insertLedger(ctx context.Context, tx pgx.Tx, entries []ledger.Entry) error {
	const insertSQL = `
		INSERT INTO ledger_entries (id, dispute_id, seq, ts, actor, event_type, description, evidence_hash, metadata, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, e := range entries {
		var meta []byte
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("dispute: marshal ledger metadata: %w", err)
			}
			meta = raw
		}
		if _, err := tx.Exec(ctx, insertSQL, e.ID, e.DisputeID, e.Seq, e.Timestamp, string(e.Actor), string(e.Type),
			e.Description, e.EvidenceHash, meta, e.PrevHash, e.Hash); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("dispute: ledger seq %d already written: %w", e.Seq, ledger.ErrBrokenChain)
			}
			return fmt.Errorf("dispute: insert ledger entry: %w", err)
		}
	}
	return nil
}

func updateDispute(ctx context.Context, tx pgx.Tx, agg Aggregate) error {
	d := agg.Dispute
	t2 := agg.Tier2
	_, err := tx.Exec(ctx, `
		UPDATE disputes
		SET state = $2,
		    prior_state = $3,
		    tier = $4,
		    locked = $5,
		    mailed_date = $6,
		    tracking_ref = $7,
		    deadline_date = $8,
		    frivolous_cure_deadline = $9,
		    withdrawn_at = $10,
		    tier2_notice_sent_at = $11,
		    tier2_cure_deadline = $12,
		    tier2_adjudicated = $13,
		    tier2_final_response = $14,
		    tier2_response_date = $15,
		    tier2_classification = $16,
		    tier2_adjudicated_at = $17
		WHERE id = $1
	`, d.ID, string(d.State), string(d.PriorState), d.Tier, d.Locked, d.MailedDate, d.TrackingRef, d.DeadlineDate,
		d.FrivolousCureDeadline, d.WithdrawnAt, t2.NoticeSentAt, t2.CureDeadline, t2.Adjudicated, string(t2.FinalResponse),
		t2.ResponseDate, string(t2.Classification), t2.AdjudicatedAt)
	if err != nil {
		return fmt.Errorf("dispute: update dispute: %w", err)
	}
	return nil
}

func upsertViolations(ctx context.Context, tx pgx.Tx, disputeID string, records []violation.Record) error {
	const upsertSQL = `
		INSERT INTO violations (dispute_id, id, violation_type, severity, layer, derived_from, creditor_name,
		                        account_number_masked, response, response_date, findings, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dispute_id, id) DO UPDATE
		SET response = EXCLUDED.response,
		    response_date = EXCLUDED.response_date,
		    findings = EXCLUDED.findings
	`
	for i, v := range records {
		findings, err := json.Marshal(v.Findings)
		if err != nil {
			return fmt.Errorf("dispute: marshal findings: %w", err)
		}
		var response *string
		if v.Response != nil {
			s := string(*v.Response)
			response = &s
		}
		if _, err := tx.Exec(ctx, upsertSQL, disputeID, v.ID, v.Type, string(v.Severity), string(v.Layer), v.DerivedFrom,
			v.CreditorName, v.AccountNumberMasked, response, v.ResponseDate, findings, i, v.CreatedAt); err != nil {
			return fmt.Errorf("dispute: upsert violation %s: %w", v.ID, err)
		}
	}
	return nil
}

func insertResponses(ctx context.Context, tx pgx.Tx, events []violation.ResponseEvent, from int) error {
	const insertSQL = `
		INSERT INTO response_events (id, dispute_id, violation_id, response_type, reported_date, reported_by, supersedes, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for i := from; i < len(events); i++ {
		ev := events[i]
		var supersedes any
		if ev.Supersedes != "" {
			supersedes = ev.Supersedes
		}
		if _, err := tx.Exec(ctx, insertSQL, ev.ID, ev.DisputeID, ev.ViolationID, string(ev.Type), ev.ReportedDate,
			string(ev.ReportedBy), supersedes, i, ev.CreatedAt); err != nil {
			return fmt.Errorf("dispute: insert response: %w", err)
		}
	}
	return nil
}

func insertVerdicts(ctx context.Context, tx pgx.Tx, disputeID string, verdicts []examiner.Result, from int) error {
	const insertSQL = `
		INSERT INTO examiner_results (dispute_id, position, response_id, violation_id, code, reason, synthesized_violation_id, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i := from; i < len(verdicts); i++ {
		res := verdicts[i]
		var synth any
		if res.Synthesized != nil {
			synth = res.Synthesized.ID
		}
		if _, err := tx.Exec(ctx, insertSQL, disputeID, i, res.ResponseID, res.ViolationID, string(res.Code), res.Reason, synth, res.EvaluatedAt); err != nil {
			return fmt.Errorf("dispute: insert verdict: %w", err)
		}
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, agg Aggregate, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	payload, err := json.Marshal(map[string]any{
		"dispute_id": agg.Dispute.ID,
		"entry_id":   last.ID,
		"seq":        last.Seq,
		"event_type": string(last.Type),
		"state":      string(agg.Dispute.State),
		"tier":       agg.Dispute.Tier,
		"locked":     agg.Dispute.Locked,
	})
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2)
	`
	if _, err := tx.Exec(ctx, insertSQL, OutboxTopicTransitioned, payload); err != nil {
		return fmt.Errorf("dispute: insert outbox message: %w", err)
	}
	return nil
}
