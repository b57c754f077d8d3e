package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/sagacore/pkg/schema"
)

// SQLStore implements Store on an embedded SQLite-compatible database.
// Both libSQL and the pure-Go modernc driver speak the same dialect.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	return openSQLStore("libsql", dbPath)
}

// NewSQLiteStore opens a SQLite database through the CGO-free modernc driver.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return openSQLStore("sqlite", dbPath)
}

func openSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// A single writer connection serializes the compare-and-swap updates.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Saga instances ---

const instanceColumns = `id, tenant_id, saga_name, correlation_id, trigger_event_id, context, current_step, status, step_results, compensating_from, version, created_at, updated_at`

func (s *SQLStore) CreateInstance(ctx context.Context, inst *SagaInstance) error {
	ctxJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	results, err := marshalResults(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = timeOrNow(inst.UpdatedAt)
	if inst.Version == 0 {
		inst.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saga_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.SagaName, inst.CorrelationID, inst.TriggerEventID,
		string(ctxJSON), inst.CurrentStep, string(inst.Status), string(results), nullInt(inst.CompensatingFrom),
		inst.Version, formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	return insertErr(err, "saga instance", inst.ID)
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*SagaInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM saga_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("saga instance", id)
	}
	return inst, err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *SagaInstance) error {
	ctxJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	results, err := marshalResults(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE saga_instances
		 SET correlation_id = ?, context = ?, current_step = ?, status = ?, step_results = ?,
		     compensating_from = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		inst.CorrelationID, string(ctxJSON), inst.CurrentStep, string(inst.Status), string(results),
		nullInt(inst.CompensatingFrom), formatTime(now),
		inst.ID, inst.Version,
	)
	if err != nil {
		return err
	}
	if err := s.checkSwapped(ctx, res, "saga_instances", "saga instance", inst.ID, inst.Version); err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*SagaInstance, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.SagaName != "" {
		where = append(where, "saga_name = ?")
		args = append(args, filter.SagaName)
	}
	if filter.TriggerEventID != "" {
		where = append(where, "trigger_event_id = ?")
		args = append(args, filter.TriggerEventID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at <= ?")
		args = append(args, formatTime(*filter.UpdatedBefore))
	}

	query := `SELECT ` + instanceColumns + ` FROM saga_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*SagaInstance, error) {
	inst := &SagaInstance{}
	var (
		ctxJSON, resultsJSON, status string
		createdAt, updatedAt         string
		compFrom                     sql.NullInt64
	)
	if err := row.Scan(&inst.ID, &inst.TenantID, &inst.SagaName, &inst.CorrelationID, &inst.TriggerEventID,
		&ctxJSON, &inst.CurrentStep, &status, &resultsJSON, &compFrom, &inst.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.SagaStatus(status)
	if err := json.Unmarshal([]byte(ctxJSON), &inst.Context); err != nil {
		return nil, fmt.Errorf("unmarshal instance context: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &inst.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step_results: %w", err)
	}
	if compFrom.Valid {
		v := int(compFrom.Int64)
		inst.CompensatingFrom = &v
	}
	var err error
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return inst, nil
}

// --- Approval gates ---

const gateColumns = `id, tenant_id, saga_instance_id, saga_name, step_name, entity_type, entity_id, title, description, requested_by, approval_roles, status, escalation_level, escalated_to, timeout_at, timeout_action, decided_by, decision_note, decided_at, context, version, created_at, updated_at`

func (s *SQLStore) CreateGate(ctx context.Context, gate *ApprovalGate) error {
	roles, err := json.Marshal(stringsOrEmpty(gate.ApprovalRoles))
	if err != nil {
		return fmt.Errorf("marshal approval_roles: %w", err)
	}
	ctxJSON, err := nullableMap(gate.Context)
	if err != nil {
		return fmt.Errorf("marshal gate context: %w", err)
	}
	gate.CreatedAt = timeOrNow(gate.CreatedAt)
	gate.UpdatedAt = timeOrNow(gate.UpdatedAt)
	if gate.Version == 0 {
		gate.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_gates (`+gateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.TenantID, gate.SagaInstanceID, gate.SagaName, gate.StepName,
		gate.EntityType, gate.EntityID, gate.Title, nullStr(gate.Description), nullStr(gate.RequestedBy),
		string(roles), string(gate.Status), gate.EscalationLevel, nullStr(gate.EscalatedTo),
		formatTime(gate.TimeoutAt), string(gate.TimeoutAction),
		nullStr(gate.DecidedBy), nullStr(gate.DecisionNote), nullTime(gate.DecidedAt), ctxJSON,
		gate.Version, formatTime(gate.CreatedAt), formatTime(gate.UpdatedAt),
	)
	// Reported by the partial unique index on open gates.
	if err != nil && strings.Contains(err.Error(), "approval_gates.saga_instance_id") {
		return openGateConflict(gate).WithCause(err)
	}
	return insertErr(err, "approval gate", gate.ID)
}

func (s *SQLStore) GetGate(ctx context.Context, id string) (*ApprovalGate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE id = ?`, id)
	gate, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval gate", id)
	}
	return gate, err
}

func (s *SQLStore) UpdateGate(ctx context.Context, gate *ApprovalGate) error {
	roles, err := json.Marshal(stringsOrEmpty(gate.ApprovalRoles))
	if err != nil {
		return fmt.Errorf("marshal approval_roles: %w", err)
	}
	ctxJSON, err := nullableMap(gate.Context)
	if err != nil {
		return fmt.Errorf("marshal gate context: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_gates
		 SET title = ?, description = ?, approval_roles = ?, status = ?, escalation_level = ?, escalated_to = ?,
		     timeout_at = ?, timeout_action = ?, decided_by = ?, decision_note = ?, decided_at = ?, context = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		gate.Title, nullStr(gate.Description), string(roles), string(gate.Status), gate.EscalationLevel, nullStr(gate.EscalatedTo),
		formatTime(gate.TimeoutAt), string(gate.TimeoutAction), nullStr(gate.DecidedBy), nullStr(gate.DecisionNote),
		nullTime(gate.DecidedAt), ctxJSON, formatTime(now),
		gate.ID, gate.Version,
	)
	if err != nil {
		return err
	}
	if err := s.checkSwapped(ctx, res, "approval_gates", "approval gate", gate.ID, gate.Version); err != nil {
		return err
	}
	gate.Version++
	gate.UpdatedAt = now
	return nil
}

func (s *SQLStore) ListGates(ctx context.Context, filter GateFilter) ([]*ApprovalGate, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.InstanceID != "" {
		where = append(where, "saga_instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.StepName != "" {
		where = append(where, "step_name = ?")
		args = append(args, filter.StepName)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.TimeoutBefore != nil {
		where = append(where, "timeout_at <= ?")
		args = append(args, formatTime(*filter.TimeoutBefore))
	}

	query := `SELECT ` + gateColumns + ` FROM approval_gates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timeout_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalGate
	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gate)
	}
	return out, rows.Err()
}

func scanGate(row rowScanner) (*ApprovalGate, error) {
	g := &ApprovalGate{}
	var (
		desc, requestedBy, escalatedTo sql.NullString
		decidedBy, note, decidedAt     sql.NullString
		ctxJSON                        sql.NullString
		roles, status, action          string
		timeoutAt, createdAt, updated  string
	)
	if err := row.Scan(&g.ID, &g.TenantID, &g.SagaInstanceID, &g.SagaName, &g.StepName,
		&g.EntityType, &g.EntityID, &g.Title, &desc, &requestedBy,
		&roles, &status, &g.EscalationLevel, &escalatedTo,
		&timeoutAt, &action, &decidedBy, &note, &decidedAt, &ctxJSON,
		&g.Version, &createdAt, &updated); err != nil {
		return nil, err
	}
	g.Description = desc.String
	g.RequestedBy = requestedBy.String
	g.EscalatedTo = escalatedTo.String
	g.DecidedBy = decidedBy.String
	g.DecisionNote = note.String
	g.Status = schema.GateStatus(status)
	g.TimeoutAction = schema.TimeoutAction(action)
	if err := json.Unmarshal([]byte(roles), &g.ApprovalRoles); err != nil {
		return nil, fmt.Errorf("unmarshal approval_roles: %w", err)
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &g.Context); err != nil {
			return nil, fmt.Errorf("unmarshal gate context: %w", err)
		}
	}
	var err error
	if g.TimeoutAt, err = parseTime(timeoutAt); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		g.DecidedAt = &t
	}
	return g, nil
}

// --- Escalation chains ---

func (s *SQLStore) PutEscalationChain(ctx context.Context, chain *EscalationChain) error {
	levels, err := json.Marshal(chain.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escalation_chains (tenant_id, saga_name, levels, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, saga_name) DO UPDATE SET levels=excluded.levels, updated_at=excluded.updated_at`,
		chain.TenantID, chain.SagaName, string(levels), formatTime(time.Now()),
	)
	return err
}

func (s *SQLStore) GetEscalationChain(ctx context.Context, tenantID, sagaName string) (*EscalationChain, error) {
	chain := &EscalationChain{TenantID: tenantID, SagaName: sagaName}
	var levels string
	err := s.db.QueryRowContext(ctx,
		`SELECT levels FROM escalation_chains WHERE tenant_id = ? AND saga_name = ?`, tenantID, sagaName,
	).Scan(&levels)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("escalation chain", tenantID+"/"+sagaName)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &chain.Levels); err != nil {
		return nil, fmt.Errorf("unmarshal levels: %w", err)
	}
	return chain, nil
}

// --- Audit log ---

// AppendEvent assigns the next per-instance sequence number and persists the
// event inside one transaction.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM saga_events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO saga_events (instance_id, step_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		event.InstanceID, nullStr(event.StepName), event.Type, nullRaw(event.Payload), formatTime(event.Timestamp), seq,
	).Scan(&event.ID); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events with sequence greater than since, in order.
func (s *SQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_name, event_type, payload, timestamp, sequence
		 FROM saga_events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.InstanceID, &step, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepName = step.String
		e.Payload = rawOrNil(payload)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

// checkSwapped distinguishes a missing record from a lost compare-and-swap
// after an UPDATE ... WHERE version = ? touched no rows.
func (s *SQLStore) checkSwapped(ctx context.Context, res sql.Result, table, resource, id string, version int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound(resource, id)
	}
	if err != nil {
		return err
	}
	return storeConflict(resource, id, version)
}

func storeNotFound(resource, id string) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string, version int64) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q was modified concurrently (expected version %d)", resource, id, version)
}

func openGateConflict(gate *ApprovalGate) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"saga instance %q already has an open approval gate for step %q", gate.SagaInstanceID, gate.StepName)
}

func insertErr(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "insert %s %q", resource, id).WithCause(err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalResults(r []StepResult) (json.RawMessage, error) {
	if len(r) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(r)
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
