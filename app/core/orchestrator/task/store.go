package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"switchboard/app/core/orchestrator/db"
)

const (
	MaxScriptResults         = 50
	DefaultScriptResultLimit = 20
	DefaultMessageLimit      = 50
)

// Update field names accepted by Store.Update.
const (
	FieldName                 = "name"
	FieldStatus               = "status"
	FieldContacts             = "contacts"
	FieldPersonality          = "personality"
	FieldProgressSummary      = "progress_summary"
	FieldAwaiting             = "awaiting"
	FieldPausedReason         = "paused_reason"
	FieldNeedsApprovalFor     = "needs_approval_for"
	FieldMetadata             = "metadata"
	FieldWakeAt               = "wake_at"
	FieldOutcomeResult        = "outcome_result"
	FieldOutcomeFailureReason = "outcome_failure_reason"
)

var stringFields = map[string]string{
	FieldName:                 "name",
	FieldPersonality:          "personality",
	FieldProgressSummary:      "progress_summary",
	FieldAwaiting:             "awaiting",
	FieldPausedReason:         "paused_reason",
	FieldNeedsApprovalFor:     "needs_approval_for",
	FieldOutcomeResult:        "outcome_result",
	FieldOutcomeFailureReason: "outcome_failure_reason",
}

// Fields is a partial update keyed by the Field* names.
type Fields map[string]interface{}

const taskColumns = `id, name, status, plan, contacts_json, personality, progress_summary, awaiting, paused_reason, needs_approval_for, metadata_json,
	messages_in, messages_out, tokens_used, estimated_cost, context_resets,
	outcome_result, outcome_failure_reason, COALESCE(outcome_completed_at, 0), COALESCE(wake_at, 0), created_at, updated_at`

type Store struct {
	db  *db.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for every timestamp the store writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(database *db.DB, opts ...Option) *Store {
	s := &Store{db: database, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, params CreateParams) (Task, error) {
	plan := strings.TrimSpace(params.Plan)
	if plan == "" {
		return Task{}, fmt.Errorf("%w: plan", ErrMissingField)
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = "Untitled jorb"
	}
	contacts := params.Contacts
	if contacts == nil {
		contacts = []Contact{}
	}
	contactsJSON, err := json.Marshal(contacts)
	if err != nil {
		return Task{}, err
	}
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Task{}, err
	}

	now := s.now()
	id := "jorb_" + newHex(8)
	query := `INSERT INTO tasks (id, name, status, plan, contacts_json, personality, metadata_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.Conn().ExecContext(ctx, query, id, name, string(StatusPlanning), plan, string(contactsJSON), params.Personality, string(metadataJSON), toMillis(now), toMillis(now)); err != nil {
		return Task{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, strings.TrimSpace(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func (s *Store) List(ctx context.Context, filter Filter) ([]Task, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(string(filter)))) {
	case "", FilterAll:
		return s.listWhere(ctx, "")
	case FilterOpen:
		return s.ListByStatus(ctx, StatusPlanning, StatusRunning, StatusPaused)
	case FilterClosed:
		return s.ListByStatus(ctx, StatusComplete, StatusFailed, StatusCancelled)
	default:
		return nil, fmt.Errorf("invalid filter: %s", filter)
	}
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]Task, error) {
	if len(statuses) == 0 {
		return []Task{}, nil
	}
	placeholders := make([]string, 0, len(statuses))
	args := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}
	return s.listWhere(ctx, `WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
}

// ListDue returns running tasks whose scheduled wake time has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Task, error) {
	return s.listWhere(ctx, `WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ?`, string(StatusRunning), toMillis(now))
}

func (s *Store) listWhere(ctx context.Context, where string, args ...interface{}) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY updated_at DESC, rowid DESC`
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// Update applies a partial update. Unknown names and ill-typed values are rejected
// before anything is written; status changes must follow the transition table.
func (s *Store) Update(ctx context.Context, id string, fields Fields) (Task, error) {
	sets, args, newStatus, err := s.buildUpdate(fields)
	if err != nil {
		return Task{}, err
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	current, err := loadStatus(ctx, tx, id)
	if err != nil {
		return Task{}, err
	}
	if current.IsTerminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminal, id, current)
	}
	now := toMillis(s.now())
	if newStatus != "" {
		if err := ValidateTransition(current, newStatus); err != nil {
			return Task{}, err
		}
		if newStatus.IsTerminal() {
			sets = append(sets, "outcome_completed_at = ?")
			args = append(args, now)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) buildUpdate(fields Fields) ([]string, []interface{}, Status, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		sets      []string
		args      []interface{}
		newStatus Status
	)
	for _, name := range names {
		value := fields[name]
		if column, ok := stringFields[name]; ok {
			text, ok := value.(string)
			if !ok {
				return nil, nil, "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, name)
			}
			sets = append(sets, column+" = ?")
			args = append(args, text)
			continue
		}
		switch name {
		case FieldStatus:
			var raw string
			switch v := value.(type) {
			case Status:
				raw = string(v)
			case string:
				raw = v
			default:
				return nil, nil, "", fmt.Errorf("%w: status must be a string", ErrInvalidField)
			}
			status, err := ParseStatus(raw)
			if err != nil {
				return nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidField, err)
			}
			newStatus = status
			sets = append(sets, "status = ?")
			args = append(args, string(status))
		case FieldContacts:
			contacts, ok := value.([]Contact)
			if !ok {
				return nil, nil, "", fmt.Errorf("%w: contacts must be []Contact", ErrInvalidField)
			}
			if contacts == nil {
				contacts = []Contact{}
			}
			encoded, err := json.Marshal(contacts)
			if err != nil {
				return nil, nil, "", err
			}
			sets = append(sets, "contacts_json = ?")
			args = append(args, string(encoded))
		case FieldMetadata:
			metadata, ok := value.(map[string]interface{})
			if !ok {
				return nil, nil, "", fmt.Errorf("%w: metadata must be an object", ErrInvalidField)
			}
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			encoded, err := json.Marshal(metadata)
			if err != nil {
				return nil, nil, "", err
			}
			sets = append(sets, "metadata_json = ?")
			args = append(args, string(encoded))
		case FieldWakeAt:
			at, ok := value.(time.Time)
			if !ok {
				return nil, nil, "", fmt.Errorf("%w: wake_at must be a time", ErrInvalidField)
			}
			if at.IsZero() {
				sets = append(sets, "wake_at = NULL")
			} else {
				sets = append(sets, "wake_at = ?")
				args = append(args, toMillis(at))
			}
		default:
			return nil, nil, "", fmt.Errorf("%w: unknown field %q", ErrInvalidField, name)
		}
	}
	return sets, args, newStatus, nil
}

// MergeMetadata sets top-level metadata keys without replacing the rest of the document.
func (s *Store) MergeMetadata(ctx context.Context, id string, values map[string]interface{}) (Task, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	var (
		status  string
		current string
	)
	err = tx.QueryRowContext(ctx, `SELECT status, metadata_json FROM tasks WHERE id = ?`, id).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, err
	}
	if Status(status).IsTerminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminal, id, status)
	}
	if strings.TrimSpace(current) == "" {
		current = "{}"
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		current, err = sjson.Set(current, escapeMetadataKey(key), values[key])
		if err != nil {
			return Task{}, fmt.Errorf("merge metadata key %q: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET metadata_json = ?, updated_at = ? WHERE id = ?`, current, toMillis(s.now()), id); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return s.Get(ctx, id)
}

// AddMessage stores an immutable message and bumps the matching direction counter.
func (s *Store) AddMessage(ctx context.Context, taskID string, m Message) (string, error) {
	if m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return "", fmt.Errorf("%w: direction %q", ErrInvalidField, m.Direction)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	id := "msg_" + newHex(12)

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	status, err := loadStatus(ctx, tx, taskID)
	if err != nil {
		return "", err
	}
	if status.IsTerminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, status)
	}

	insert := `INSERT INTO messages (id, task_id, timestamp, direction, channel, sender, sender_name, recipient, content, reasoning) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, id, taskID, toMillis(m.Timestamp), string(m.Direction), string(m.Channel), m.Sender, m.SenderName, m.Recipient, m.Content, m.Reasoning); err != nil {
		return "", err
	}
	counter := "messages_in"
	if m.Direction == DirectionOutbound {
		counter = "messages_out"
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`, toMillis(s.now()), taskID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetMessages returns the latest limit messages in ascending timestamp order.
func (s *Store) GetMessages(ctx context.Context, taskID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	query := `SELECT id, task_id, timestamp, direction, channel, sender, sender_name, recipient, content, reasoning FROM messages WHERE task_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			ts        int64
			direction string
			channel   string
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &ts, &direction, &channel, &m.Sender, &m.SenderName, &m.Recipient, &m.Content, &m.Reasoning); err != nil {
			return nil, err
		}
		m.Timestamp = fromMillis(ts)
		m.Direction = Direction(direction)
		m.Channel = Channel(channel)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// CountOutboundSince counts system sends, excluding operator-direct messages.
func (s *Store) CountOutboundSince(ctx context.Context, taskID string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(1) FROM messages WHERE task_id = ? AND direction = 'outbound' AND sender != ? AND timestamp >= ?`
	err := s.db.Conn().QueryRowContext(ctx, query, taskID, HumanDirectSender, toMillis(since)).Scan(&count)
	return count, err
}

// CountMessagesSince counts messages in either direction stamped after since.
func (s *Store) CountMessagesSince(ctx context.Context, taskID string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(1) FROM messages WHERE task_id = ? AND timestamp > ?`
	err := s.db.Conn().QueryRowContext(ctx, query, taskID, toMillis(since)).Scan(&count)
	return count, err
}

// AddScriptResult appends to the task's result log, keeping the newest MaxScriptResults.
func (s *Store) AddScriptResult(ctx context.Context, taskID string, r ScriptResult) error {
	if strings.TrimSpace(r.Script) == "" {
		return fmt.Errorf("%w: script", ErrMissingField)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := loadStatus(ctx, tx, taskID); err != nil {
		return err
	}
	success := 0
	if r.Success {
		success = 1
	}
	insert := `INSERT INTO script_results (task_id, script, success, result, error, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, taskID, r.Script, success, r.Result, r.Error, toMillis(r.Timestamp)); err != nil {
		return err
	}
	prune := `DELETE FROM script_results WHERE task_id = ? AND id NOT IN (SELECT id FROM script_results WHERE task_id = ? ORDER BY id DESC LIMIT ?)`
	if _, err := tx.ExecContext(ctx, prune, taskID, taskID, MaxScriptResults); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, toMillis(s.now()), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetScriptResults returns results most-recent-first.
func (s *Store) GetScriptResults(ctx context.Context, taskID string, limit int) ([]ScriptResult, error) {
	if limit <= 0 {
		limit = DefaultScriptResultLimit
	}
	if _, err := loadStatus(ctx, s.db.Conn(), taskID); err != nil {
		return nil, err
	}
	query := `SELECT script, success, result, error, timestamp FROM script_results WHERE task_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ScriptResult, 0, limit)
	for rows.Next() {
		var (
			r       ScriptResult
			success int
			ts      int64
		)
		if err := rows.Scan(&r.Script, &success, &r.Result, &r.Error, &ts); err != nil {
			return nil, err
		}
		r.Success = success == 1
		r.Timestamp = fromMillis(ts)
		items = append(items, r)
	}
	return items, rows.Err()
}

// AddCheckpoint records a context compaction and counts it as a context reset.
func (s *Store) AddCheckpoint(ctx context.Context, taskID string, summary string, tokenCount int) (Checkpoint, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return Checkpoint{}, fmt.Errorf("%w: summary", ErrMissingField)
	}
	cp := Checkpoint{
		ID:         "ckpt_" + newHex(8),
		TaskID:     taskID,
		Timestamp:  s.now(),
		Summary:    summary,
		TokenCount: tokenCount,
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer tx.Rollback()

	status, err := loadStatus(ctx, tx, taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	if status.IsTerminal() {
		return Checkpoint{}, fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, status)
	}
	insert := `INSERT INTO checkpoints (id, task_id, timestamp, summary, token_count) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, cp.ID, taskID, toMillis(cp.Timestamp), cp.Summary, cp.TokenCount); err != nil {
		return Checkpoint{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET context_resets = context_resets + 1, updated_at = ? WHERE id = ?`, toMillis(cp.Timestamp), taskID); err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *Store) GetCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	query := `SELECT id, task_id, timestamp, summary, token_count FROM checkpoints WHERE task_id = ? ORDER BY timestamp ASC, rowid ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Checkpoint{}
	for rows.Next() {
		var (
			cp Checkpoint
			ts int64
		)
		if err := rows.Scan(&cp.ID, &cp.TaskID, &ts, &cp.Summary, &cp.TokenCount); err != nil {
			return nil, err
		}
		cp.Timestamp = fromMillis(ts)
		items = append(items, cp)
	}
	return items, rows.Err()
}

// GetOpenWithMessages covers running and paused tasks; planning tasks have not spoken yet.
func (s *Store) GetOpenWithMessages(ctx context.Context, messageLimit int) ([]TaskWithMessages, error) {
	tasks, err := s.ListByStatus(ctx, StatusRunning, StatusPaused)
	if err != nil {
		return nil, err
	}
	items := make([]TaskWithMessages, 0, len(tasks))
	for _, t := range tasks {
		messages, err := s.GetMessages(ctx, t.ID, messageLimit)
		if err != nil {
			return nil, err
		}
		items = append(items, TaskWithMessages{Task: t, Messages: messages})
	}
	return items, nil
}

// GetAllKnownContactIdentifiers spans every task regardless of status.
func (s *Store) GetAllKnownContactIdentifiers(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT contacts_json FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := map[string]struct{}{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var contacts []Contact
		if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
			continue
		}
		for _, c := range contacts {
			if normalized := NormalizeIdentifier(c.Identifier); normalized != "" {
				known[normalized] = struct{}{}
			}
		}
	}
	return known, rows.Err()
}

func (s *Store) IncrementMetrics(ctx context.Context, id string, delta MetricsDelta) error {
	query := `UPDATE tasks SET messages_in = messages_in + ?, messages_out = messages_out + ?, tokens_used = tokens_used + ?,
	estimated_cost = estimated_cost + ?, context_resets = context_resets + ?, updated_at = ? WHERE id = ?`
	result, err := s.db.Conn().ExecContext(ctx, query, delta.MessagesIn, delta.MessagesOut, delta.TokensUsed, delta.EstimatedCost, delta.ContextResets, toMillis(s.now()), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func (s *Store) AggregateMetrics(ctx context.Context, filter Filter) (Aggregate, error) {
	tasks, err := s.List(ctx, filter)
	if err != nil {
		return Aggregate{}, err
	}
	agg := Aggregate{ByStatus: map[Status]int{}}
	for _, t := range tasks {
		agg.Tasks++
		agg.ByStatus[t.Status]++
		agg.MessagesIn += t.Metrics.MessagesIn
		agg.MessagesOut += t.Metrics.MessagesOut
		agg.TokensUsed += t.Metrics.TokensUsed
		agg.EstimatedCost += t.Metrics.EstimatedCost
		agg.ContextResets += t.Metrics.ContextResets
	}
	return agg, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadStatus(ctx context.Context, q queryer, id string) (Status, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t            Task
		status       string
		contactsJSON string
		metadataJSON string
		completedAt  int64
		wakeAt       int64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&t.ID, &t.Name, &status, &t.Plan, &contactsJSON, &t.Personality, &t.ProgressSummary, &t.Awaiting, &t.PausedReason, &t.NeedsApprovalFor, &metadataJSON,
		&t.Metrics.MessagesIn, &t.Metrics.MessagesOut, &t.Metrics.TokensUsed, &t.Metrics.EstimatedCost, &t.Metrics.ContextResets,
		&t.Outcome.Result, &t.Outcome.FailureReason, &completedAt, &wakeAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.Contacts = []Contact{}
	if contactsJSON != "" {
		if err := json.Unmarshal([]byte(contactsJSON), &t.Contacts); err != nil {
			return Task{}, fmt.Errorf("decode contacts for %s: %w", t.ID, err)
		}
	}
	t.Metadata = map[string]interface{}{}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
			return Task{}, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	t.Outcome.CompletedAt = fromMillis(completedAt)
	t.WakeAt = fromMillis(wakeAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func escapeMetadataKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}

func newHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
