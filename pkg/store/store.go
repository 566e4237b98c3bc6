// Package store is the durable message log: conversations, messages, and
// harness runs in a relational database. SQLite is the default; postgres
// and mysql are selectable by config. Writes are serialized per call;
// vector indexing runs independently of this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one stored chat turn. Immutable once stored.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	Model          string     `json:"model,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Tokens         int        `json:"tokens"`
	Cost           *float64   `json:"cost,omitempty"`
	LatencyMS      *int64     `json:"latency_ms,omitempty"`
}

// ConversationSummary is one row of the recent-conversations listing.
type ConversationSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ModelStats aggregates per-model performance over a time window.
type ModelStats struct {
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	AvgTokens    float64 `json:"avg_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// HarnessRun is the persisted record of one orchestrator run. EventLog is
// the full line-delimited event stream.
type HarnessRun struct {
	ID          string    `json:"id"`
	Goal        string    `json:"goal"`
	Targets     []string  `json:"targets"`
	DriverModel string    `json:"driver_model"`
	MaxRounds   int       `json:"max_rounds"`
	FinalAnswer string    `json:"final_answer"`
	Rounds      int       `json:"rounds"`
	Capped      bool      `json:"capped"`
	DurationMS  int64     `json:"duration_ms"`
	ErrorCount  int       `json:"error_count"`
	EventLog    string    `json:"event_log"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps the database handle. All writes go through one connection
// per call via the mutex.
type Store struct {
	db      *sql.DB
	dialect string
	mu      sync.Mutex
}

const createConversationsSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    model VARCHAR(255),
    ts TIMESTAMP NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION,
    latency_ms BIGINT,
    seq BIGINT NOT NULL DEFAULT 0,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
`

const createHarnessRunsSQL = `
CREATE TABLE IF NOT EXISTS harness_runs (
    id VARCHAR(255) PRIMARY KEY,
    goal TEXT NOT NULL,
    targets TEXT NOT NULL,
    driver_model VARCHAR(255),
    max_rounds INTEGER NOT NULL,
    final_answer TEXT,
    rounds INTEGER NOT NULL DEFAULT 0,
    capped BOOLEAN NOT NULL DEFAULT FALSE,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    event_log TEXT,
    created_at TIMESTAMP NOT NULL
);
`

// indexStatements returns the index DDL for a dialect. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its statements are bare and duplicate
// errors are swallowed on reinit instead.
func indexStatements(dialect string) []string {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role)`,
		`CREATE INDEX IF NOT EXISTS idx_harness_runs_created ON harness_runs(created_at)`,
	}
	if dialect == "mysql" {
		for i, stmt := range stmts {
			stmts[i] = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
	}
	return stmts
}

// migrations are additive column adds, tolerant of reapplication.
var migrations = []string{
	`ALTER TABLE messages ADD COLUMN cost DOUBLE PRECISION`,
	`ALTER TABLE messages ADD COLUMN latency_ms BIGINT`,
	`ALTER TABLE harness_runs ADD COLUMN error_count INTEGER NOT NULL DEFAULT 0`,
}

// Open connects to the configured database and initializes the schema.
func Open(driver, dsn string) (*Store, error) {
	driverName := driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := ensureDir(dir); err != nil {
				return nil, err
			}
		}
	}

	switch driver {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported store driver: %s (supported: sqlite, postgres, mysql)", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	s := &Store{db: db, dialect: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createConversationsSQL, createMessagesSQL, createHarnessRunsSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	for _, stmt := range indexStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == "mysql" {
				// Duplicate index on an already initialized database.
				continue
			}
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Additive migrations: a failure here means the column already
	// exists on a previously initialized database.
	for _, stmt := range migrations {
		_, _ = s.db.ExecContext(ctx, stmt)
	}
	return nil
}

// q rewrites ? placeholders to $N for postgres.
func (s *Store) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM conversations WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO conversations (id, created_at) VALUES (?, ?)`),
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// StoreMessage persists one message. The conversation row is created if
// needed. An empty message ID gets a fresh UUID; a zero timestamp gets now.
func (s *Store) StoreMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("message conversation id cannot be empty")
	}
	if err := s.EnsureConversation(ctx, msg.ConversationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	seq, err := s.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO messages (id, conversation_id, role, content, model, ts, tokens, cost, latency_ms, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		nullString(msg.Model), msg.Timestamp, msg.Tokens,
		nullFloat(msg.Cost), nullInt(msg.LatencyMS), seq)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`),
		conversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence number: %w", err)
	}
	return seq, nil
}

// GetConversation returns all messages of a conversation ordered by
// timestamp ascending, insertion order breaking ties.
func (s *Store) GetConversation(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, conversation_id, role, content, model, ts, tokens, cost, latency_ms
FROM messages WHERE conversation_id = ? ORDER BY ts ASC, seq ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// RecentConversations returns the n most recently active conversations
// with message counts.
func (s *Store) RecentConversations(ctx context.Context, n int) ([]ConversationSummary, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT c.id, c.created_at, COUNT(m.id), COALESCE(MAX(m.ts), c.created_at)
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
GROUP BY c.id, c.created_at
ORDER BY COALESCE(MAX(m.ts), c.created_at) DESC
LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.MessageCount, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Fork copies src messages up to and including index branchAt into a new
// conversation dst with fresh message IDs. branchAt of -1 copies
// everything; branchAt of 0 copies exactly the first message. The source
// is untouched; cost and latency are preserved.
func (s *Store) Fork(ctx context.Context, src, dst string, branchAt int) (int, error) {
	if src == dst {
		return 0, fmt.Errorf("fork target must differ from source")
	}
	msgs, err := s.GetConversation(ctx, src)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, fmt.Errorf("conversation %s has no messages", src)
	}
	if branchAt >= 0 && branchAt < len(msgs)-1 {
		msgs = msgs[:branchAt+1]
	}

	if err := s.EnsureConversation(ctx, dst); err != nil {
		return 0, err
	}

	for i := range msgs {
		copied := msgs[i]
		copied.ID = uuid.New().String()
		copied.ConversationID = dst
		if err := s.StoreMessage(ctx, &copied); err != nil {
			return i, fmt.Errorf("failed to copy message %d: %w", i, err)
		}
	}
	return len(msgs), nil
}

// ModelPerformance aggregates assistant-message stats per model over the
// window ending now. Percentiles are computed in Go so the query stays
// portable across dialects.
func (s *Store) ModelPerformance(ctx context.Context, window time.Duration) ([]ModelStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT model, tokens, cost, latency_ms
FROM messages
WHERE role = 'assistant' AND model IS NOT NULL AND model != '' AND ts >= ?`), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model performance: %w", err)
	}
	defer rows.Close()

	type acc struct {
		latencies []float64
		tokens    int
		cost      float64
		count     int
	}
	byModel := make(map[string]*acc)
	for rows.Next() {
		var model string
		var tokens int
		var cost sql.NullFloat64
		var latency sql.NullInt64
		if err := rows.Scan(&model, &tokens, &cost, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		a := byModel[model]
		if a == nil {
			a = &acc{}
			byModel[model] = a
		}
		a.count++
		a.tokens += tokens
		if cost.Valid {
			a.cost += cost.Float64
		}
		if latency.Valid {
			a.latencies = append(a.latencies, float64(latency.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	out := make([]ModelStats, 0, len(models))
	for _, m := range models {
		a := byModel[m]
		st := ModelStats{
			Model:     m,
			Requests:  a.count,
			AvgTokens: float64(a.tokens) / float64(a.count),
			TotalCost: a.cost,
		}
		if len(a.latencies) > 0 {
			sort.Float64s(a.latencies)
			var sum float64
			for _, l := range a.latencies {
				sum += l
			}
			st.AvgLatencyMS = sum / float64(len(a.latencies))
			st.P50LatencyMS = percentile(a.latencies, 0.50)
			st.P95LatencyMS = percentile(a.latencies, 0.95)
		}
		out = append(out, st)
	}
	return out, nil
}

// percentile over a sorted slice, nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SaveHarnessRun inserts or replaces one harness run record.
func (s *Store) SaveHarnessRun(ctx context.Context, run *HarnessRun) error {
	if run == nil {
		return fmt.Errorf("harness run cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, _ = s.db.ExecContext(ctx, s.q(`DELETE FROM harness_runs WHERE id = ?`), run.ID)
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO harness_runs (id, goal, targets, driver_model, max_rounds, final_answer, rounds, capped, duration_ms, error_count, event_log, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Goal, strings.Join(run.Targets, ","), run.DriverModel,
		run.MaxRounds, run.FinalAnswer, run.Rounds, run.Capped,
		run.DurationMS, run.ErrorCount, run.EventLog, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save harness run: %w", err)
	}
	return nil
}

// GetHarnessRun fetches one run by id.
func (s *Store) GetHarnessRun(ctx context.Context, id string) (*HarnessRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT id, goal, targets, driver_model, max_rounds, final_answer, rounds, capped, duration_ms, error_count, event_log, created_at
FROM harness_runs WHERE id = ?`), id)

	run, err := scanHarnessRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("harness run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load harness run: %w", err)
	}
	return run, nil
}

// ListHarnessRuns returns the n most recent runs, newest first.
func (s *Store) ListHarnessRuns(ctx context.Context, n int) ([]HarnessRun, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, goal, targets, driver_model, max_rounds, final_answer, rounds, capped, duration_ms, error_count, event_log, created_at
FROM harness_runs ORDER BY created_at DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to list harness runs: %w", err)
	}
	defer rows.Close()

	var out []HarnessRun
	for rows.Next() {
		run, err := scanHarnessRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan harness run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHarnessRun(row rowScanner) (*HarnessRun, error) {
	var run HarnessRun
	var targets string
	var driverModel, finalAnswer, eventLog sql.NullString
	err := row.Scan(&run.ID, &run.Goal, &targets, &driverModel, &run.MaxRounds,
		&finalAnswer, &run.Rounds, &run.Capped, &run.DurationMS,
		&run.ErrorCount, &eventLog, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if targets != "" {
		run.Targets = strings.Split(targets, ",")
	}
	run.DriverModel = driverModel.String
	run.FinalAnswer = finalAnswer.String
	run.EventLog = eventLog.String
	return &run, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var model sql.NullString
		var cost sql.NullFloat64
		var latency sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&model, &m.Timestamp, &m.Tokens, &cost, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Model = model.String
		if cost.Valid {
			c := cost.Float64
			m.Cost = &c
		}
		if latency.Valid {
			l := latency.Int64
			m.LatencyMS = &l
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
