package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/anthropics/agentd/internal/convo"
)

// PostgresStore is the multi-instance session-store backend: a row per
// session, a row per message, serialized by the database's own
// transactions instead of the filesystem backend's flock. Grounded on
// internal/sessions/cockroach.go's connection-pool configuration and
// prepared-statement pattern, adapted from that file's channel-bot
// session/message schema to this package's Session/convo.Message shapes.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig mirrors the teacher's CockroachConfig field-for-field.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig mirrors the teacher's DefaultCockroachConfig,
// pointed at a local CockroachDB instance on its default port.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "agentd",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, cfg)
}

// NewPostgresStoreFromDSN opens a connection pool from a raw DSN.
func NewPostgresStoreFromDSN(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			name                TEXT,
			type                TEXT NOT NULL,
			working_dir         TEXT,
			recipe              TEXT,
			user_recipe_values  JSONB,
			extension_data      JSONB,
			schedule_id         TEXT,
			parent_id           TEXT,
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role        TEXT NOT NULL,
			content     JSONB NOT NULL,
			model_id    TEXT,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS session_messages_session_id_idx ON session_messages(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("sessionstore: migrate schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Type == "" {
		sess.Type = TypeUser
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	recipeValues, err := json.Marshal(sess.UserRecipeValues)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal user_recipe_values: %w", err)
	}
	extData, err := json.Marshal(sess.ExtensionData)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal extension_data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, type, working_dir, recipe, user_recipe_values, extension_data, schedule_id, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.Name, sess.Type, sess.WorkingDir, sess.Recipe, recipeValues, extData, sess.ScheduleID, sess.ParentID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessionstore: insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var recipeValues, extData []byte
	err := row.Scan(&sess.ID, &sess.Name, &sess.Type, &sess.WorkingDir, &sess.Recipe,
		&recipeValues, &extData, &sess.ScheduleID, &sess.ParentID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sessionstore: session not found")
	}
	if err != nil {
		return nil, err
	}
	if len(recipeValues) > 0 {
		_ = json.Unmarshal(recipeValues, &sess.UserRecipeValues)
	}
	if len(extData) > 0 {
		_ = json.Unmarshal(extData, &sess.ExtensionData)
	}
	return &sess, nil
}

const sessionColumns = `id, name, type, working_dir, recipe, user_recipe_values, extension_data, schedule_id, parent_id, created_at, updated_at`

func (s *PostgresStore) GetSession(ctx context.Context, id string, includeConversation bool) (*Session, []*convo.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := s.scanSession(row)
	if err != nil {
		return nil, nil, err
	}
	if !includeConversation {
		return sess, nil, nil
	}
	msgs, err := s.LoadConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if opts.Type != "" {
		query += ` WHERE type = $1`
		args = append(args, opts.Type)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var recipeValues, extData []byte
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Type, &sess.WorkingDir, &sess.Recipe,
			&recipeValues, &extData, &sess.ScheduleID, &sess.ParentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if len(recipeValues) > 0 {
			_ = json.Unmarshal(recipeValues, &sess.UserRecipeValues)
		}
		if len(extData) > 0 {
			_ = json.Unmarshal(extData, &sess.ExtensionData)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, id string, u Update) error {
	sess, _, err := s.GetSession(ctx, id, false)
	if err != nil {
		return err
	}
	if u.Name != nil {
		sess.Name = *u.Name
	}
	if u.Recipe != nil {
		sess.Recipe = *u.Recipe
	}
	if u.UserRecipeValues != nil {
		sess.UserRecipeValues = u.UserRecipeValues
	}
	if u.ExtensionData != nil {
		sess.ExtensionData = u.ExtensionData
	}

	recipeValues, err := json.Marshal(sess.UserRecipeValues)
	if err != nil {
		return err
	}
	extData, err := json.Marshal(sess.ExtensionData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET name = $1, recipe = $2, user_recipe_values = $3, extension_data = $4, updated_at = $5
		WHERE id = $6
	`, sess.Name, sess.Recipe, recipeValues, extData, time.Now(), id)
	return err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *convo.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal message content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, sessionID, string(msg.Role), content, msg.ModelID, msg.CreatedAt); err != nil {
		return fmt.Errorf("sessionstore: insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, time.Now(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) LoadConversation(ctx context.Context, sessionID string) ([]*convo.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, model_id, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*convo.Message
	for rows.Next() {
		var msg convo.Message
		var content []byte
		var modelID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &content, &modelID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("sessionstore: corrupt message content for %s: %w", msg.ID, err)
		}
		msg.ModelID = modelID.String
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return convo.RepairTranscript(out), nil
}

func (s *PostgresStore) TruncateConversation(ctx context.Context, id string, after time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = $1 AND created_at > $2`, id, after); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Fork(ctx context.Context, id string, opts ForkOptions) (string, error) {
	if opts.Truncate && opts.Timestamp.IsZero() {
		return "", fmt.Errorf("sessionstore: fork with truncate requires a timestamp")
	}

	parent, _, err := s.GetSession(ctx, id, false)
	if err != nil {
		return "", err
	}

	child := cloneSession(parent)
	child.ID = ""
	child.ParentID = id
	child.Name = parent.Name + " (fork)"
	if err := s.CreateSession(ctx, child); err != nil {
		return "", err
	}

	if opts.Copy {
		msgs, err := s.LoadConversation(ctx, id)
		if err != nil {
			return "", err
		}
		if opts.Truncate {
			kept := make([]*convo.Message, 0, len(msgs))
			for _, m := range msgs {
				if !m.CreatedAt.After(opts.Timestamp) {
					kept = append(kept, m)
				}
			}
			msgs = convo.RepairTranscript(kept)
		}
		for _, m := range msgs {
			cp := *m
			cp.ID = uuid.NewString()
			if err := s.AppendMessage(ctx, child.ID, &cp); err != nil {
				return "", err
			}
		}
	}

	return child.ID, nil
}

func (s *PostgresStore) Export(ctx context.Context, id string) ([]byte, error) {
	sess, msgs, err := s.GetSession(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(exportedSession{Session: sess, Messages: msgs}, "", "  ")
}

func (s *PostgresStore) Import(ctx context.Context, data []byte) (string, error) {
	var bundle exportedSession
	if err := json.Unmarshal(data, &bundle); err != nil {
		return "", fmt.Errorf("sessionstore: invalid export bundle: %w", err)
	}
	if bundle.Session == nil {
		return "", fmt.Errorf("sessionstore: export bundle missing session")
	}
	imported := cloneSession(bundle.Session)
	imported.ID = ""
	imported.ParentID = ""
	if err := s.CreateSession(ctx, imported); err != nil {
		return "", err
	}
	for _, m := range bundle.Messages {
		cp := *m
		cp.ID = uuid.NewString()
		cp.SessionID = imported.ID
		if err := s.AppendMessage(ctx, imported.ID, &cp); err != nil {
			return "", err
		}
	}
	return imported.ID, nil
}

// Search runs a keyword AND-match over message text. The query filters
// only by the after/before time range; the keyword terms are matched in
// Go against each returned row's content.
func (s *PostgresStore) Search(ctx context.Context, query string, limit int, after, before *time.Time) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	sqlQuery := `
		SELECT session_id, content, created_at FROM session_messages
		WHERE 1=1
	`
	var args []any
	argN := 1
	if after != nil {
		sqlQuery += fmt.Sprintf(" AND created_at >= $%d", argN)
		args = append(args, *after)
		argN++
	}
	if before != nil {
		sqlQuery += fmt.Sprintf(" AND created_at <= $%d", argN)
		args = append(args, *before)
		argN++
	}
	sqlQuery += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bySession := make(map[string][]string)
	order := make([]string, 0)
	for rows.Next() {
		var sessionID string
		var content []byte
		var createdAt time.Time
		if err := rows.Scan(&sessionID, &content, &createdAt); err != nil {
			return nil, err
		}
		var elems []map[string]any
		_ = json.Unmarshal(content, &elems)
		text := textFromJSONContent(elems)
		lower := strings.ToLower(text)
		matched := true
		for _, t := range terms {
			if !strings.Contains(lower, t) {
				matched = false
				break
			}
		}
		if matched && text != "" {
			if _, ok := bySession[sessionID]; !ok {
				order = append(order, sessionID)
			}
			bySession[sessionID] = append(bySession[sessionID], snippet(text, 160))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, id := range order {
		hits = append(hits, SearchHit{SessionID: id, Snippets: bySession[id]})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

func textFromJSONContent(elems []map[string]any) string {
	var b strings.Builder
	for _, e := range elems {
		if t, ok := e["text"].(string); ok {
			b.WriteString(t)
		}
		if t, ok := e["tool_result_text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}

var _ Store = (*PostgresStore)(nil)
