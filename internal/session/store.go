package session

import (
	"database/sql"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	"github.com/tmc/langchaingo/llms"

	"github.com/mvaldes-io/tabletalk/internal/plan"
)

// Store persists sessions to sqlite. Messages, proposed plans, observation
// records and frame lineage each get their own table.
type Store struct {
	DB *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			role TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			plan_json TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			step_id TEXT,
			attempt INTEGER,
			duration_ms INTEGER,
			tokens_prompt INTEGER,
			tokens_completion INTEGER,
			error TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS lineage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			alias TEXT,
			steps TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) AddMessage(sessionID, role, content string) error {
	query := `INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?)`
	_, err := s.DB.Exec(query, sessionID, role, content)
	return err
}

func (s *Store) SavePlan(sessionID string, p *plan.Plan) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	query := `INSERT INTO plans (session_id, plan_json) VALUES (?, ?)`
	_, err = s.DB.Exec(query, sessionID, string(raw))
	return err
}

func (s *Store) AddObservation(sessionID string, o Observation) error {
	query := `INSERT INTO observations (session_id, step_id, attempt, duration_ms, tokens_prompt, tokens_completion, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.Exec(query, sessionID, o.StepID, o.Attempt,
		o.Duration.Milliseconds(), o.TokensPrompt, o.TokensCompletion, o.Err)
	return err
}

func (s *Store) SaveLineage(sessionID, alias string, steps []string) error {
	query := `INSERT INTO lineage (session_id, alias, steps) VALUES (?, ?, ?)`
	_, err := s.DB.Exec(query, sessionID, alias, strings.Join(steps, ","))
	return err
}

// ClearSession removes everything persisted for one session. Other
// sessions are untouched.
func (s *Store) ClearSession(sessionID string) error {
	for _, table := range []string{"messages", "plans", "observations", "lineage"} {
		if _, err := s.DB.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// GetHistory returns the last limit messages as LLM message content, in
// chronological order.
func (s *Store) GetHistory(sessionID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.DB.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		var msgRole llms.ChatMessageType
		switch role {
		case "human":
			msgRole = llms.ChatMessageTypeHuman
		case "ai":
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(content)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return history, nil
}
