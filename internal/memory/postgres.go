package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chat histories in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_histories (
			conf_uid TEXT NOT NULL,
			history_uid TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conf_uid, history_uid)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conf_uid TEXT NOT NULL,
			history_uid TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_history_seq ON chat_messages (conf_uid, history_uid, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateHistory(ctx context.Context, confUID string) (string, error) {
	uid := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_histories (conf_uid, history_uid, created_at) VALUES ($1, $2, $3)`,
		confUID, uid, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create history: %w", err)
	}
	return uid, nil
}

func (s *PostgresStore) StoreMessage(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO chat_histories (conf_uid, history_uid, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (conf_uid, history_uid) DO NOTHING`,
		msg.ConfUID, msg.HistoryUID, msg.CreatedAt,
	)
	batch.Queue(
		`INSERT INTO chat_messages (id, conf_uid, history_uid, turn_id, role, content, name, avatar, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConfUID, msg.HistoryUID, msg.TurnID, string(msg.Role), msg.Content, msg.Name, msg.Avatar, msg.CreatedAt,
	)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *PostgresStore) AmendLatestMessage(ctx context.Context, confUID, historyUID string, role Role, turnID, content string) (bool, error) {
	if turnID == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_messages SET content = $5
		 WHERE seq = (
			SELECT seq FROM chat_messages
			WHERE conf_uid = $1 AND history_uid = $2
			ORDER BY seq DESC LIMIT 1
		 ) AND role = $3 AND turn_id = $4`,
		confUID, historyUID, string(role), turnID, content,
	)
	if err != nil {
		return false, fmt.Errorf("amend latest message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) History(ctx context.Context, confUID, historyUID string) ([]Message, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_histories WHERE conf_uid = $1 AND history_uid = $2)`,
		confUID, historyUID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup history: %w", err)
	}
	if !exists {
		return nil, ErrHistoryNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conf_uid, history_uid, turn_id, role, content, name, avatar, created_at
		 FROM chat_messages WHERE conf_uid = $1 AND history_uid = $2 ORDER BY seq`,
		confUID, historyUID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("scan history rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListHistories(ctx context.Context, confUID string) ([]HistoryInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.history_uid, h.created_at,
		        m.id, m.conf_uid, m.history_uid, m.turn_id, m.role, m.content, m.name, m.avatar, m.created_at
		 FROM chat_histories h
		 LEFT JOIN LATERAL (
			SELECT * FROM chat_messages cm
			WHERE cm.conf_uid = h.conf_uid AND cm.history_uid = h.history_uid
			ORDER BY cm.seq DESC LIMIT 1
		 ) m ON TRUE
		 WHERE h.conf_uid = $1`,
		confUID,
	)
	if err != nil {
		return nil, fmt.Errorf("query histories: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryInfo, 0)
	for rows.Next() {
		var (
			info                                                HistoryInfo
			id, mConf, mHist, turnID, role, content, name, avat *string
			createdAt                                           *time.Time
		)
		if err := rows.Scan(&info.UID, &info.UpdatedAt, &id, &mConf, &mHist, &turnID, &role, &content, &name, &avat, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if id != nil {
			info.LatestMessage = &Message{
				ID:         *id,
				ConfUID:    *mConf,
				HistoryUID: *mHist,
				TurnID:     *turnID,
				Role:       Role(*role),
				Content:    *content,
				Name:       *name,
				Avatar:     *avat,
				CreatedAt:  *createdAt,
			}
			info.UpdatedAt = *createdAt
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	sortHistories(out)
	return out, nil
}

func (s *PostgresStore) DeleteHistory(ctx context.Context, confUID, historyUID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete history: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM chat_histories WHERE conf_uid = $1 AND history_uid = $2`, confUID, historyUID)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHistoryNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE conf_uid = $1 AND history_uid = $2`, confUID, historyUID); err != nil {
		return fmt.Errorf("delete history messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanMessage(row pgx.CollectableRow) (Message, error) {
	var (
		m    Message
		role string
	)
	if err := row.Scan(&m.ID, &m.ConfUID, &m.HistoryUID, &m.TurnID, &role, &m.Content, &m.Name, &m.Avatar, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	return m, nil
}
