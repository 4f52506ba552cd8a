package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a memory lookup matches no row.
var ErrNotFound = errors.New("memory not found")

func (s *SQLiteStore) InsertMemory(ctx context.Context, m *Memory) (int64, error) {
	if len(m.Embedding) == 0 {
		return 0, errors.New("refusing to insert memory without embedding")
	}

	vecBlob, err := encodeVector(m.Embedding)
	if err != nil {
		return 0, fmt.Errorf("failed to encode vector: %w", err)
	}

	var metaJSON, tagsJSON *string
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		v := string(b)
		metaJSON = &v
	}
	if len(m.Tags) > 0 {
		b, _ := json.Marshal(m.Tags)
		v := string(b)
		tagsJSON = &v
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (content, embedding, priority, metadata, tags, session_id, content_hash, created_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		m.Content, vecBlob, m.Priority, metaJSON, tagsJSON,
		nullable(m.SessionID), m.ContentHash, m.CreatedAt, m.LastAccessedAt)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) GetMemoryByHash(ctx context.Context, hash string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE content_hash = ?`, hash)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) GetMemories(ctx context.Context, ids []int64) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		memorySelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's ordering (similarity rank).
	memories := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			memories = append(memories, m)
		}
	}
	return memories, nil
}

func (s *SQLiteStore) MemoriesByPriority(ctx context.Context, minPriority float64, sessionID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}

	query := memorySelect + ` WHERE priority >= ?`
	args := []interface{}{minPriority}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY priority DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *SQLiteStore) TouchMemory(ctx context.Context, id int64, priority float64, accessedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories
		 SET priority = MAX(priority, ?), access_count = access_count + 1, last_accessed_at = ?
		 WHERE id = ?`,
		priority, accessedAt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ScanEmbeddings(ctx context.Context, fn func(id int64, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM memories ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fmt.Errorf("memory %d: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

const memorySelect = `SELECT id, content, embedding, priority, metadata, tags, session_id, content_hash, created_at, last_accessed_at, access_count FROM memories`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var blob []byte
	var metaJSON, tagsJSON, sessionID sql.NullString

	err := row.Scan(&m.ID, &m.Content, &blob, &m.Priority, &metaJSON, &tagsJSON,
		&sessionID, &m.ContentHash, &m.CreatedAt, &m.LastAccessedAt, &m.AccessCount)
	if err != nil {
		return nil, err
	}

	m.Embedding, err = decodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("memory %d: %w", m.ID, err)
	}
	if metaJSON.Valid {
		json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	if sessionID.Valid {
		m.SessionID = sessionID.String
	}

	return &m, nil
}

func encodeVector(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob of %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
