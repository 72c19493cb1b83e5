// Package sqlitevec implements a cosine-similarity vector index backed by a
// dedicated SQLite file. Vectors are stored as little-endian float32 blobs
// and scanned in process; at the collection sizes involved a linear scan
// beats maintaining an approximate index.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"

	_ "modernc.org/sqlite"
)

// Client is the vector index handle. Safe for concurrent use.
type Client struct {
	db  *sql.DB
	dim int
}

// Metadata travels with each vector so query results carry enough context
// to display without a relational lookup.
type Metadata struct {
	Owner    string `json:"owner,omitempty"`
	Language string `json:"language,omitempty"`
	Stars    int    `json:"stars,omitempty"`
	Topics   string `json:"topics,omitempty"`
}

// Entry is one stored vector with its identity, source text, metadata, and
// model provenance.
type Entry struct {
	ID           string
	Vector       []float32
	Text         string
	Metadata     Metadata
	ModelVersion string
}

// Match is one query result, similarity in [0, 1] for unit-ish inputs.
type Match struct {
	ID         string
	Similarity float64
	Text       string
	Metadata   Metadata
}

// Open creates or opens the index file and enforces the configured
// dimensionality on every write.
func Open(path string, dim int) (*Client, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dim must be positive: %d", dim)
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	db.SetMaxOpenConns(2)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dim INTEGER NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			model_version TEXT NOT NULL DEFAULT '',
			updated_at_epoch INTEGER NOT NULL
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vectors table: %w", err)
	}

	// Index files written before the text and metadata columns existed.
	_, _ = db.Exec("ALTER TABLE vectors ADD COLUMN text TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE vectors ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'")

	return &Client{db: db, dim: dim}, nil
}

// Close releases the index file.
func (c *Client) Close() error {
	return c.db.Close()
}

// Dim returns the enforced dimensionality.
func (c *Client) Dim() int { return c.dim }

// Upsert stores or replaces one vector.
func (c *Client) Upsert(ctx context.Context, entry Entry) error {
	if len(entry.Vector) != c.dim {
		return fmt.Errorf("vector %s has dim %d, index requires %d",
			entry.ID, len(entry.Vector), c.dim)
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", entry.ID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO vectors (id, embedding, dim, text, metadata, model_version, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			dim = excluded.dim,
			text = excluded.text,
			metadata = excluded.metadata,
			model_version = excluded.model_version,
			updated_at_epoch = excluded.updated_at_epoch`,
		entry.ID, encodeVector(entry.Vector), c.dim, entry.Text, string(meta),
		entry.ModelVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", entry.ID, err)
	}
	return nil
}

// UpsertBatch stores entries inside one transaction.
func (c *Client) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vector batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, entry := range entries {
		if len(entry.Vector) != c.dim {
			return fmt.Errorf("vector %s has dim %d, index requires %d",
				entry.ID, len(entry.Vector), c.dim)
		}
		meta, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", entry.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vectors (id, embedding, dim, text, metadata, model_version, updated_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				embedding = excluded.embedding,
				dim = excluded.dim,
				text = excluded.text,
				metadata = excluded.metadata,
				model_version = excluded.model_version,
				updated_at_epoch = excluded.updated_at_epoch`,
			entry.ID, encodeVector(entry.Vector), c.dim, entry.Text, string(meta),
			entry.ModelVersion, now)
		if err != nil {
			return fmt.Errorf("upsert vector %s: %w", entry.ID, err)
		}
	}
	return tx.Commit()
}

// Delete removes one vector. Deleting an absent id is a no-op.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id)
	return err
}

// Get returns the stored vector for one id, or nil when absent.
func (c *Client) Get(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT embedding FROM vectors WHERE id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob), nil
}

// Query returns the topK nearest neighbors by cosine similarity, strongest
// first, excluding ids in the exclude set and results below minSimilarity.
func (c *Client) Query(ctx context.Context, query []float32, topK int, minSimilarity float64, exclude map[string]bool) ([]Match, error) {
	if len(query) != c.dim {
		return nil, fmt.Errorf("query vector has dim %d, index requires %d",
			len(query), c.dim)
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := c.db.QueryContext(ctx, "SELECT id, embedding, text, metadata FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("scan vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id   string
			blob []byte
			text string
			meta string
		)
		if err := rows.Scan(&id, &blob, &text, &meta); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if exclude[id] {
			continue
		}

		sim := cosineSimilarity(query, decodeVector(blob))
		if sim < minSimilarity {
			continue
		}
		m := Match{ID: id, Similarity: sim, Text: text}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of stored vectors.
func (c *Client) Count(ctx context.Context) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&count)
	return count, err
}

// CountStale returns how many vectors were written by a different embedding
// model than the one given. A nonzero count means a reindex is due.
func (c *Client) CountStale(ctx context.Context, modelVersion string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vectors WHERE model_version != ?", modelVersion).Scan(&count)
	return count, err
}

// Clear drops every vector. Used before a full reindex.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM vectors")
	return err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// A zero vector on either side yields 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
