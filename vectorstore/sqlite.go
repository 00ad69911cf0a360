package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// SQLite stores vectors in the vectors table of a loom database and ranks them
// with sqlite-vec's vec_distance_cosine. The database must be opened through
// db.Open so the extension is registered.
type SQLite struct {
	db         *sql.DB
	collection string
	log        *zap.SugaredLogger
}

// NewSQLite creates a store over one collection of the vectors table
func NewSQLite(db *sql.DB, collection string, log *zap.SugaredLogger) *SQLite {
	return &SQLite{
		db:         db,
		collection: collection,
		log:        logger.OrNop(log),
	}
}

// Upsert implements Store
func (s *SQLite) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if err := validateUpsert(id, vector); err != nil {
		return err
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize vector %s", id)
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal payload for %s", id)
	}

	// seq is only computed for new rows; the conflict branch leaves it alone
	query := `
		INSERT INTO vectors (collection, id, seq, dim, embedding, payload)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM vectors WHERE collection = ?), ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			dim = excluded.dim,
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, s.collection, id, s.collection, len(vector), blob, payloadJSON); err != nil {
		return errors.Wrapf(err, "failed to upsert vector %s into %s", id, s.collection)
	}

	s.log.Debugw("upserted vector",
		logger.FieldCollection, s.collection,
		logger.FieldKey, id,
		"dim", len(vector))
	return nil
}

// Query implements Store
func (s *SQLite) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if err := validateVector(vector); err != nil {
		return nil, err
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize query vector")
	}

	// Lower distance means more similar; seq breaks ties
	query := `
		SELECT id, seq, payload, vec_distance_cosine(embedding, ?) AS distance
		FROM vectors
		WHERE collection = ? AND dim = ?
		ORDER BY distance ASC, seq ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, blob, s.collection, len(vector), k)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s (k=%d)", s.collection, k)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h           Hit
			payloadJSON string
			distance    float64
		)
		if err := rows.Scan(&h.ID, &h.seq, &payloadJSON, &distance); err != nil {
			return nil, errors.Wrapf(err, "failed to scan hit at row %d", len(hits)+1)
		}
		if h.Payload, err = unmarshalPayload(payloadJSON); err != nil {
			return nil, errors.Wrapf(err, "failed to decode payload of %s", h.ID)
		}
		h.Score = 1 - distance
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate hits (scanned %d rows)", len(hits))
	}

	s.log.Debugw("vector query completed",
		logger.FieldCollection, s.collection,
		logger.FieldCount, len(hits),
		"k", k)

	sortHits(hits)
	return hits, nil
}

// Delete removes id from the collection
func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id = ?`, s.collection, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete vector %s", id)
	}
	return nil
}

// Count returns the number of vectors in the collection
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, s.collection).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count vectors in %s", s.collection)
	}
	return n, nil
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
