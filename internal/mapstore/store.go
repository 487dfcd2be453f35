// Package mapstore keeps map documents in a sqlite database, one row per
// map name, with the JSON body zstd-compressed.
package mapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/internal/mapfile"
	"github.com/signalsfoundry/circuitworld/model"
)

var ErrNotFound = errors.New("map not found")

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logging.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	now func() time.Time
}

type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open creates or opens the store at path, creating parent directories.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, log: logging.Noop(), enc: enc, dec: dec, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(p, ";"), err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS maps (
  name       TEXT PRIMARY KEY,
  data       BLOB NOT NULL,
  sprites    INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);`)
	return err
}

// Close releases the database and codecs.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Put validates and stores m, replacing any map with the same name.
func (s *Store) Put(ctx context.Context, m model.Map) error {
	data, err := mapfile.Encode(m)
	if err != nil {
		return err
	}
	// Stored maps must decode on the way back out.
	if _, err := mapfile.Decode(data); err != nil {
		return err
	}

	blob := s.enc.EncodeAll(data, nil)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO maps (name, data, sprites, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET data = excluded.data, sprites = excluded.sprites, updated_at = excluded.updated_at`,
		m.Name, blob, len(m.Sprites), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put map %q: %w", m.Name, err)
	}
	s.log.Debug(ctx, "stored map",
		logging.String("map", m.Name),
		logging.Int("sprites", len(m.Sprites)),
		logging.Int("json_bytes", len(data)),
		logging.Int("stored_bytes", len(blob)))
	return nil
}

// Get loads the named map.
func (s *Store) Get(ctx context.Context, name string) (model.Map, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM maps WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Map{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return model.Map{}, fmt.Errorf("get map %q: %w", name, err)
	}

	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return model.Map{}, fmt.Errorf("decompress map %q: %w", name, err)
	}
	return mapfile.Decode(data)
}

// List returns summaries of every stored map, ordered by name.
func (s *Store) List(ctx context.Context) ([]model.MapSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, sprites, updated_at FROM maps ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MapSummary
	for rows.Next() {
		var ms model.MapSummary
		if err := rows.Scan(&ms.Name, &ms.Sprites, &ms.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// Delete removes the named map. Deleting a missing map is ErrNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete map %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// LoadAll decodes every stored map. Maps that fail to load are skipped and
// reported in the joined error.
func (s *Store) LoadAll(ctx context.Context) ([]model.Map, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out  []model.Map
		errs []error
	)
	for _, ms := range list {
		m, err := s.Get(ctx, ms.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}
