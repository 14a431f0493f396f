// Package store is the on-device record store: schemaless rows in named
// tables on embedded SQLite, field-level encryption, and an in-memory TTL
// cache in front of Select.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/cache"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type Options struct {
	// Path is the SQLite database file.
	Path string
	// UserID scopes the field encryption key.
	UserID string
	// KeyStore holds the master key. Nil disables encryption.
	KeyStore KeyStore
	// EncryptFields lists, per table, fields that are always encrypted.
	EncryptFields map[string][]string
	CacheEntries  int
	// KV is vacuumed together with the SQL database when set.
	KV     *kv.Store
	Now    func() time.Time
	Logger *zap.Logger
}

type Store struct {
	conn *sql.DB
	path string

	// mu serializes write transactions; readers run concurrently under WAL.
	mu sync.Mutex

	cipher   *fieldCipher
	encrypt  map[string]map[string]bool
	cache    *cache.Cache
	kv       *kv.Store
	now      func() time.Time
	log      *zap.Logger
	tablesMu sync.Mutex
	tables   map[string]bool
}

// Option adjusts a single store call.
type Option func(*callOptions)

type callOptions struct {
	encrypt []string
}

// EncryptFields encrypts the named fields in addition to the table defaults.
func EncryptFields(fields ...string) Option {
	return func(o *callOptions) { o.encrypt = append(o.encrypt, fields...) }
}

// Open opens (creating if needed) the database at opts.Path. Failures here are
// fatal for initialization. A key store that cannot produce a key only
// degrades the store to unencrypted mode.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, apperr.NewStorageError("open", "", errors.New("path is required"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, apperr.NewStorageError("open", opts.Path, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)", opts.Path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.NewStorageError("open", opts.Path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, apperr.NewStorageError("open", opts.Path, err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:    conn,
		path:    opts.Path,
		encrypt: make(map[string]map[string]bool),
		kv:      opts.KV,
		now:     opts.Now,
		log:     opts.Logger,
		tables:  make(map[string]bool),
		cache: cache.New(cache.Options{
			MaxEntries: opts.CacheEntries,
			Now:        opts.Now,
			Logger:     opts.Logger,
		}),
	}
	for table, fields := range opts.EncryptFields {
		for _, f := range fields {
			s.markEncrypted(table, f)
		}
	}

	if opts.KeyStore == nil {
		s.log.Info("Field encryption disabled: no key store configured")
		return s, nil
	}
	key, err := LoadOrCreateKey(opts.KeyStore)
	if err == nil {
		s.cipher, err = newFieldCipher(key, opts.UserID)
	}
	if err != nil {
		s.log.Warn("Encryption key unavailable, running unencrypted", zap.Error(err))
		s.cipher = nil
	}
	return s, nil
}

// Encrypted reports whether field encryption is active.
func (s *Store) Encrypted() bool {
	return s.cipher != nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("Failed to checkpoint WAL", zap.Error(err))
	}
	err := s.conn.Close()
	s.conn = nil
	return apperr.NewStorageError("close", s.path, err)
}

func (s *Store) markEncrypted(table, field string) {
	m, ok := s.encrypt[table]
	if !ok {
		m = make(map[string]bool)
		s.encrypt[table] = m
	}
	m[field] = true
}

func (s *Store) ensureTable(ctx context.Context, table string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidTable, table)
	}
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if s.tables[table] {
		return nil
	}
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]q (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS %[2]q ON %[1]q(updated_at);
	CREATE INDEX IF NOT EXISTS %[3]q ON %[1]q(synced);`,
		table, "idx_"+table+"_updated", "idx_"+table+"_synced")
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return apperr.NewStorageError("create-table", table, err)
	}
	s.tables[table] = true
	return nil
}

// withTx runs fn in a single transaction; only one runs at a time.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.NewStorageError("begin", s.path, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}
	return apperr.NewStorageError("commit", s.path, tx.Commit())
}

// Insert stores a new record with a generated id.
func (s *Store) Insert(ctx context.Context, table string, fields map[string]any, opts ...Option) (model.Record, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return model.Record{}, err
	}
	now := s.now()
	rec := model.Record{
		ID:        uuid.NewString(),
		Table:     table,
		Fields:    copyFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := s.encode(table, rec.Fields, opts)
	if err != nil {
		return model.Record{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (id, data, created_at, updated_at, synced) VALUES (?, ?, ?, ?, 0)`, table),
			rec.ID, data, now.UnixNano(), now.UnixNano())
		return apperr.NewStorageError("insert", table, err)
	})
	if err != nil {
		return model.Record{}, err
	}
	s.cache.InvalidateTag(tableTag(table))
	return rec, nil
}

// Upsert writes rec as-is (id and timestamps included). The sync engine uses
// it to apply authoritative state.
func (s *Store) Upsert(ctx context.Context, rec model.Record, opts ...Option) (model.Record, error) {
	if err := s.ensureTable(ctx, rec.Table); err != nil {
		return model.Record{}, err
	}
	if rec.ID == "" {
		return model.Record{}, errors.New("upsert requires an id")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	rec.Fields = copyFields(rec.Fields)
	data, err := s.encode(rec.Table, rec.Fields, opts)
	if err != nil {
		return model.Record{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %q (id, data, created_at, updated_at, synced) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at,
				synced = excluded.synced`, rec.Table),
			rec.ID, data, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), boolInt(rec.Synced))
		return apperr.NewStorageError("upsert", rec.Table, err)
	})
	if err != nil {
		return model.Record{}, err
	}
	s.cache.InvalidateTag(tableTag(rec.Table))
	return rec, nil
}

// Update merges fields into the record with the given id. Fields set to nil
// are removed. The record becomes unsynced.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any, opts ...Option) (model.Record, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return model.Record{}, err
	}
	var out model.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTx(ctx, tx, table, id)
		if err != nil {
			return err
		}
		for k, v := range fields {
			if v == nil {
				delete(cur.Fields, k)
				continue
			}
			cur.Fields[k] = v
		}
		cur.UpdatedAt = s.now()
		cur.Synced = false
		data, err := s.encode(table, cur.Fields, opts)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET data = ?, updated_at = ?, synced = 0 WHERE id = ?`, table),
			data, cur.UpdatedAt.UnixNano(), id)
		if err != nil {
			return apperr.NewStorageError("update", table, err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return model.Record{}, err
	}
	s.cache.InvalidateTag(tableTag(table))
	return out, nil
}

// Delete removes the record; apperr.ErrNotFound if it does not exist.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id)
		if err != nil {
			return apperr.NewStorageError("delete", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.NewStorageError("delete", table, err)
		}
		if n == 0 {
			return fmt.Errorf("%s/%s: %w", table, id, apperr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.InvalidateTag(tableTag(table))
	return nil
}

// MarkSynced flags the record as matching the remote authority.
func (s *Store) MarkSynced(ctx context.Context, table, id string) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET synced = 1 WHERE id = ?`, table), id)
		if err != nil {
			return apperr.NewStorageError("mark-synced", table, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s/%s: %w", table, id, apperr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.InvalidateTag(tableTag(table))
	return nil
}

// Get returns one record; apperr.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, table, id string) (model.Record, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return model.Record{}, err
	}
	row := s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, data, created_at, updated_at, synced FROM %q WHERE id = ?`, table), id)
	return s.scanRecord(table, row)
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, table, id string) (model.Record, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, data, created_at, updated_at, synced FROM %q WHERE id = ?`, table), id)
	return s.scanRecord(table, row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(table string, row rowScanner) (model.Record, error) {
	var (
		rec              model.Record
		data             string
		created, updated int64
		synced           int
	)
	err := row.Scan(&rec.ID, &data, &created, &updated, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, apperr.ErrNotFound
	}
	if err != nil {
		return model.Record{}, apperr.NewStorageError("read", table, err)
	}
	rec.Table = table
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	rec.Synced = synced != 0
	rec.Fields, err = s.decode(table, data)
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// encode serializes fields, encrypting the configured ones. In degraded mode
// values are written in the clear.
func (s *Store) encode(table string, fields map[string]any, opts []Option) (string, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	out := fields
	if s.cipher != nil && (len(s.encrypt[table]) > 0 || len(co.encrypt) > 0) {
		out = make(map[string]any, len(fields))
		extra := make(map[string]bool, len(co.encrypt))
		for _, f := range co.encrypt {
			extra[f] = true
		}
		for k, v := range fields {
			if (s.encrypt[table][k] || extra[k]) && !isEncrypted(v) {
				enc, err := s.cipher.encrypt(v)
				if err != nil {
					return "", apperr.NewStorageError("encrypt", table+"."+k, err)
				}
				out[k] = enc
				continue
			}
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode %s fields: %w", table, err)
	}
	return string(b), nil
}

func (s *Store) decode(table, data string) (map[string]any, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, apperr.NewStorageError("decode", table, err)
	}
	for k, v := range fields {
		if !isEncrypted(v) {
			continue
		}
		if s.cipher == nil {
			s.log.Warn("Encrypted field left as ciphertext: encryption unavailable",
				zap.String("table", table), zap.String("field", k))
			continue
		}
		plain, err := s.cipher.decrypt(v)
		if err != nil {
			return nil, apperr.NewStorageError("decrypt", table+"."+k, err)
		}
		fields[k] = plain
	}
	return fields, nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func tableTag(table string) string {
	return "table:" + table
}
