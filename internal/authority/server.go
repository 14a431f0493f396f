// Package authority is a reference remote authority: it accepts operation
// batches over HTTP and applies them to a SQL database with last-write-wins
// conflict detection.
package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"offline-sync-core/internal/api"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/database"
	"offline-sync-core/internal/logger"
	"offline-sync-core/internal/metrics"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/remote"
)

const (
	defaultSampleBytes = 256 << 10
	maxSampleBytes     = 8 << 20
	maxBatchBody       = 16 << 20
)

var validate = validator.New()

type Options struct {
	Now    func() time.Time
	Logger *zap.Logger
}

// Server implements remote.Authority on top of a database.Database.
type Server struct {
	db  *database.Database
	now func() time.Time
	log *zap.Logger
}

var _ remote.Authority = (*Server)(nil)

func NewServer(db *database.Database, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("authority")
	}
	return &Server{db: db, now: opts.Now, log: opts.Logger}
}

// Apply handles a batch. Operations are grouped by table and each table is
// applied in its own transaction. Invalid operations are rejected
// individually; a database failure fails the whole call.
func (s *Server) Apply(ctx context.Context, reqs []remote.Request) ([]remote.Response, error) {
	results := make([]remote.Response, len(reqs))

	byTable := make(map[string][]int)
	for i, req := range reqs {
		if reason := checkRequest(req); reason != "" {
			results[i] = remote.Response{OperationID: req.OperationID, Outcome: remote.OutcomeRejected, Error: reason}
			metrics.AuthorityOperations.WithLabelValues(req.Table, string(remote.OutcomeRejected)).Inc()
			continue
		}
		byTable[req.Table] = append(byTable[req.Table], i)
	}

	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		idx := byTable[table]
		staged := make([]remote.Response, len(idx))
		err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
			for n, i := range idx {
				resp, err := s.applyOne(ctx, tx, reqs[i])
				if err != nil {
					return err
				}
				staged[n] = resp
			}
			return nil
		})
		if err != nil {
			s.log.Error("Failed to apply batch", zap.String("table", table), zap.Error(err))
			return nil, fmt.Errorf("apply %s: %w", table, err)
		}
		for n, i := range idx {
			results[i] = staged[n]
			metrics.AuthorityOperations.WithLabelValues(table, string(staged[n].Outcome)).Inc()
		}
		s.log.Debug("Applied operations", zap.String("table", table), zap.Int("count", len(idx)))
	}
	return results, nil
}

func checkRequest(req remote.Request) string {
	if err := validate.Struct(req); err != nil {
		return err.Error()
	}
	if req.Type == model.OpDelete {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(req.Payload, &fields); err != nil || fields == nil {
		return "payload must be a JSON object"
	}
	return ""
}

func (s *Server) applyOne(ctx context.Context, tx *sql.Tx, req remote.Request) (remote.Response, error) {
	if prior, ok, err := priorResponse(ctx, tx, req.OperationID); err != nil || ok {
		return prior, err
	}

	cur, found, err := loadRecord(ctx, tx, req.Table, req.RecordID)
	if err != nil {
		return remote.Response{}, err
	}
	if found && !req.Force && cur.UpdatedAt.After(req.ClientTimestamp) {
		// Not remembered: a forced retry of the same operation must get through.
		return remote.Response{
			OperationID:     req.OperationID,
			Outcome:         remote.OutcomeConflict,
			ServerValue:     cur.Data,
			ServerTimestamp: cur.UpdatedAt,
		}, nil
	}

	at := req.ClientTimestamp
	if at.IsZero() {
		at = s.now()
	}
	if found && cur.UpdatedAt.After(at) {
		at = s.now()
		if !at.After(cur.UpdatedAt) {
			at = cur.UpdatedAt.Add(time.Nanosecond)
		}
	}
	at = at.UTC()

	resp := remote.Response{OperationID: req.OperationID, Outcome: remote.OutcomeApplied, ServerTimestamp: at}
	switch req.Type {
	case model.OpDelete:
		if err := deleteRecord(ctx, tx, req.Table, req.RecordID); err != nil {
			return remote.Response{}, err
		}
	default:
		var fields map[string]any
		if err := json.Unmarshal(req.Payload, &fields); err != nil {
			return remote.Response{}, err
		}
		if req.Type == model.OpUpdate && found {
			merged := make(map[string]any)
			if err := json.Unmarshal(cur.Data, &merged); err != nil {
				return remote.Response{}, fmt.Errorf("decode %s/%s: %w", req.Table, req.RecordID, err)
			}
			maps.Copy(merged, fields)
			fields = merged
		}
		for k, v := range fields {
			if v == nil {
				delete(fields, k)
			}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return remote.Response{}, err
		}
		if err := s.saveRecord(ctx, tx, Record{Table: req.Table, ID: req.RecordID, Data: data, UpdatedAt: at}); err != nil {
			return remote.Response{}, err
		}
		resp.ServerValue = data
	}

	if err := rememberResponse(ctx, tx, resp, s.now()); err != nil {
		return remote.Response{}, err
	}
	return resp, nil
}

// Get returns the stored copy of a record.
func (s *Server) Get(ctx context.Context, table, id string) (Record, bool, error) {
	return loadRecord(ctx, s.db.DB, table, id)
}

func (s *Server) Routes(cfg config.ServerConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(api.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(api.CorsMiddleware(cfg.CorsOrigins))

	r.Get("/health", s.HealthCheck)
	r.Head("/health", s.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/bandwidth", s.BandwidthSample)

		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(cfg.AuthToken))
			r.Post("/sync/batch", s.ApplyBatch)
			r.Get("/records/{table}/{id}", s.GetRecord)
		})
	})

	return r
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.DB.PingContext(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte("OK"))
	}
}

// BandwidthSample streams ?bytes=N zero bytes for client throughput estimates.
func (s *Server) BandwidthSample(w http.ResponseWriter, r *http.Request) {
	n := defaultSampleBytes
	if v := r.URL.Query().Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "bytes must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxSampleBytes)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	w.Header().Set("Cache-Control", "no-store")
	chunk := make([]byte, 32<<10)
	for n > 0 {
		k := min(n, len(chunk))
		if _, err := w.Write(chunk[:k]); err != nil {
			return
		}
		n -= k
	}
}

func (s *Server) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var batch remote.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&batch); err != nil {
		http.Error(w, "invalid batch: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(batch); err != nil {
		http.Error(w, "invalid batch: "+err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.Apply(r.Context(), batch.Operations)
	if err != nil {
		http.Error(w, "failed to apply batch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, remote.BatchResponse{Results: results})
}

func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.Get(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("Failed to load record", zap.Error(err))
		http.Error(w, "failed to load record", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
