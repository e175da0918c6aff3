package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/observability"
	"github.com/example/cellsync/internal/store"
	syncstate "github.com/example/cellsync/internal/sync"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

// CellResponse is the body of cell reads.
type CellResponse struct {
	Table string `json:"table"`
	Row   string `json:"row"`
	Cell  string `json:"cell"`
	Value any    `json:"value"`
}

// RowResponse is the body of row writes.
type RowResponse struct {
	Table string         `json:"table"`
	Row   string         `json:"row"`
	Cells map[string]any `json:"cells"`
}

type cellWrite struct {
	Value any `json:"value"`
}

// PushResponse acknowledges an applied batch.
type PushResponse struct {
	Received    int    `json:"received"`
	Fingerprint uint32 `json:"fingerprint"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	if status := s.replica.Status(); status.Err != "" {
		writeError(w, http.StatusServiceUnavailable, status.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.replica.Tables())
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, ok := s.replica.GetCell(vars["table"], vars["row"], vars["cell"])
	if !ok {
		writeError(w, http.StatusNotFound, "cell not found")
		return
	}
	writeJSON(w, http.StatusOK, CellResponse{Table: vars["table"], Row: vars["row"], Cell: vars["cell"], Value: value})
}

func (s *Server) handlePutCell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body cellWrite
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required; use DELETE to remove a cell")
		return
	}
	value, err := types.NormalizeValue(body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.replica.SetCell(r.Context(), vars["table"], vars["row"], vars["cell"], value); err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CellResponse{Table: vars["table"], Row: vars["row"], Cell: vars["cell"], Value: value})
}

// handlePutRow writes every cell of the body in one store transaction, so the
// cells share a single batch on the wire.
func (s *Server) handlePutRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "row must contain at least one cell")
		return
	}
	cells := make(map[string]any, len(body))
	for cell, raw := range body {
		if raw == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cell %q: value is required; use DELETE to remove a cell", cell))
			return
		}
		value, err := types.NormalizeValue(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cell %q: %v", cell, err))
			return
		}
		cells[cell] = value
	}
	if err := s.replica.SetRow(r.Context(), vars["table"], vars["row"], cells); err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RowResponse{Table: vars["table"], Row: vars["row"], Cells: cells})
}

func (s *Server) handleDeleteCell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.replica.DeleteCell(r.Context(), vars["table"], vars["row"], vars["cell"]); err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	codec := wire.ForContentType(r.Header.Get("Accept"))
	data, err := codec.EncodeDigest(s.replica.Digest())
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	writeBody(w, codec, data)
}

// handlePull answers with the entries the caller's digest lacks. A digest
// that fails to decode is treated as empty, so the caller gets everything.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "transport.pull")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	var digest *trie.Node
	if len(body) > 0 {
		digest, err = wire.ForContentType(r.Header.Get("Content-Type")).DecodeDigest(body)
		if err != nil {
			s.logger.Warn().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("undecodable digest; sending full log")
			digest = nil
		}
	}

	msg := s.replica.GetChanges(digest)
	span.SetAttributes(attribute.Int("entries", len(msg)))

	codec := wire.ForContentType(r.Header.Get("Accept"))
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		span.RecordError(err)
		s.writeSyncError(w, r.WithContext(ctx), err)
		return
	}
	writeBody(w, codec, data)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "transport.push")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	msg, err := wire.ForContentType(r.Header.Get("Content-Type")).DecodeMessage(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed batch")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("entries", len(msg)))

	if err := s.replica.SetChanges(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		s.writeSyncError(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{Received: len(msg), Fingerprint: s.replica.Status().Fingerprint})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.replica.Status())
}

// statusFor maps sync errors onto HTTP status codes.
func statusFor(err error) int {
	var formatErr *hlc.FormatError
	var txErr *syncstate.StoreTransactionError
	switch {
	case errors.As(err, &formatErr),
		errors.Is(err, wire.ErrMalformed),
		errors.Is(err, hlc.ErrClockDrift),
		errors.Is(err, store.ErrInvalidCell):
		return http.StatusBadRequest
	case errors.Is(err, syncstate.ErrApplying):
		return http.StatusConflict
	case errors.Is(err, hlc.ErrClockOverflow):
		return http.StatusServiceUnavailable
	case errors.As(err, &txErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := observability.LoggerWithTrace(r.Context(), s.logger)
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", wire.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeBody(w http.ResponseWriter, codec wire.Codec, data []byte) {
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
