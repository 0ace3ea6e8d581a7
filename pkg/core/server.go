package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	localstorage "github.com/eteran/hashstore/internal/storage"
	"github.com/eteran/hashstore/internal/ui"
	"github.com/eteran/hashstore/pkg/storage"
)

const notFoundMessage = "File not found"

// Server exposes a StorageEngine over HTTP.
type Server struct {
	Config Config
}

// NewServer returns a Server for cfg. Without an explicit engine the server
// stores blobs on the local filesystem under cfg.DataDir.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = storage.DefaultChunkSize
	}

	if cfg.Engine == nil {
		if cfg.DataDir == "" {
			return nil, errors.New("DataDir must not be empty")
		}

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}

		cfg.Engine = localstorage.NewLocalFileStorage(cfg.DataDir,
			localstorage.WithChunkSize(cfg.ChunkSize),
			localstorage.WithWorkers(cfg.Workers),
		)
	}

	return &Server{Config: cfg}, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeNotFound(w http.ResponseWriter) {
	writeText(w, http.StatusNotFound, notFoundMessage)
}

func writeInternalError(w http.ResponseWriter) {
	writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

// handleUpload stores the request body and replies with its key.
func (s *Server) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	existed, key, err := s.Config.Engine.Upload(ctx, r.Body)

	if errors.Is(err, storage.ErrUploadAborted) {
		slog.Warn("Upload aborted", "err", err)
		writeText(w, http.StatusBadRequest, "Upload aborted")
		return
	}

	if err != nil {
		slog.Error("Store upload", "err", err)
		writeInternalError(w)
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}

	slog.Debug("Stored upload", "key", key, "existed", existed)
	writeText(w, status, key)
}

// handleDownload streams the blob stored under key. HEAD requests get the
// status and headers only.
func (s *Server) handleDownload(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	stream, err := s.Config.Engine.Find(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		writeNotFound(w)
		return
	}

	if err != nil {
		slog.Error("Find blob", "key", key, "err", err)
		writeInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+key+`"`)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	started := false
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			if !started {
				if errors.Is(err, storage.ErrNotFound) {
					writeNotFound(w)
					return
				}
				slog.Error("Open blob", "key", key, "err", err)
				writeInternalError(w)
				return
			}

			// The status line is already out; cut the connection so the
			// client sees a truncated transfer.
			slog.Error("Stream blob", "key", key, "err", err)
			panic(http.ErrAbortHandler)
		}

		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}

		if _, err := w.Write(chunk); err != nil {
			slog.Debug("Client went away", "key", key, "err", err)
			return
		}
	}

	if !started {
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	err := s.Config.Engine.Delete(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		writeNotFound(w)
		return
	}

	if err != nil {
		slog.Error("Delete blob", "key", key, "err", err)
		writeInternalError(w)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleIndex(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.IndexPage().Render(ctx, w); err != nil {
		slog.Error("Render index", "err", err)
	}
}
