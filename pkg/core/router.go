package core

import (
	"net/http"
)

// Handler returns an http.Handler serving the blob API. Every operation is
// reachable both at the root (POST /, GET|DELETE /{key}) and under
// /upload, /download/{key} and /delete/{key}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleIndex(ctx, w, r)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleHealth(ctx, w, r)
	})

	// Upload
	mux.HandleFunc("POST /{$}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleUpload(ctx, w, r)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleUpload(ctx, w, r)
	})

	// Download (GET patterns also match HEAD)
	mux.HandleFunc("GET /{key}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")
		s.handleDownload(ctx, w, r, key)
	})
	mux.HandleFunc("GET /download/{key}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")
		s.handleDownload(ctx, w, r, key)
	})

	// Delete
	mux.HandleFunc("DELETE /{key}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")
		s.handleDelete(ctx, w, r, key)
	})
	mux.HandleFunc("DELETE /delete/{key}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")
		s.handleDelete(ctx, w, r, key)
	})

	// Add middleware
	handler := SlashFix(mux)
	if s.Config.RateLimit > 0 {
		handler = RateLimit(s.Config.RateLimit, s.Config.RateBurst)(handler)
	}
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	return handler
}
