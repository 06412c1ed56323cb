package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"medscan/internal/blob"
	"medscan/internal/config"
	"medscan/internal/models"
	"medscan/internal/pipeline"
	"medscan/internal/store"
	"medscan/internal/telemetry"
)

// AnalysisStore is the persistence surface the API needs: creation at intake
// and owner-scoped reads. Runner-side mutations are deliberately absent.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, p store.CreateAnalysisParams) (models.Analysis, error)
	GetAnalysisForOwner(ctx context.Context, id, ownerID string) (models.Analysis, error)
	ListAnalyses(ctx context.Context, ownerID string, page, pageSize int) ([]models.Summary, int64, error)
}

// Queue schedules newly created analyses and exposes the failures list.
type Queue interface {
	Enqueue(ctx context.Context, analysisID string) error
	FailedPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter bounds per-owner submission rate.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for intake and the query API.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	store   AnalysisStore
	queue   Queue
	blobs   blob.Store
	limiter Limiter
}

// New constructs the API server.
func New(cfg config.Config, log *slog.Logger, st AnalysisStore, q Queue, blobs blob.Store, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		queue:   q,
		blobs:   blobs,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/analyses", s.handleSubmit)
	r.Get("/api/analyses", s.handleList)
	r.Get("/api/analyses/{id}", s.handleGet)
	r.Get("/api/failures", s.handleFailures)
	return r
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner identity")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	declaredType := header.Header.Get("Content-Type")
	route, ok := pipeline.RouteForFile(header.Filename, declaredType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported file type; expected an image (.png, .jpg) or signal file (.csv)")
		return
	}

	artifactID := uuid.New().String()
	key := fmt.Sprintf("%s/%s%s", owner, artifactID, filepath.Ext(header.Filename))
	ref, err := s.blobs.Put(r.Context(), key, body, declaredType)
	if err != nil {
		s.log.Error("artifact storage failed", "owner", owner, "err", err)
		writeError(w, http.StatusBadGateway, "artifact storage failed")
		return
	}

	// Thumbnails are a convenience for the history view; losing one never
	// blocks the analysis.
	var thumbRef *string
	if route == models.RouteImage {
		if thumb, err := makeThumbnail(body, s.cfg.ThumbnailWidth); err == nil {
			thumbKey := fmt.Sprintf("%s/%s_thumb.jpg", owner, artifactID)
			if tr, err := s.blobs.Put(r.Context(), thumbKey, thumb, "image/jpeg"); err == nil {
				thumbRef = &tr
			}
		} else {
			s.log.Warn("thumbnail generation failed", "owner", owner, "err", err)
		}
	}

	analysis, err := s.store.CreateAnalysis(r.Context(), store.CreateAnalysisParams{
		OwnerID:      owner,
		ArtifactRef:  ref,
		ThumbnailRef: thumbRef,
		OriginalName: header.Filename,
		MimeType:     declaredType,
		SizeBytes:    int64(len(body)),
		Route:        route,
	})
	if err != nil {
		s.log.Error("create analysis failed", "owner", owner, "err", err)
		writeError(w, http.StatusInternalServerError, "create analysis failed")
		return
	}

	if err := s.queue.Enqueue(r.Context(), analysis.ID); err != nil {
		s.log.Error("enqueue failed", "analysis_id", analysis.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule analysis")
		return
	}

	telemetry.Submissions.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{ID: analysis.ID, Status: analysis.Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner identity")
		return
	}
	id := chi.URLParam(r, "id")

	analysis, err := s.store.GetAnalysisForOwner(r.Context(), id, owner)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.log.Error("get analysis failed", "analysis_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type listResponse struct {
	Items      []models.Summary `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int64            `json:"total"`
	TotalPages int64            `json:"total_pages"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner identity")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := s.store.ListAnalyses(r.Context(), owner, page, pageSize)
	if err != nil {
		s.log.Error("list analyses failed", "owner", owner, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	totalPages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		totalPages++
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	})
}

// handleFailures returns recently failed analysis ids for operators.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.FailedPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read failures list")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ownerFromRequest returns the already-resolved subject identity. The
// identity provider in front of this service populates the header.
func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
