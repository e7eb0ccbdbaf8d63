// Package api provides HTTP handlers for the Granite volume server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/jobstore"
	"github.com/granite-tiles/server/internal/service"
	"github.com/granite-tiles/server/internal/xfdl"
	"github.com/granite-tiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Granite-Level", "X-Granite-Bounds", "X-Granite-Cell-Bounds", "X-Granite-Fields", "X-Granite-Origin", "X-Granite-Spacing"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Post("/api/datasets/{dataset}/reload", reloadHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		// Slice images
		r.Get("/slices/{level}/{z}.png", datasetHandler(sliceHandler))
		r.Get("/slices/{level}/{z}/blocks.png", datasetHandler(blockMapHandler))

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", datasetHandler(metadataHandler))
			r.Get("/levels", datasetHandler(levelsHandler))
			r.Get("/fields", datasetHandler(fieldsHandler))
			r.Get("/stats", datasetHandler(statsHandler))
			r.Get("/volume", datasetHandler(volumeHandler))
			r.Put("/voi", datasetHandler(setVOIHandler))
			r.Delete("/voi", datasetHandler(clearVOIHandler))
			r.Get("/amr", datasetHandler(amrMetadataHandler))
			r.Get("/amr/blocks/{id}", datasetHandler(amrBlockHandler))

			// Export job endpoints
			r.Route("/export/jobs", func(r chi.Router) {
				r.Post("/", exportJobSubmitHandler(cfg.JobManager))
				r.Get("/", exportJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", exportJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/files", exportJobFilesHandler(cfg.JobManager))
				r.Delete("/{job_id}", exportJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the volume service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.VolumeService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.VolumeService); ok {
		return svc
	}
	return nil
}

// datasetHandler adapts a handler factory to the service injected by datasetMiddleware.
func datasetHandler(h func(*service.VolumeService) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		h(svc)(w, r)
	}
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var remote *granite.RemoteError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotAMR):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, granite.ErrNotOpen), errors.Is(err, granite.ErrRuntimeInit):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &remote):
		http.Error(w, "granite: "+err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"colormaps": colormap.Names(),
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}

// queryFloat parses an optional float query parameter; nil when absent.
func queryFloat(r *http.Request, name string) (*float64, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return &v, nil
}

// queryBounds parses the optional bounds=x0,x1,y0,y1,z0,z1 parameter.
func queryBounds(r *http.Request) (*granite.Bounds, error) {
	s := strings.TrimSpace(r.URL.Query().Get("bounds"))
	if s == "" {
		return nil, nil
	}
	b, err := granite.ParseBounds(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func formatFloats(v [3]float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func metadataHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.Information()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func levelsHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		levels, err := svc.Levels()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"levels": levels,
		})
	}
}

func fieldsHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Fields())
	}
}

func statsHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := queryInt(r, "level", -1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := r.URL.Query()
		st, err := svc.Stats(level, q.Get("array"), q.Get("component"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// volumeHandler streams the requested extent as big-endian float32 values,
// every array and component of a sample together, x varying fastest.
func volumeHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := queryInt(r, "level", -1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, err := queryBounds(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		vd, err := svc.ReadExtent(level, b)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		var buf bytes.Buffer
		values := vd.Data.Interleaved()
		buf.Grow(len(values) * xfdl.FloatSize)
		if err := xfdl.WriteFloats(&buf, values); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("X-Granite-Level", strconv.Itoa(vd.Level))
		h.Set("X-Granite-Bounds", vd.Bounds.String())
		h.Set("X-Granite-Fields", strings.Join(vd.Data.AttributeNames(), ","))
		h.Set("X-Granite-Origin", formatFloats(vd.Origin))
		h.Set("X-Granite-Spacing", formatFloats(vd.Spacing))
		w.Write(buf.Bytes())
	}
}

func setVOIHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := queryBounds(r)
		if err != nil || b == nil {
			http.Error(w, "bounds=x0,x1,y0,y1,z0,z1 is required", http.StatusBadRequest)
			return
		}
		if err := svc.SetVOI(*b); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"voi": *b,
		})
	}
}

func clearVOIHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ClearVOI()
		w.WriteHeader(http.StatusNoContent)
	}
}

// reloadHandler reopens a dataset, or retries one that failed to open.
func reloadHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := chi.URLParam(r, "dataset")
		if err := registry.Reload(datasetID); err != nil {
			if errors.Is(err, ErrUnknownDataset) {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dataset_id": datasetID,
			"reloaded":   true,
		})
	}
}

func amrMetadataHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		md, err := svc.AMRMetadata()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, md)
	}
}

func amrBlockHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid block id", http.StatusBadRequest)
			return
		}
		blk, err := svc.AMRBlock(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("X-Granite-Level", strconv.Itoa(blk.Level))
		h.Set("X-Granite-Bounds", blk.Box.String())
		h.Set("X-Granite-Cell-Bounds", blk.Box.CellBounds().String())
		h.Set("X-Granite-Spacing", formatFloats(blk.Spacing))
		w.Write(blk.Payload)
	}
}

func slicePosition(r *http.Request) (int, int, error) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid level")
	}
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid z")
	}
	return level, z, nil
}

func sliceHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, z, err := slicePosition(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		min, err := queryFloat(r, "min")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		max, err := queryFloat(r, "max")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		data, err := svc.RenderSlice(service.SliceRequest{
			Level:     level,
			Z:         z,
			Array:     q.Get("array"),
			Component: q.Get("component"),
			Colormap:  q.Get("colormap"),
			Min:       min,
			Max:       max,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func blockMapHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, z, err := slicePosition(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := svc.RenderBlockMap(level, z)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

// Export job handlers

type exportJobSubmitRequest struct {
	Name     string `json:"name"`
	Level    *int   `json:"level"`
	Bounds   string `json:"bounds"`
	Levels   int    `json:"levels"`
	Steps    int    `json:"steps"`
	Compress bool   `json:"compress"`
}

func exportJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req exportJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate and apply defaults
		if req.Name == "" {
			req.Name = "base"
		}
		if strings.ContainsAny(req.Name, `/\`) || strings.HasPrefix(req.Name, ".") {
			http.Error(w, "invalid name", http.StatusBadRequest)
			return
		}
		if req.Bounds != "" {
			if _, err := granite.ParseBounds(req.Bounds); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		level := -1
		if req.Level != nil {
			level = *req.Level
		}
		if req.Levels <= 0 {
			req.Levels = 1
		}
		if req.Levels > 16 {
			http.Error(w, "levels must be at most 16", http.StatusBadRequest)
			return
		}
		if req.Steps < 2 {
			req.Steps = 2
		}

		datasetID := chi.URLParam(r, "dataset")
		job, err := jm.Submit(jobstore.ExportParams{
			DatasetID: datasetID,
			Name:      req.Name,
			Level:     level,
			Bounds:    req.Bounds,
			Levels:    req.Levels,
			Steps:     req.Steps,
			Compress:  req.Compress,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func exportJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs := jm.List(chi.URLParam(r, "dataset"))
		if jobs == nil {
			jobs = []*jobstore.ExportJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobs,
		})
	}
}

// datasetJob loads a job and checks that it belongs to the URL's dataset.
func datasetJob(jm *JobManager, r *http.Request) *jobstore.ExportJob {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func exportJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func exportJobFilesHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		files, err := jm.Files(job.ID)
		if err != nil {
			http.Error(w, "failed to list files: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":      job.ID,
			"output_path": job.OutputPath,
			"bytes":       job.Bytes,
			"files":       files,
		})
	}
}

func exportJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cancelled := jm.Cancel(job.ID)
		if r.URL.Query().Get("purge") == "true" {
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": cancelled,
		})
	}
}
