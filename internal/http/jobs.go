package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"tilestream/internal/bulk"
	"tilestream/internal/catalog"
	"tilestream/internal/geo"
	"tilestream/internal/layer"
	"tilestream/internal/lod"
	"tilestream/internal/tile"
)

const maxBodyBytes = 1 << 20

// Jobs tracks the bulk prefetch jobs started over HTTP. Jobs outlive the request
// that started them and stop when the registry is closed.
type Jobs struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*bulk.Handle
}

func NewJobs() *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{ctx: ctx, cancel: cancel, jobs: map[string]*bulk.Handle{}}
}

func (j *Jobs) Add(h *bulk.Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[h.ID()] = h
}

func (j *Jobs) Get(id string) (*bulk.Handle, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	h, ok := j.jobs[id]
	return h, ok
}

// Close cancels every job and waits for them to stop.
func (j *Jobs) Close() {
	j.cancel()
	j.mu.Lock()
	handles := make([]*bulk.Handle, 0, len(j.jobs))
	for _, h := range j.jobs {
		handles = append(handles, h)
	}
	j.mu.Unlock()
	for _, h := range handles {
		<-h.Done()
	}
}

type jobResponse struct {
	ID       string        `json:"id"`
	Dataset  string        `json:"dataset"`
	Level    int           `json:"level"`
	Sector   geo.Sector    `json:"sector"`
	State    bulk.State    `json:"state"`
	Progress bulk.Progress `json:"progress"`
	Percent  float64       `json:"percent"`
	Error    string        `json:"error,omitempty"`
}

func newJobResponse(h *bulk.Handle) jobResponse {
	p := h.Progress()
	resp := jobResponse{
		ID:       h.ID(),
		Dataset:  h.Source().Name(),
		Level:    h.Level(),
		Sector:   h.Sector(),
		State:    h.State(),
		Progress: p,
		Percent:  p.Percent(),
	}
	select {
	case <-h.Done():
		if err := h.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			resp.Error = err.Error()
		}
	default:
	}
	return resp
}

type prefetchRequest struct {
	Sector *geo.Sector `json:"sector"`
	// Resolution is in radians per texel; Level picks the resolution of that level instead.
	Resolution float64 `json:"resolution"`
	Level      *int    `json:"level"`
}

func (h *Handlers) handlePrefetch(w http.ResponseWriter, r *http.Request, ds *catalog.Dataset) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ds.Tiled == nil {
		http.Error(w, "dataset does not support prefetch", http.StatusBadRequest)
		return
	}

	var req prefetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	sector := ds.Levels.Sector()
	if req.Sector != nil {
		sector = *req.Sector
	}
	resolution, ok := resolutionFor(ds, req.Resolution, req.Level)
	if !ok {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}

	opts := []bulk.Option{
		bulk.WithLogger(h.logger),
		bulk.WithPollDelay(h.config.BulkPollDelay),
		bulk.WithListener(func(e bulk.Event) {
			if e.Type == bulk.RetrievalFailed {
				h.logger.Debug("Prefetch retrieval failed", zap.String("dataset", e.Source), zap.String("path", e.Path), zap.Error(e.Err))
			}
		}),
	}
	if h.config.BulkRate > 0 {
		opts = append(opts, bulk.WithRate(h.config.BulkRate))
	}

	handle, err := ds.Tiled.MakeLocal(h.jobs.ctx, sector, resolution, opts...)
	if err != nil {
		if errors.Is(err, bulk.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to start prefetch", zap.String("dataset", ds.Name()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jobs.Add(handle)

	h.logger.Info("Started prefetch",
		zap.String("job", handle.ID()),
		zap.String("dataset", ds.Name()),
		zap.Stringer("sector", sector),
		zap.Int("level", handle.Level()))
	writeJSON(w, http.StatusAccepted, newJobResponse(handle))
}

// resolutionFor prefers an explicit level's texel size over a raw resolution.
func resolutionFor(ds *catalog.Dataset, resolution float64, levelNumber *int) (float64, bool) {
	if levelNumber == nil {
		return resolution, true
	}
	l := ds.Levels.Level(*levelNumber)
	if l == nil {
		return 0, false
	}
	return l.TexelSize(), true
}

func (h *Handlers) HandlePrefetchRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/prefetch/"), "/")
	handle, ok := h.jobs.Get(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newJobResponse(handle))
	case http.MethodDelete:
		handle.Cancel()
		<-handle.Done()
		h.logger.Info("Canceled prefetch", zap.String("job", id))
		writeJSON(w, http.StatusOK, newJobResponse(handle))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type estimateResponse struct {
	Dataset string     `json:"dataset"`
	Sector  geo.Sector `json:"sector"`
	Bytes   int64      `json:"bytes"`
	Size    string     `json:"size"`
}

func (h *Handlers) handleEstimate(w http.ResponseWriter, r *http.Request, ds *catalog.Dataset) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ds.Tiled == nil {
		http.Error(w, "dataset does not support prefetch", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	sector := ds.Levels.Sector()
	if q.Has("min_lat") || q.Has("max_lat") || q.Has("min_lon") || q.Has("max_lon") {
		var vals [4]float64
		for i, k := range []string{"min_lat", "max_lat", "min_lon", "max_lon"} {
			v, err := strconv.ParseFloat(q.Get(k), 64)
			if err != nil {
				http.Error(w, "Invalid "+k, http.StatusBadRequest)
				return
			}
			vals[i] = v
		}
		s, err := geo.NewSector(vals[0], vals[1], vals[2], vals[3])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sector = s
	}

	var resolution float64
	var levelNumber *int
	if v := q.Get("level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid level", http.StatusBadRequest)
			return
		}
		levelNumber = &n
	} else if v := q.Get("resolution"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Invalid resolution", http.StatusBadRequest)
			return
		}
		resolution = f
	}
	resolution, ok := resolutionFor(ds, resolution, levelNumber)
	if !ok {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}

	size := ds.Tiled.EstimatedMissingDataSize(sector, resolution)
	writeJSON(w, http.StatusOK, estimateResponse{
		Dataset: ds.Name(),
		Sector:  sector,
		Bytes:   size,
		Size:    humanize.Bytes(uint64(max(size, 0))),
	})
}

type viewRequest struct {
	Eye           geo.Position `json:"eye"`
	Center        *geo.LatLon  `json:"center"`
	VisibleSector *geo.Sector  `json:"visible_sector"`
	FieldOfView   float64      `json:"field_of_view"`
	// Aspect enables frustum culling when positive.
	Aspect float64 `json:"aspect"`
}

func (vr viewRequest) view() lod.View {
	v := lod.View{Eye: vr.Eye, Center: vr.Eye.LatLon, FieldOfView: vr.FieldOfView}
	if vr.Center != nil {
		v.Center = *vr.Center
	}
	if vr.VisibleSector != nil {
		v.VisibleSector = *vr.VisibleSector
	}
	if vr.Aspect > 0 {
		fov := vr.FieldOfView
		if fov <= 0 {
			fov = 45
		}
		eye := v.EyePoint()
		f := lod.LookAtFrustum(eye, v.ReferencePoint(), fov, vr.Aspect, 1, 2*eye.Norm())
		v.Frustum = &f
	}
	return v
}

type selectedTile struct {
	Key           tile.Key               `json:"key"`
	FallbackLevel *int                   `json:"fallback_level,omitempty"`
	Transform     tile.FallbackTransform `json:"transform"`
}

type frameResponse struct {
	Tiles           []selectedTile   `json:"tiles"`
	Stats           lod.Stats        `json:"stats"`
	Requested       int              `json:"requested"`
	Dropped         int              `json:"dropped"`
	AtMaxResolution bool             `json:"at_max_resolution"`
	Names           []tile.PlaceName `json:"names,omitempty"`
}

func (h *Handlers) handleSelect(w http.ResponseWriter, r *http.Request, ds *catalog.Dataset) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req viewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.VisibleSector != nil {
		if err := req.VisibleSector.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	v := req.view()

	var frame layer.Frame
	resp := frameResponse{}
	if ds.Tiled != nil {
		frame = ds.Tiled.Select(v)
		resp.AtMaxResolution = ds.Tiled.AtMaxResolution(v)
	} else {
		frame = ds.Names.Select(v)
		resp.Names = layer.Names(frame)
	}

	resp.Tiles = make([]selectedTile, len(frame.Tiles))
	for i, st := range frame.Tiles {
		resp.Tiles[i] = selectedTile{Key: st.Tile.Key(), Transform: st.Transform}
		if st.Fallback != nil {
			lvl := st.Fallback.LevelNumber()
			resp.Tiles[i].FallbackLevel = &lvl
		}
	}
	resp.Stats = frame.Stats
	resp.Requested = frame.Requested
	resp.Dropped = frame.Dropped
	writeJSON(w, http.StatusOK, resp)
}
