package http

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tilestream/internal/catalog"
	"tilestream/internal/layer"
	"tilestream/internal/metrics"
	"tilestream/internal/render"
	"tilestream/internal/tile"
)

var contentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"dds":  "image/vnd-ms.dds",
}

type tileSource interface {
	Lookup(levelNumber, row, column int) (layer.SelectedTile, error)
}

func sourceOf(ds *catalog.Dataset) tileSource {
	if ds.Tiled != nil {
		return ds.Tiled
	}
	return ds.Names
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, ds *catalog.Dataset, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var lvl, row, col int
	if _, err := fmt.Sscanf(tileParts[0], "%d", &lvl); err != nil {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}
	if _, err := fmt.Sscanf(tileParts[1], "%d", &row); err != nil {
		http.Error(w, "Invalid row", http.StatusBadRequest)
		return
	}
	colPart := strings.TrimSuffix(tileParts[2], filepath.Ext(tileParts[2]))
	if _, err := fmt.Sscanf(colPart, "%d", &col); err != nil {
		http.Error(w, "Invalid column", http.StatusBadRequest)
		return
	}
	if lvl < 0 || row < 0 || col < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}

	st, err := sourceOf(ds).Lookup(lvl, row, col)
	switch {
	case err == nil:
	case errors.Is(err, layer.ErrNoSuchTile), errors.Is(err, layer.ErrAbsent), errors.Is(err, layer.ErrOffline):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, layer.ErrPending):
		pending(w)
		return
	default:
		h.logger.Error("Failed to look up tile", zap.String("dataset", ds.Name()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var data []byte
	contentType := "application/octet-stream"
	switch p := st.Payload.(type) {
	case *tile.TexturePayload:
		if st.Fallback != nil {
			data, err = h.composeFallback(ds, st, p)
			if err != nil {
				h.logger.Debug("Fallback unavailable", zap.Stringer("tile", st.Tile), zap.Error(err))
				pending(w)
				return
			}
			contentType = "image/jpeg"
			w.Header().Set("X-Tile-Fallback-Level", strconv.Itoa(st.Fallback.LevelNumber()))
			w.Header().Set("Cache-Control", "no-store")
			break
		}
		data = p.Data
		if ct, ok := contentTypes[strings.ToLower(p.Format)]; ok {
			contentType = ct
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
	case *tile.NavigationPayload:
		if st.Fallback != nil {
			pending(w)
			return
		}
		writeJSON(w, http.StatusOK, p.Names)
		return
	default:
		http.Error(w, "unsupported payload", http.StatusInternalServerError)
		return
	}

	etag := `"` + render.ETag(data) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) composeFallback(ds *catalog.Dataset, st layer.SelectedTile, p *tile.TexturePayload) ([]byte, error) {
	if !render.CanCompose(p.Format) {
		return nil, fmt.Errorf("%w: %q", render.ErrUnsupportedFormat, p.Format)
	}
	l := st.Tile.Level()
	data, err := h.composer.Compose(p, st.Transform, l.TileWidth(), l.TileHeight())
	if err != nil {
		return nil, err
	}
	metrics.FallbacksComposed.WithLabelValues(ds.Name()).Inc()
	return data, nil
}

func pending(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	http.Error(w, "tile is being retrieved", http.StatusServiceUnavailable)
}
