package webui

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/camera"
	"github.com/lonetech/pyly/internal/config"
	"github.com/lonetech/pyly/internal/f01"
)

// Camera is the part of camera.Camera the API serves.
type Camera interface {
	HardwareInfo() (*f01.HardwareInfo, error)
	Pictures() ([]f01.PictureRecord, error)
	Download(kind f01.LoadKind, name string, format f01.PictureFormat) ([]byte, error)
	Previews(pictures []f01.PictureRecord) map[string][]byte
}

// StatusFunc returns the latest monitor snapshot.
type StatusFunc func() camera.Status

type handler struct {
	cam      Camera
	name     string
	status   StatusFunc
	settings *config.Store

	infoMu sync.Mutex
	info   *f01.HardwareInfo // cached after the first successful read
}

// NewHandler creates the HTTP JSON API for cam. status may be nil when no
// monitor runs; settings may be nil to disable the settings endpoints.
func NewHandler(cam Camera, name string, status StatusFunc, settings *config.Store) http.Handler {
	h := &handler{cam: cam, name: name, status: status, settings: settings}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/pictures", h.handlePictures)
	mux.HandleFunc("GET /api/catalog.pdf", h.handleCatalog)
	mux.HandleFunc("GET /api/download", h.handleDownload)
	if settings != nil {
		mux.HandleFunc("GET /api/settings", h.handleGetSettings)
		mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	}
	return mux
}

// hardwareInfo returns the camera identity, reading it from the camera only
// until one read succeeds.
func (h *handler) hardwareInfo() (*f01.HardwareInfo, error) {
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	if h.info != nil {
		return h.info, nil
	}
	info, err := h.hardwareInfo()
	if err != nil {
		return nil, err
	}
	h.info = info
	return info, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// httpError maps camera errors onto status codes.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	if errors.Is(err, f01.ErrNotFound) {
		code = http.StatusNotFound
	}
	slog.Warn("api request failed", "path", r.URL.Path, "status", code, "err", err)
	http.Error(w, err.Error(), code)
}

type statusResponse struct {
	Camera    string        `json:"camera"`
	Online    bool          `json:"online"`
	Battery   float32       `json:"battery"`
	Time      string        `json:"time,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Hardware  *hardwareJSON `json:"hardware,omitempty"`
	UpdatedAt string        `json:"updatedAt"`
}

type hardwareJSON struct {
	Vendor    string `json:"vendor"`
	Serial    string `json:"serial"`
	Build     string `json:"build"`
	SWVersion string `json:"swVersion"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Camera: h.name}
	if h.status != nil {
		s := h.status()
		resp.Online = !s.UpdatedAt.IsZero() && s.LastError == ""
		resp.Battery = s.Battery
		resp.LastError = s.LastError
		if !s.Time.IsZero() {
			resp.Time = s.Time.UTC().Format(time.RFC3339Nano)
		}
		if !s.UpdatedAt.IsZero() {
			resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
		}
	}
	if info, err := h.hardwareInfo(); err == nil {
		resp.Hardware = &hardwareJSON{Vendor: info.Vendor, Serial: info.Serial, Build: info.Build, SWVersion: info.SWVersion}
	} else {
		slog.Debug("hardware info unavailable", "err", err)
		resp.Online = false
		if resp.LastError == "" {
			resp.LastError = err.Error()
		}
	}
	if resp.UpdatedAt == "" {
		resp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

type pictureJSON struct {
	Path      string  `json:"path"`
	ID        string  `json:"id"`
	Folder    uint32  `json:"folder"`
	File      uint32  `json:"file"`
	Timestamp string  `json:"timestamp"`
	Rotation  int     `json:"rotation"`
	Starred   bool    `json:"starred"`
	Focus     float32 `json:"focus"`
}

func (h *handler) handlePictures(w http.ResponseWriter, r *http.Request) {
	pics, err := h.cam.Pictures()
	if err != nil {
		httpError(w, r, err)
		return
	}
	out := make([]pictureJSON, 0, len(pics))
	for i := range pics {
		p := &pics[i]
		out = append(out, pictureJSON{
			Path:      p.PathName("RAW"),
			ID:        p.ID,
			Folder:    p.Folder,
			File:      p.File,
			Timestamp: p.Timestamp,
			Rotation:  p.Rotation,
			Starred:   p.Starred,
			Focus:     p.Focus,
		})
	}
	writeJSON(w, out)
}

func (h *handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	pics, err := h.cam.Pictures()
	if err != nil {
		httpError(w, r, err)
		return
	}
	info, err := h.hardwareInfo()
	if err != nil {
		slog.Debug("catalog without hardware info", "err", err)
	}
	var previews map[string][]byte
	if v, _ := strconv.ParseBool(r.URL.Query().Get("previews")); v {
		previews = h.cam.Previews(pics)
	}
	data, err := camera.GenerateCatalog(info, pics, previews)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

var formatTypes = map[f01.PictureFormat]string{
	f01.FormatJPEG: "image/jpeg",
	f01.FormatTXT:  "application/json",
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := f01.ParseLoadKind(q.Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := q.Get("name")
	if (kind == f01.LoadPicture || kind == f01.LoadFile) && name == "" {
		http.Error(w, fmt.Sprintf("%s download needs a name", kind), http.StatusBadRequest)
		return
	}
	format := f01.FormatNone
	if v := q.Get("format"); v != "" {
		if format, err = f01.ParsePictureFormat(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else if kind == f01.LoadPicture {
		format = f01.FormatJPEG
	}

	data, err := h.cam.Download(kind, name, format)
	if err != nil {
		httpError(w, r, err)
		return
	}
	ct := "application/octet-stream"
	if t, ok := formatTypes[format]; ok && kind == f01.LoadPicture {
		ct = t
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.settings.Update(s); err != nil {
		slog.Warn("settings update rejected", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s)
}
