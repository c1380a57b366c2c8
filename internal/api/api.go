// Package api serves the engine over a local HTTP API with a small status
// page, a Server-Sent Events feed and Prometheus metrics.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/history"
	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/proxy"
	"github.com/abcdlsj/devnest/pkg/syncq"
)

var (
	//go:embed tmpl/*.html
	tmplFS embed.FS

	tmpl = template.Must(template.New("").Funcs(template.FuncMap{
		"shortID": docker.ShortID,
	}).ParseFS(tmplFS, "tmpl/*.html"))
)

// Engine is what the API needs from the engine.
type Engine interface {
	Ping(ctx context.Context) error
	ListManagedResources(ctx context.Context) ([]docker.Resource, error)
	ContainerState(ctx context.Context, kind labels.Kind, owner string) (docker.ContainerState, error)
	Start(ctx context.Context, kind labels.Kind, owner string) error
	Stop(ctx context.Context, kind labels.Kind, owner string) error
	Restart(ctx context.Context, kind labels.Kind, owner string) error
	ReconcileProxy(ctx context.Context) (proxy.Result, error)
	ProjectTransfer(id string) (engine.TransferRequest, error)
	CopyToVolume(req engine.TransferRequest) (*engine.Job, error)
	SyncToVolume(req engine.TransferRequest) (*engine.Job, error)
	SyncFromVolume(req engine.TransferRequest) (*engine.Job, error)
	Jobs() []engine.JobInfo
	QueueStatus() syncq.Status
	CancelJob(owner string) bool
	Subscribe(buffer int) (<-chan events.Message, func())
}

// History is a source of finished job records.
type History interface {
	Data() *history.Data
}

type Handler struct {
	eng       Engine
	status    func() events.ConnectionStatus
	history   History
	tokenHash string
	logger    *log.Logger
}

// New builds the handler. status, if set, reports the event monitor's
// connection for /healthz and the status page.
func New(eng Engine, status func() events.ConnectionStatus, tokenHash string) *Handler {
	return &Handler{
		eng:       eng,
		status:    status,
		tokenHash: tokenHash,
		logger:    log.WithPrefix("api"),
	}
}

// WithHistory serves src under /api/history.
func (h *Handler) WithHistory(src History) *Handler {
	h.history = src
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/resources", h.handleResources)
	mux.HandleFunc("GET /api/containers/{kind}/{owner}", h.handleContainer)
	mux.HandleFunc("POST /api/containers/{kind}/{owner}/{action}", h.authMiddleware(h.handleLifecycle))
	mux.HandleFunc("POST /api/reconcile", h.authMiddleware(h.handleReconcile))
	mux.HandleFunc("GET /api/jobs", h.handleJobs)
	mux.HandleFunc("POST /api/jobs/{owner}/cancel", h.authMiddleware(h.handleCancel))
	mux.HandleFunc("POST /api/projects/{id}/{op}", h.authMiddleware(h.handleTransfer))
	mux.HandleFunc("GET /api/history", h.handleHistory)
	mux.HandleFunc("GET /api/events", h.handleEvents)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, docker.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docker.ErrConflict), errors.Is(err, syncq.ErrOwnerBusy):
		return http.StatusConflict
	case errors.Is(err, docker.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, docker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, code, err.Error())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := map[string]any{"runtime": "ok"}
	code := http.StatusOK
	if err := h.eng.Ping(ctx); err != nil {
		body["runtime"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.status != nil {
		body["monitor"] = h.status()
	}
	writeJSON(w, code, body)
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.ListManagedResources(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res == nil {
		res = []docker.Resource{}
	}
	writeJSON(w, http.StatusOK, res)
}

func parseKind(w http.ResponseWriter, r *http.Request) (labels.Kind, bool) {
	kind := labels.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return "", false
	}
	return kind, true
}

func (h *Handler) handleContainer(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	st, err := h.eng.ContainerState(r.Context(), kind, r.PathValue("owner"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	owner := r.PathValue("owner")

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = h.eng.Start(r.Context(), kind, owner)
	case "stop":
		err = h.eng.Stop(r.Context(), kind, owner)
	case "restart":
		err = h.eng.Restart(r.Context(), kind, owner)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.ReconcileProxy(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type jobsResponse struct {
	Queue syncq.Status     `json:"queue"`
	Jobs  []engine.JobInfo `json:"jobs"`
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobsResponse{Queue: h.eng.QueueStatus(), Jobs: h.eng.Jobs()})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.eng.CancelJob(r.PathValue("owner")) {
		writeError(w, http.StatusNotFound, "no unfinished job for this owner")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	req, err := h.eng.ProjectTransfer(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var job *engine.Job
	switch op := r.PathValue("op"); op {
	case "copy":
		job, err = h.eng.CopyToVolume(req)
	case "sync-to-volume":
		job, err = h.eng.SyncToVolume(req)
	case "sync-from-volume":
		job, err = h.eng.SyncFromVolume(req)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation %q", op))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Info())
}

type indexData struct {
	Resources []docker.Resource
	Jobs      []engine.JobInfo
	Monitor   *events.ConnectionStatus
	Error     string
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.history.Data())
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{Jobs: h.eng.Jobs()}
	res, err := h.eng.ListManagedResources(r.Context())
	if err != nil {
		data.Error = err.Error()
	}
	data.Resources = res
	if h.status != nil {
		st := h.status()
		data.Monitor = &st
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		h.logger.Error("Failed to render status page", "err", err)
	}
}
