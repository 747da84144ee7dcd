package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/service/events"
	"github.com/mfehub/hub/internal/service/ingest"
	"github.com/mfehub/hub/internal/service/registry"
	"github.com/mfehub/hub/internal/service/serve"
	"github.com/mfehub/hub/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	registry    registry.Service
	ingest      ingest.Service
	serve       serve.Service
	events      events.Service
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	adminSecret string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	resolutionTotal    *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitAdminWrite = 60
	rateLimitAdminRead  = 120
	rateLimitUpload     = 30
	rateLimitServe      = 600
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, registrySvc registry.Service, ingestSvc ingest.Service, serveSvc serve.Service, eventSvc events.Service, limiter RateLimiter, adminSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		registry: registrySvc,
		ingest:   ingestSvc,
		serve:    serveSvc,
		events:   eventSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		adminSecret: strings.TrimSpace(adminSecret),
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)

	r.mux.HandleFunc("/serve/code", r.audit("/serve/code", r.withRateLimit("/serve/code", rateLimitServe, rateWindowDefault, rateLimitKeyIP, r.handleServeCode)))
	r.mux.HandleFunc("/serve/global-variables/", r.audit("/serve/global-variables", r.withRateLimit("/serve/global-variables", rateLimitServe, rateWindowDefault, rateLimitKeyIP, r.handleGlobalVariables)))
	r.mux.HandleFunc("/artifacts/", r.audit("/artifacts", r.handleArtifact))

	r.mux.HandleFunc("/microfrontends/by-slug/", r.audit("/microfrontends/by-slug", r.handlerUploadRate("/microfrontends/by-slug", rateLimitUpload, rateWindowDefault, r.handleUpload)))

	r.mux.HandleFunc("/projects", r.audit("/projects", r.handlerAdminRate("/projects", rateLimitAdminWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.handlerAdminRate("/projects/{id}", rateLimitAdminWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/environments/", r.audit("/environments/{id}", r.handlerAdminRate("/environments/{id}", rateLimitAdminWrite, rateWindowDefault, r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/microfrontends/", r.audit("/microfrontends/{id}", r.handlerAdminRate("/microfrontends/{id}", rateLimitAdminWrite, rateWindowDefault, r.handleMicrofrontendSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handlerAdminRate("/deployments/{id}", rateLimitAdminRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/api-keys/", r.audit("/api-keys/{id}", r.handlerAdminRate("/api-keys/{id}", rateLimitAdminWrite, rateWindowDefault, r.handleApiKeySubroutes)))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handlerAdminRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/events/stream", r.audit("/events/stream", r.handlerAdminRate("/events/stream", rateLimitWebsocket, rateWindowRealtime, r.handleEventsSSE)))
}

// loaderSnippet injects the resolved module script into the host page.
const loaderSnippet = `(function(){var s=document.createElement("script");s.type="module";s.src=%q;document.head.appendChild(s);})();` + "\n"

func (r *Router) handleServeCode(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	mfeID := query.Get("microfrontendId")
	environmentID := query.Get("deploymentEnvironmentId")
	if mfeID == "" || environmentID == "" {
		writeError(w, http.StatusBadRequest, "microfrontendId and deploymentEnvironmentId query parameters required")
		return
	}
	resp, err := r.serve.Code(req.Context(), serve.CodeRequest{
		MicrofrontendID: mfeID,
		EnvironmentID:   environmentID,
		UserID:          query.Get("userId"),
		SessionKey:      query.Get("sessionId"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	r.recordResolution(resp.Outcome)
	if query.Get("format") == "script" {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprintf(w, loaderSnippet, resp.URL)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleGlobalVariables(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	environmentID := strings.TrimPrefix(req.URL.Path, "/serve/global-variables/")
	if environmentID == "" || strings.Contains(environmentID, "/") {
		r.notFound(w)
		return
	}
	vars, err := r.serve.GlobalVariables(req.Context(), environmentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (r *Router) handleArtifact(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(req.URL.Path, "/artifacts/")
	if key == "" {
		r.notFound(w)
		return
	}
	rc, contentType, err := r.serve.Artifact(req.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		r.logger.Warn("artifact stream interrupted", "key", key, "error", err)
	}
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/microfrontends/by-slug/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[1] != "upload" || parts[0] == "" || parts[2] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.ProjectID == "" {
		r.logger.Error("auth context missing for upload route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	archive, err := uploadArchive(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload body")
		return
	}
	defer archive.Close()
	result, err := r.ingest.Ingest(req.Context(), ingest.Input{
		ProjectID:         info.ProjectID,
		MicrofrontendSlug: parts[0],
		EnvironmentSlug:   req.URL.Query().Get("env"),
		Version:           parts[2],
		Archive:           archive,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result.Deployment)
}

// uploadArchive returns the zip payload, from a multipart "file" field or the
// raw request body.
func uploadArchive(req *http.Request) (io.ReadCloser, error) {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		file, _, err := req.FormFile("file")
		if err != nil {
			return nil, err
		}
		return file, nil
	}
	return req.Body, nil
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
			Slug string `json:"slug"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		project, err := r.registry.CreateProject(req.Context(), payload.Name, payload.Slug)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)
	case http.MethodGet:
		projects, err := r.registry.ListProjects(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "environments":
		r.handleProjectEnvironments(w, req, projectID)
	case len(parts) == 2 && parts[1] == "microfrontends":
		r.handleProjectMicrofrontends(w, req, projectID)
	case len(parts) == 2 && parts[1] == "storages":
		r.handleProjectStorages(w, req, projectID)
	case len(parts) == 2 && parts[1] == "api-keys":
		r.handleProjectApiKeys(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		project, err := r.registry.GetProject(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)
	case http.MethodDelete:
		if err := r.registry.DeleteProject(req.Context(), projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectEnvironments(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name         string `json:"name"`
			Slug         string `json:"slug"`
			IsProduction bool   `json:"isProduction"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		environment, err := r.registry.CreateEnvironment(req.Context(), registry.CreateEnvironmentInput{
			ProjectID:    projectID,
			Name:         payload.Name,
			Slug:         payload.Slug,
			IsProduction: payload.IsProduction,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, environment)
	case http.MethodGet:
		environments, err := r.registry.ListEnvironments(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, environments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectMicrofrontends(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name       string          `json:"name"`
			Slug       string          `json:"slug"`
			EntryPoint string          `json:"entryPoint"`
			Host       domain.HostType `json:"host"`
			CustomURL  string          `json:"customUrl"`
			StorageID  *string         `json:"storageId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		mfe, err := r.registry.CreateMicrofrontend(req.Context(), registry.CreateMicrofrontendInput{
			ProjectID:  projectID,
			Name:       payload.Name,
			Slug:       payload.Slug,
			EntryPoint: payload.EntryPoint,
			Host:       payload.Host,
			CustomURL:  payload.CustomURL,
			StorageID:  payload.StorageID,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, mfe)
	case http.MethodGet:
		mfes, err := r.registry.ListMicrofrontends(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mfes)
	default:
		r.methodNotAllowed(w)
	}
}

// storageView is the admin representation of a storage record. Key material
// never leaves the service.
type storageView struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint"`
	Bucket    string    `json:"bucket"`
	Region    string    `json:"region"`
	UseSSL    bool      `json:"useSsl"`
	CreatedAt time.Time `json:"createdAt"`
}

func toStorageView(store *domain.Storage) storageView {
	return storageView{
		ID:        store.ID,
		ProjectID: store.ProjectID,
		Name:      store.Name,
		Type:      store.Type,
		Endpoint:  store.Endpoint,
		Bucket:    store.Bucket,
		Region:    store.Region,
		UseSSL:    store.UseSSL,
		CreatedAt: store.CreatedAt,
	}
}

func (r *Router) handleProjectStorages(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name      string `json:"name"`
			Type      string `json:"type"`
			Endpoint  string `json:"endpoint"`
			Bucket    string `json:"bucket"`
			Region    string `json:"region"`
			AccessKey string `json:"accessKey"`
			SecretKey string `json:"secretKey"`
			UseSSL    bool   `json:"useSsl"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		store, err := r.registry.CreateStorage(req.Context(), registry.CreateStorageInput{
			ProjectID: projectID,
			Name:      payload.Name,
			Type:      payload.Type,
			Endpoint:  payload.Endpoint,
			Bucket:    payload.Bucket,
			Region:    payload.Region,
			AccessKey: payload.AccessKey,
			SecretKey: payload.SecretKey,
			UseSSL:    payload.UseSSL,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toStorageView(store))
	case http.MethodGet:
		stores, err := r.registry.ListStorages(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]storageView, 0, len(stores))
		for i := range stores {
			views = append(views, toStorageView(&stores[i]))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectApiKeys(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		key, token, err := r.registry.CreateApiKey(req.Context(), projectID, payload.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// The plaintext token is shown exactly once.
		writeJSON(w, http.StatusCreated, map[string]any{
			"apiKey": key,
			"token":  token,
		})
	case http.MethodGet:
		keys, err := r.registry.ListApiKeys(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/environments/")
	parts := strings.Split(trimmed, "/")
	environmentID := parts[0]
	if environmentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		environment, err := r.registry.GetEnvironment(req.Context(), environmentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, environment)
	case len(parts) == 2 && parts[1] == "variables":
		r.handleEnvironmentVariables(w, req, environmentID)
	case len(parts) == 3 && parts[1] == "variables":
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.registry.DeleteVariable(req.Context(), environmentID, parts[2]); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironmentVariables(w http.ResponseWriter, req *http.Request, environmentID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Key    string `json:"key"`
			Value  string `json:"value"`
			Secret bool   `json:"secret"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		err := r.registry.SetVariable(req.Context(), registry.SetVariableInput{
			EnvironmentID: environmentID,
			Key:           payload.Key,
			Value:         payload.Value,
			Secret:        payload.Secret,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case http.MethodGet:
		vars, err := r.registry.ListVariables(req.Context(), environmentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, vars)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleMicrofrontendSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/microfrontends/")
	parts := strings.Split(trimmed, "/")
	mfeID := parts[0]
	if mfeID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleMicrofrontend(w, req, mfeID)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleMicrofrontendDeployments(w, req, mfeID)
	case len(parts) == 4 && parts[1] == "environments" && parts[3] == "canary":
		r.handleCanaryRule(w, req, mfeID, parts[2])
	case len(parts) == 4 && parts[1] == "environments" && parts[3] == "baseline-pin":
		r.handleBaselinePin(w, req, mfeID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleMicrofrontend(w http.ResponseWriter, req *http.Request, mfeID string) {
	switch req.Method {
	case http.MethodGet:
		mfe, err := r.registry.GetMicrofrontend(req.Context(), mfeID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mfe)
	case http.MethodPatch:
		var payload struct {
			Name       *string          `json:"name"`
			EntryPoint *string          `json:"entryPoint"`
			Host       *domain.HostType `json:"host"`
			CustomURL  *string          `json:"customUrl"`
			StorageID  *string          `json:"storageId"`
			Status     *string          `json:"status"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		mfe, err := r.registry.UpdateMicrofrontend(req.Context(), registry.UpdateMicrofrontendInput{
			MicrofrontendID: mfeID,
			Name:            payload.Name,
			EntryPoint:      payload.EntryPoint,
			Host:            payload.Host,
			CustomURL:       payload.CustomURL,
			StorageID:       payload.StorageID,
			Status:          payload.Status,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mfe)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleMicrofrontendDeployments(w http.ResponseWriter, req *http.Request, mfeID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.registry.ListDeployments(req.Context(), mfeID, req.URL.Query().Get("environmentId"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleCanaryRule(w http.ResponseWriter, req *http.Request, mfeID, environmentID string) {
	switch req.Method {
	case http.MethodPut:
		var payload struct {
			DeploymentID string          `json:"deploymentId"`
			Percentage   int             `json:"percentage"`
			Active       bool            `json:"active"`
			Overrides    map[string]bool `json:"overrides"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rule, err := r.registry.SetCanaryRule(req.Context(), registry.SetCanaryRuleInput{
			MicrofrontendID: mfeID,
			EnvironmentID:   environmentID,
			DeploymentID:    payload.DeploymentID,
			Percentage:      payload.Percentage,
			Active:          payload.Active,
			Overrides:       payload.Overrides,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodGet:
		rule, err := r.registry.GetCanaryRule(req.Context(), mfeID, environmentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := r.registry.DeleteCanaryRule(req.Context(), mfeID, environmentID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBaselinePin(w http.ResponseWriter, req *http.Request, mfeID, environmentID string) {
	switch req.Method {
	case http.MethodPut:
		var payload struct {
			DeploymentID string `json:"deploymentId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.registry.PinBaseline(req.Context(), mfeID, environmentID, payload.DeploymentID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "pinned"})
	case http.MethodDelete:
		if err := r.registry.UnpinBaseline(req.Context(), mfeID, environmentID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unpinned"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		deployment, err := r.registry.GetDeployment(req.Context(), deploymentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case http.MethodDelete:
		if err := r.registry.DeleteDeployment(req.Context(), deploymentID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleApiKeySubroutes(w http.ResponseWriter, req *http.Request) {
	keyID := strings.TrimPrefix(req.URL.Path, "/api-keys/")
	if keyID == "" || strings.Contains(keyID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.registry.DeleteApiKey(req.Context(), keyID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	hub := r.events.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(projectID, client)
	go func() {
		defer func() {
			hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

const sseHeartbeatInterval = 15 * time.Second

// handleEventsSSE is the event stream fallback for clients that cannot hold
// a websocket open.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	hub := r.events.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub.Register(projectID, client)
	defer func() {
		hub.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			if info.UserID != "" {
				actor = "admin"
				fields = append(fields, "user_id", info.UserID)
			} else if info.ProjectID != "" {
				actor = "publisher"
				fields = append(fields, "project_id", info.ProjectID, "api_key_id", info.ApiKeyID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
