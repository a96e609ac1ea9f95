// Package gateway is the optional web surface: a thin HTTP adapter over
// the agent core. Every endpoint except /api/health requires the bearer
// token, compared in constant time.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/danielsimonjr/ironclaw/internal/agent"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// Gateway serves the HTTP API.
type Gateway struct {
	agent     *agent.Agent
	store     store.Store
	workspace *workspace.Workspace
	events    *EventHub
	userID    string
	token     string
	port      int

	server *http.Server
}

// New builds the gateway.
func New(ag *agent.Agent, st store.Store, ws *workspace.Workspace, userID, token string, port int) *Gateway {
	return &Gateway{
		agent:     ag,
		store:     st,
		workspace: ws,
		events:    NewEventHub(),
		userID:    userID,
		token:     token,
		port:      port,
	}
}

// Events exposes the hub so the runtime can feed it status updates.
func (g *Gateway) Events() *EventHub { return g.events }

// Inject is the submission entry used by /api/chat/send; the runtime
// wires it to the agent's message handler.
type Inject func(ctx context.Context, msg *types.IncomingMessage)

var injectFn Inject

// SetInject installs the submission sink.
func (g *Gateway) SetInject(fn Inject) { injectFn = fn }

// Routes assembles the router.
func (g *Gateway) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", g.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(g.authMiddleware)
	api.HandleFunc("/chat/send", g.handleChatSend).Methods(http.MethodPost)
	api.HandleFunc("/chat/approval", g.handleApproval).Methods(http.MethodPost)
	api.HandleFunc("/chat/events", g.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/memory/search", g.handleMemorySearch).Methods(http.MethodPost)
	api.PathPrefix("/memory/").HandlerFunc(g.handleMemoryRead).Methods(http.MethodGet)
	api.HandleFunc("/jobs", g.handleJobList).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", g.handleJobDetail).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", g.handleJobCancel).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/events", g.handleJobEvents).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", g.port),
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Get(logging.CategoryGateway).Info("gateway listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// authMiddleware verifies the bearer token in constant time. SSE clients
// may pass it as a query parameter, percent-decoded before comparison.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			if decoded, err := url.QueryUnescape(q); err == nil {
				presented = decoded
			} else {
				presented = q
			}
		}
		if g.token == "" || !constantTimeEqual(presented, g.token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	// Length-equalize so the comparison cost is fixed.
	buf := make([]byte, len(b))
	copy(buf, a)
	same := subtle.ConstantTimeCompare(buf, []byte(b)) == 1
	return same && len(a) == len(b)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg := &types.IncomingMessage{
		ID:               uuid.New(),
		ChannelName:      "gateway",
		UserID:           g.userID,
		Content:          body.Content,
		ExternalThreadID: body.ThreadID,
	}
	if injectFn == nil {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	go injectFn(context.Background(), msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID.String()})
}

func (g *Gateway) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadID string `json:"thread_id"`
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	threadID, err := uuid.Parse(body.ThreadID)
	if err != nil {
		http.Error(w, "bad thread id", http.StatusBadRequest)
		return
	}
	var decision types.ApprovalDecision
	switch body.Decision {
	case "approve":
		decision = types.ApprovalApprove
	case "always":
		decision = types.ApprovalAlways
	case "deny":
		decision = types.ApprovalDeny
	default:
		http.Error(w, "bad decision", http.StatusBadRequest)
		return
	}
	if !g.agent.Gate().Resolve(threadID, decision) {
		http.Error(w, "no pending approval", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (g *Gateway) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	results, err := g.workspace.Search(r.Context(), g.userID, body.Query, body.Limit, types.SearchFilters{})
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (g *Gateway) handleMemoryRead(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/memory")
	doc, err := g.workspace.Read(r.Context(), g.userID, path)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    doc.Path,
		"content": doc.Content,
		"tags":    doc.Tags,
	})
}

func (g *Gateway) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs, err := g.store.ListJobs(r.Context(), g.userID, 50)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (g *Gateway) jobFromRequest(w http.ResponseWriter, r *http.Request) *types.Job {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return nil
	}
	job, err := g.store.JobOwnedBy(r.Context(), id, g.userID)
	if err != nil {
		// Ownership misses are 403 with no existence signal.
		http.Error(w, "not authorized", http.StatusForbidden)
		return nil
	}
	return job
}

func (g *Gateway) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if job := g.jobFromRequest(w, r); job != nil {
		writeJSON(w, http.StatusOK, job)
	}
}

func (g *Gateway) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := g.jobFromRequest(w, r)
	if job == nil {
		return
	}
	g.agent.CancelJob(job.ID)
	if err := g.store.UpdateJobState(r.Context(), job.ID, types.JobCancelled); err != nil {
		http.Error(w, "cancel failed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (g *Gateway) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job := g.jobFromRequest(w, r)
	if job == nil {
		return
	}
	events, err := g.store.ListJobEvents(r.Context(), job.ID, 200)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryGateway).Debug("write response: %v", err)
	}
}
