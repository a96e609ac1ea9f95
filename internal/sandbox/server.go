package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// SecretResolver returns decrypted credential material by name. The
// orchestrator consults it only for names in the job's declared
// allowlist.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// workerResult is the terminal message from a worker.
type workerResult struct {
	Output string
	Err    error
}

// Orchestrator serves the worker API and spawns worker processes for
// container-domain tool calls. Workers never hold LLM credentials; their
// completions and secret reads proxy through here with the per-job
// bearer token.
type Orchestrator struct {
	tokens   *TokenManager
	proxy    *EgressProxy
	llm      llm.Provider
	secrets  SecretResolver
	store    store.JobStore
	pipeline *safety.Pipeline

	listenAddr string
	workerBin  string

	mu      sync.Mutex
	results map[uuid.UUID]chan workerResult

	server *http.Server
}

// NewOrchestrator wires the host side of the protocol. workerBin is the
// binary invoked for workers (normally the running executable with the
// "worker" subcommand).
func NewOrchestrator(tokens *TokenManager, provider llm.Provider, secrets SecretResolver,
	st store.JobStore, pipeline *safety.Pipeline, listenAddr, workerBin string) *Orchestrator {
	return &Orchestrator{
		tokens:     tokens,
		proxy:      NewEgressProxy(tokens, pipeline),
		llm:        provider,
		secrets:    secrets,
		store:      st,
		pipeline:   pipeline,
		listenAddr: listenAddr,
		workerBin:  workerBin,
		results:    make(map[uuid.UUID]chan workerResult),
	}
}

// Routes builds the worker API router.
func (o *Orchestrator) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/worker/{job_id}/llm/complete", o.authed(o.handleLLMComplete)).Methods(http.MethodPost)
	r.HandleFunc("/worker/{job_id}/secret/{name}", o.authed(o.handleSecret)).Methods(http.MethodGet)
	r.HandleFunc("/worker/{job_id}/status", o.authed(o.handleStatus)).Methods(http.MethodPost)
	r.HandleFunc("/worker/{job_id}/events", o.authed(o.handleEvents)).Methods(http.MethodPost)
	r.HandleFunc("/worker/{job_id}/complete", o.authed(o.handleComplete)).Methods(http.MethodPost)
	r.HandleFunc("/worker/{job_id}/proxy", o.authed(o.handleProxy)).Methods(http.MethodPost)
	return r
}

// Start serves the worker API until ctx is cancelled. The listener binds
// loopback (or the explicitly configured interface) only.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.server = &http.Server{
		Addr:              o.listenAddr,
		Handler:           o.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Sandbox("orchestrator API listening on %s", o.listenAddr)
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return o.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, jobID uuid.UUID)

// authed extracts and verifies the bearer token for the job in the path.
func (o *Orchestrator) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(mux.Vars(r)["job_id"])
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := o.tokens.Verify(jobID, token); err != nil {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		next(w, r, jobID)
	}
}

func (o *Orchestrator) handleLLMComplete(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	var req llm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp, err := o.llm.CompleteWithTools(r.Context(), &req)
	if err != nil {
		http.Error(w, "llm call failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, resp)
}

func (o *Orchestrator) handleSecret(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	name := mux.Vars(r)["name"]
	_, _, allowedSecrets, ok := o.tokens.Credential(jobID)
	if !ok || !allowedSecrets[name] {
		// Undeclared names fail identically to unknown ones.
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	value, err := o.secrets.Resolve(name)
	if err != nil {
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]string{"name": name, "value": value})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := o.store.TouchJob(r.Context(), jobID); err != nil {
		logging.Sandbox("touch job %s: %v", jobID, err)
	}
	logging.Sandbox("job %s status: %s", jobID, body.Message)
	w.WriteHeader(http.StatusAccepted)
}

func (o *Orchestrator) handleEvents(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	var body struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	event := &types.JobEvent{JobID: jobID, Kind: body.Kind, Payload: body.Payload}
	if err := o.store.AppendJobEvent(r.Context(), event); err != nil {
		http.Error(w, "event store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (o *Orchestrator) handleComplete(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	var body struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Terminal transition revokes the token.
	o.tokens.Revoke(jobID)

	o.mu.Lock()
	ch := o.results[jobID]
	delete(o.results, jobID)
	o.mu.Unlock()

	if ch != nil {
		res := workerResult{Output: body.Output}
		if body.Error != "" {
			res.Err = fmt.Errorf("%w: %s", types.ErrSandbox, body.Error)
		}
		ch <- res
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleProxy performs one outbound HTTP request on the worker's behalf.
// The body carries the target request; the proxy enforces the job's host
// allowlist and every SSRF guard.
func (o *Orchestrator) handleProxy(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	var body struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_, allowedHosts, _, ok := o.tokens.Credential(jobID)
	if !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), body.Method, body.URL, strings.NewReader(body.Body))
	if err != nil {
		http.Error(w, "bad target request", http.StatusBadRequest)
		return
	}
	for k, v := range body.Headers {
		outReq.Header.Set(k, v)
	}

	resp, err := o.proxy.Forward(outReq, jobID.String(), allowedHosts)
	if err != nil {
		o.recordLeakEvent(r.Context(), jobID, err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	defer resp.Body.Close()

	var respBody strings.Builder
	if _, err := io.Copy(&respBody, resp.Body); err != nil {
		http.Error(w, "proxy read failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"status": resp.StatusCode,
		"body":   respBody.String(),
	})
}

func (o *Orchestrator) recordLeakEvent(ctx context.Context, jobID uuid.UUID, cause error) {
	if !strings.Contains(cause.Error(), "leak") {
		return
	}
	event := &types.JobEvent{
		JobID:   jobID,
		Kind:    "leak_blocked",
		Payload: map[string]any{"reason": cause.Error()},
	}
	if err := o.store.AppendJobEvent(ctx, event); err != nil {
		logging.Sandbox("leak event record failed: %v", err)
	}
}

// RunTool implements tools.ContainerRunner: issue a token scoped to the
// tool's capability declaration, inject declared credentials, record
// the sandbox job, spawn the worker process, and wait for its
// /complete callback.
func (o *Orchestrator) RunTool(ctx context.Context, jc *tools.JobContext, tool *tools.Tool, params map[string]any) (string, error) {
	jobID := jc.JobID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	}
	caps := tool.EffectiveCapabilities()

	token, err := o.tokens.Issue(jobID, jc.UserID, caps.AllowedHosts, caps.AllowedSecrets)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrContainerFailure, err)
	}
	defer o.tokens.Revoke(jobID)

	// Credential injection happens after parameter validation (the
	// dispatcher already ran it) and only for declared names.
	declared := make(map[string]bool, len(caps.AllowedSecrets))
	for _, name := range caps.AllowedSecrets {
		declared[name] = true
	}
	params, err = InjectCredentials(params, declared, o.secrets)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := o.store.CreateSandboxJob(ctx, &types.SandboxJob{
		JobID:          jobID,
		UserID:         jc.UserID,
		State:          types.JobInProgress,
		AllowedHosts:   caps.AllowedHosts,
		AllowedSecrets: caps.AllowedSecrets,
		StartedAt:      now,
	}); err != nil && !errors.Is(err, types.ErrConstraint) {
		// A reused job id (several tool calls for one job) keeps its
		// existing row; anything else is a real failure.
		return "", fmt.Errorf("%w: %v", types.ErrContainerFailure, err)
	}

	ch := make(chan workerResult, 1)
	o.mu.Lock()
	o.results[jobID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.results, jobID)
		o.mu.Unlock()
	}()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}

	cmd := exec.CommandContext(ctx, o.workerBin, "worker",
		"--job-id", jobID.String(),
		"--tool", tool.Name)
	cmd.Env = append(os.Environ(),
		"IRONCLAW_WORKER_TOKEN="+token,
		"IRONCLAW_ORCHESTRATOR_URL=http://"+o.listenAddr,
		"IRONCLAW_TOOL_PARAMS="+string(paramsJSON),
		"IRONCLAW_PROJECT_DIR="+jc.ProjectDir,
		fmt.Sprintf("IRONCLAW_TOOL_TIMEOUT_SECS=%d", int(tool.EffectiveTimeout().Seconds())),
		fmt.Sprintf("IRONCLAW_LIMIT_MEMORY_MB=%d", caps.Limits.MemoryMB),
		fmt.Sprintf("IRONCLAW_LIMIT_CPU_SHARES=%d", caps.Limits.CPUShares),
		fmt.Sprintf("IRONCLAW_LIMIT_FUEL=%d", caps.Limits.Fuel),
	)
	if err := cmd.Start(); err != nil {
		o.finishSandboxJob(jobID, types.JobFailed)
		return "", fmt.Errorf("%w: spawn worker: %v", types.ErrContainerFailure, err)
	}
	// The process is supervised by its exit; the result arrives via the
	// /complete endpoint.
	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Sandbox("worker for job %s exited: %v", jobID, err)
		}
	}()

	select {
	case res := <-ch:
		state := types.JobCompleted
		if res.Err != nil {
			state = types.JobFailed
		}
		o.finishSandboxJob(jobID, state)
		return res.Output, res.Err
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		o.finishSandboxJob(jobID, types.JobCancelled)
		return "", ctx.Err()
	}
}

// finishSandboxJob is best-effort bookkeeping on the sandbox job row.
func (o *Orchestrator) finishSandboxJob(jobID uuid.UUID, state types.JobState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateSandboxJobState(ctx, jobID, state); err != nil {
		logging.Sandbox("sandbox job %s state update: %v", jobID, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Sandbox("write response: %v", err)
	}
}

