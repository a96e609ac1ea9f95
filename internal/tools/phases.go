package tools

import (
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// RegisterPhases performs the phased built-in registration:
// orchestrator-safe tools first, then developer/container tools, then
// workspace tools (when a workspace handle exists), job tools, and
// routine tools. Extension and MCP tools register later at runtime and
// cannot shadow anything established here.
func RegisterPhases(r *Registry, policy *ShellPolicy, ws *workspace.Workspace, st store.Store, submitter JobSubmitter) {
	// Phase 1: orchestrator-safe.
	r.MustRegister(EchoTool())
	r.MustRegister(TimeTool())
	r.MustRegister(JSONTool())
	r.MustRegister(HTTPTool())

	// Phase 2: developer/container tools.
	r.MustRegister(ShellTool(policy))
	r.MustRegister(FileReadTool())
	r.MustRegister(FileWriteTool())
	r.MustRegister(FileListTool())
	r.MustRegister(FilePatchTool())

	// Phase 3: workspace tools.
	if ws != nil {
		r.MustRegister(MemoryWriteTool(ws))
		r.MustRegister(MemoryReadTool(ws))
		r.MustRegister(MemorySearchTool(ws))
		r.MustRegister(MemoryListTool(ws))
	}

	// Phase 4: job tools.
	if st != nil {
		r.MustRegister(JobCreateTool(st, submitter))
		r.MustRegister(JobStatusTool(st))
		r.MustRegister(JobCancelTool(st, submitter))

		// Phase 5: routine tools.
		r.MustRegister(RoutineCreateTool(st))
		r.MustRegister(RoutineListTool(st))
		r.MustRegister(RoutineDeleteTool(st))
	}

	logging.Tools("registered %d built-in tools", r.Count())
}
