package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// MemoryWriteTool stores a document in the workspace. Identity files are
// rejected by the workspace write path.
func MemoryWriteTool(ws *workspace.Workspace) *Tool {
	return &Tool{
		Name:        "memory_write",
		Description: "Store or replace a document in the memory workspace at the given path.",
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Workspace path like /notes/topic.md"},
				"content":    {Type: "string", Description: "Document content"},
				"importance": {Type: "number", Description: "Importance in [0,1], default 0.5"},
				"tags":       {Type: "array", Description: "Optional tags", Items: &Items{Type: "string"}},
			},
		},
		SkipSanitization: true, // content stays on-host
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			path, _ := params["path"].(string)
			content, _ := params["content"].(string)
			importance := 0.5
			if v, ok := params["importance"].(float64); ok {
				importance = v
			}
			doc := &types.MemoryDocument{
				UserID:     jc.UserID,
				Path:       path,
				Content:    content,
				Importance: importance,
			}
			if raw, ok := params["tags"].([]any); ok {
				for _, t := range raw {
					if s, ok := t.(string); ok {
						doc.Tags = append(doc.Tags, s)
					}
				}
			}
			if err := ws.Write(ctx, doc); err != nil {
				return "", err
			}
			return fmt.Sprintf("stored %s", doc.Path), nil
		},
	}
}

// MemoryReadTool reads a workspace document.
func MemoryReadTool(ws *workspace.Workspace) *Tool {
	return &Tool{
		Name:        "memory_read",
		Description: "Read a document from the memory workspace.",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Workspace path"},
			},
		},
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			path, _ := params["path"].(string)
			doc, err := ws.Read(ctx, jc.UserID, path)
			if err != nil {
				return "", err
			}
			return doc.Content, nil
		},
	}
}

// MemorySearchTool runs hybrid search over the workspace.
func MemorySearchTool(ws *workspace.Workspace) *Tool {
	return &Tool{
		Name:        "memory_search",
		Description: "Search the memory workspace with hybrid lexical and semantic retrieval.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Search query"},
				"limit": {Type: "number", Description: "Max results, default 10"},
			},
		},
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			query, _ := params["query"].(string)
			limit := 10
			if v, ok := params["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			results, err := ws.Search(ctx, jc.UserID, query, limit, types.SearchFilters{})
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no results", nil
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// MemoryListTool lists documents under a prefix.
func MemoryListTool(ws *workspace.Workspace) *Tool {
	return &Tool{
		Name:        "memory_list",
		Description: "List memory workspace documents under a path prefix.",
		Schema: Schema{
			Properties: map[string]Property{
				"prefix": {Type: "string", Description: "Path prefix, default /"},
			},
		},
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			prefix, _ := params["prefix"].(string)
			docs, err := ws.List(ctx, jc.UserID, prefix, 200)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, d := range docs {
				fmt.Fprintf(&b, "%s\t%d bytes\n", d.Path, len(d.Content))
			}
			if b.Len() == 0 {
				return "empty", nil
			}
			return b.String(), nil
		},
	}
}
