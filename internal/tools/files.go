package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// resolveProjectPath confines a relative path to the job's project dir.
// Absolute paths and traversal out of the project are rejected.
func resolveProjectPath(jc *JobContext, rel string) (string, error) {
	if jc == nil || jc.ProjectDir == "" {
		return "", fmt.Errorf("no project directory for this job")
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("invalid path")
	}
	abs := filepath.Join(jc.ProjectDir, filepath.FromSlash(rel))
	abs = filepath.Clean(abs)
	root := filepath.Clean(jc.ProjectDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project directory")
	}
	return abs, nil
}

// fileReadLimit caps file reads handed back to the model.
const fileReadLimit = 256 * 1024

// FileReadTool reads a file inside the job's project directory.
func FileReadTool() *Tool {
	return &Tool{
		Name:        "file_read",
		Description: "Read a file from the job's project directory.",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Path relative to the project directory"},
			},
		},
		Domain: DomainContainer,
		Execute: func(_ context.Context, params map[string]any, jc *JobContext) (string, error) {
			rel, _ := params["path"].(string)
			abs, err := resolveProjectPath(jc, rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", err
			}
			if len(data) > fileReadLimit {
				data = data[:fileReadLimit]
			}
			return string(data), nil
		},
	}
}

// FileWriteTool writes a file inside the project directory. Approval
// gated: it mutates state outside the conversation.
func FileWriteTool() *Tool {
	return &Tool{
		Name:        "file_write",
		Description: "Write content to a file in the job's project directory, creating parents as needed.",
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Path relative to the project directory"},
				"content": {Type: "string", Description: "Full file content"},
			},
		},
		RequiresApproval: true,
		Domain:           DomainContainer,
		Execute: func(_ context.Context, params map[string]any, jc *JobContext) (string, error) {
			rel, _ := params["path"].(string)
			content, _ := params["content"].(string)
			abs, err := resolveProjectPath(jc, rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
		},
	}
}

// FileListTool lists project files under a subdirectory.
func FileListTool() *Tool {
	return &Tool{
		Name:        "file_list",
		Description: "List files under a directory in the job's project.",
		Schema: Schema{
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory relative to the project, default the root"},
			},
		},
		Domain: DomainContainer,
		Execute: func(_ context.Context, params map[string]any, jc *JobContext) (string, error) {
			rel, _ := params["path"].(string)
			if rel == "" {
				rel = "."
			}
			abs, err := resolveProjectPath(jc, rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

// FilePatchTool applies a simple search/replace edit to one file.
func FilePatchTool() *Tool {
	return &Tool{
		Name:        "file_patch",
		Description: "Replace an exact text fragment in a project file. The fragment must occur exactly once.",
		Schema: Schema{
			Required: []string{"path", "find", "replace"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Path relative to the project directory"},
				"find":    {Type: "string", Description: "Exact text to find"},
				"replace": {Type: "string", Description: "Replacement text"},
			},
		},
		RequiresApproval: true,
		Domain:           DomainContainer,
		Timeout:          30 * time.Second,
		Execute: func(_ context.Context, params map[string]any, jc *JobContext) (string, error) {
			rel, _ := params["path"].(string)
			find, _ := params["find"].(string)
			replace, _ := params["replace"].(string)
			abs, err := resolveProjectPath(jc, rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", err
			}
			content := string(data)
			switch strings.Count(content, find) {
			case 0:
				return "", fmt.Errorf("fragment not found in %s", rel)
			case 1:
			default:
				return "", fmt.Errorf("fragment occurs more than once in %s", rel)
			}
			content = strings.Replace(content, find, replace, 1)
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("patched %s", rel), nil
		},
	}
}
