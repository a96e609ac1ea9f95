package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// builtinToolNames lists the reserved built-in surface without standing
// up the full runtime.
func builtinToolNames() map[string]bool {
	return map[string]bool{
		"echo": true, "time": true, "json": true, "http": true, "shell": true,
		"file_read": true, "file_write": true, "file_list": true, "file_patch": true,
		"memory_read": true, "memory_write": true, "memory_search": true, "memory_list": true,
		"job_create": true, "job_status": true, "job_cancel": true,
		"routine_create": true, "routine_list": true, "routine_delete": true,
	}
}

// postGatewayMessage submits one message over the local gateway API.
func postGatewayMessage(cfg *config.Config, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/chat/send", cfg.Gateway.Port)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	fmt.Printf("accepted: %s\n", body.MessageID)
	return nil
}

// probeMCP lists the tools an MCP server offers.
func probeMCP(ctx context.Context, endpoint string) error {
	client := tools.NewMCPClient(endpoint, "")
	discovered, err := client.DiscoverTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range discovered {
		fmt.Printf("%s\t%s\n", t.Name, t.Description)
	}
	return nil
}
