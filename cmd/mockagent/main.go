// Package main implements a mock agent process that registers itself
// against the orchestration core's HTTP API, polls its session for
// dispatched instructions, and reports back a simulated execution
// result. Used for end-to-end exercise of the communication bus and
// orchestrator without a real agent attached.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type agentExecutionResult struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

type busMessage struct {
	ID          int64  `json:"id"`
	FromAgent   string `json:"from_agent"`
	ToAgent     string `json:"to_agent"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8090", "orchestration core base URL")
	agentID := flag.String("agent-id", fmt.Sprintf("mock-agent-%d", os.Getpid()), "agent id to register")
	capabilities := flag.String("capabilities", "development", "comma-separated capability list")
	sessionID := flag.String("session-id", "default", "session to poll for instructions")
	pollInterval := flag.Duration("poll-interval", time.Second, "how often to poll message history")
	flag.Parse()

	caps := strings.Split(*capabilities, ",")
	client := &http.Client{Timeout: 10 * time.Second}

	if err := registerAgent(client, *baseURL, *agentID, caps); err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: registration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mockagent: registered as %s with capabilities %v\n", *agentID, caps)

	seen := make(map[int64]bool)
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		messages, err := fetchMessages(client, *baseURL, *sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mockagent: poll failed: %v\n", err)
			continue
		}
		for _, msg := range messages {
			if msg.ToAgent != *agentID || seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			taskID := extractTaskID(msg.Content)
			if taskID == "" {
				continue
			}
			if err := reportResult(client, *baseURL, *sessionID, *agentID, taskID); err != nil {
				fmt.Fprintf(os.Stderr, "mockagent: report failed: %v\n", err)
			}
		}
	}
}

func registerAgent(client *http.Client, baseURL, agentID string, capabilities []string) error {
	body, err := json.Marshal(map[string]interface{}{
		"id":           agentID,
		"name":         agentID,
		"capabilities": capabilities,
	})
	if err != nil {
		return err
	}
	resp, err := client.Post(baseURL+"/api/v1/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func fetchMessages(client *http.Client, baseURL, sessionID string) ([]busMessage, error) {
	resp, err := client.Get(baseURL + "/api/v1/sessions/" + sessionID + "/messages?limit=50")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wrapper struct {
		Messages []busMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, err
	}
	return wrapper.Messages, nil
}

func extractTaskID(content string) string {
	const marker = "TASK_ID: "
	idx := strings.Index(content, marker)
	if idx == -1 {
		return ""
	}
	rest := content[idx+len(marker):]
	if nl := strings.IndexAny(rest, "\n "); nl != -1 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

func reportResult(client *http.Client, baseURL, sessionID, agentID, taskID string) error {
	result := agentExecutionResult{TaskID: taskID, Status: "completed", AgentID: agentID, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"fromAgent":   agentID,
		"content":     string(payload),
		"messageType": "response",
	})
	if err != nil {
		return err
	}
	resp, err := client.Post(baseURL+"/api/v1/sessions/"+sessionID+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
