package textprep

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const prepSystemPrompt = "Rewrite the user's text so it reads aloud naturally. " +
	"Expand abbreviations and numerals, keep meaning and sentence order intact, " +
	"and reply with the rewritten text only."

// ollamaPreparer rewrites text through a local Ollama model.
type ollamaPreparer struct {
	endpoint string
	model    string
}

func NewOllamaPreparer(endpoint, model string) Preparer {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaPreparer{endpoint: endpoint, model: model}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *ollamaPreparer) Prepare(ctx context.Context, text string) (Result, error) {
	payload := ollamaRequest{
		Model:  p.model,
		Prompt: text,
		System: prepSystemPrompt,
		Stream: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var accumulated strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, err
		}
		accumulated.WriteString(chunk.Response)
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}

	prepared := strings.TrimSpace(accumulated.String())
	if prepared == "" {
		// An empty rewrite means the model punted; keep the original.
		prepared = text
	}
	return Result{
		OriginalText: text,
		PreparedText: prepared,
		Changed:      prepared != text,
	}, nil
}
