package stream

import (
	"encoding/json"
	"fmt"
)

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

// GeminiText extracts candidates[0].content.parts[0].text.
func GeminiText(payload []byte) (string, bool, error) {
	var c geminiChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", false, err
	}
	if c.Error != nil {
		return "", false, fmt.Errorf("%w: %s", ErrProviderEvent, c.Error.Message)
	}
	if len(c.Candidates) == 0 || len(c.Candidates[0].Content.Parts) == 0 {
		return "", false, nil
	}
	return c.Candidates[0].Content.Parts[0].Text, true, nil
}

type claudeEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *apiError `json:"error,omitempty"`
}

// ClaudeText extracts delta.text from content_block_delta events only.
func ClaudeText(payload []byte) (string, bool, error) {
	var ev claudeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", false, err
	}
	switch ev.Type {
	case "content_block_delta":
		return ev.Delta.Text, true, nil
	case "error":
		msg := "unknown"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return "", false, fmt.Errorf("%w: %s", ErrProviderEvent, msg)
	}
	return "", false, nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

// ChatCompletionText extracts choices[0].delta.content when present. It
// serves both OpenAI chat and Perplexity.
func ChatCompletionText(payload []byte) (string, bool, error) {
	var c chatChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", false, err
	}
	if c.Error != nil {
		return "", false, fmt.Errorf("%w: %s", ErrProviderEvent, c.Error.Message)
	}
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false, nil
	}
	return *c.Choices[0].Delta.Content, true, nil
}
