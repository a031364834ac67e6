package settings

import (
	"encoding/json"
	"fmt"
	"time"
)

// GetString returns the string at path, or fallback when it is missing or
// not a string.
func (s *Store) GetString(path, fallback string) string {
	if v, ok := s.Get(path); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetFloat returns the number at path, or fallback.
func (s *Store) GetFloat(path string, fallback float64) float64 {
	if v, ok := s.Get(path); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return fallback
}

// GetInt returns the number at path truncated to int, or fallback.
func (s *Store) GetInt(path string, fallback int) int {
	if v, ok := s.Get(path); ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return fallback
}

// GetBool returns the boolean at path, or fallback.
func (s *Store) GetBool(path string, fallback bool) bool {
	if v, ok := s.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// GetMillis reads a millisecond count at path as a duration.
func (s *Store) GetMillis(path string, fallback time.Duration) time.Duration {
	if v, ok := s.Get(path); ok {
		if f, ok := v.(float64); ok {
			return time.Duration(f * float64(time.Millisecond))
		}
	}
	return fallback
}

// Decode unmarshals the subtree at path into out.
func (s *Store) Decode(path string, out any) error {
	v, ok := s.Get(path)
	if !ok {
		return fmt.Errorf("settings: %q is not set", path)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: decode %q: %w", path, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("settings: decode %q: %w", path, err)
	}

	return nil
}

// ModelSettings is the typed view of one models.<id> entry.
type ModelSettings struct {
	Provider              string   `json:"provider"`
	MaxTokens             int      `json:"maxTokens"`
	ContextWindow         int      `json:"contextWindow,omitempty"`
	Temperature           float64  `json:"temperature"`
	TopP                  *float64 `json:"topP,omitempty"`
	FrequencyPenalty      *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty       *float64 `json:"presencePenalty,omitempty"`
	InputPrice            float64  `json:"inputPrice"`
	OutputPrice           float64  `json:"outputPrice"`
	CostPerThousandTokens float64  `json:"costPerThousandTokens,omitempty"`
	ContextBudget         int      `json:"contextBudget,omitempty"`
}

// Model returns the settings for model id.
func (s *Store) Model(id string) (ModelSettings, bool) {
	var m ModelSettings
	if err := s.Decode(joinPath("models", id), &m); err != nil {
		return ModelSettings{}, false
	}
	return m, true
}

// Endpoint returns the configured endpoint for provider.
func (s *Store) Endpoint(provider string) string {
	return s.GetString(joinPath("api.endpoints", provider), "")
}
