package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope written to and read from the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // automation.run.requested, automation.run.completed, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// DecodeData re-reads the loosely typed payload into out.
func (e Event) DecodeData(out interface{}) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	return nil
}

// EventData flattens a typed payload into the map carried by Event.
func EventData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ErrorResponse is the JSON body of a failed service call.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
