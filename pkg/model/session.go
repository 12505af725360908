package model

import (
	"encoding/json"
	"time"
)

// SessionDescriptor describes a logical unit of work. The head only
// ever advances to a new commit.
type SessionDescriptor struct {
	ID      string            `json:"id" yaml:"id"`
	Meta    map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
	Created time.Time         `json:"created" yaml:"created"`
	Head    string            `json:"head,omitempty" yaml:"head,omitempty"`
	_       struct{}
}

// MarshalSession serializes a session descriptor
func MarshalSession(s SessionDescriptor) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSession deserializes a session descriptor
func UnmarshalSession(b []byte) (SessionDescriptor, error) {
	var s SessionDescriptor
	err := json.Unmarshal(b, &s)
	return s, err
}
