package model

import (
	"encoding/json"
	"time"
)

// RefClass partitions refs by mutability and governance.
type RefClass string

const (
	// RefClassSession refs auto-advance on checkpoint
	RefClassSession RefClass = "session"

	// RefClassCheckpoint refs are explicit labels, deletable
	RefClassCheckpoint RefClass = "checkpoint"

	// RefClassProtected refs are immutable once created; their target
	// and all ancestors are permanently ineligible for collection
	RefClassProtected RefClass = "protected"
)

// Valid reports whether the class is one of the three known classes.
func (c RefClass) Valid() bool {
	switch c {
	case RefClassSession, RefClassCheckpoint, RefClassProtected:
		return true
	}
	return false
}

// RefDescriptor is a named pointer to a commit, the only long-lived
// mutable state in the store.
type RefDescriptor struct {
	Name    string    `json:"name" yaml:"name"`
	Class   RefClass  `json:"class" yaml:"class"`
	Commit  string    `json:"commit" yaml:"commit"`
	Created time.Time `json:"created" yaml:"created"`
	Updated time.Time `json:"updated" yaml:"updated"`
	_       struct{}
}

// MarshalRef serializes a ref descriptor
func MarshalRef(r RefDescriptor) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRef deserializes a ref descriptor
func UnmarshalRef(b []byte) (RefDescriptor, error) {
	var r RefDescriptor
	err := json.Unmarshal(b, &r)
	return r, err
}
