package model

import (
	"io"
	"time"
)

// ArchiveDescriptor is a discovered ZIP archive as handed to the engine.
type ArchiveDescriptor struct {
	Hash     string             `json:"hash"`
	Name     string             `json:"name"`
	Path     string             `json:"path"`
	Findings StructuralFindings `json:"findings"`
	Members  []MemberDescriptor `json:"members"`
}

// MemberDescriptor is one XML member of an archive.
type MemberDescriptor struct {
	InnerPath string     `json:"inner_path"`
	Hash      string     `json:"hash"`
	Size      int64      `json:"size"`
	MTime     *time.Time `json:"mtime,omitempty"`

	// Open streams the member bytes. It may be called more than once.
	Open func() (io.ReadCloser, error) `json:"-"`
}

// ItemError is a per-item extraction failure. It does not block the other
// items of the document.
type ItemError struct {
	ItemCode string `json:"item_code"`
	RawValue string `json:"raw_value,omitempty"`
	Message  string `json:"message"`
}

// Extraction is the structured result of parsing one XML member.
type Extraction struct {
	Valid           bool             `json:"valid"`
	ValidationError string           `json:"validation_error,omitempty"`
	Identity        DocumentIdentity `json:"identity"`
	Subject         SubjectHint      `json:"subject"`
	Category        string           `json:"category,omitempty"`
	Payload         map[string]any   `json:"payload,omitempty"`
	Items           []ExtractedItem  `json:"items"`
	ItemErrors      []ItemError      `json:"item_errors,omitempty"`
}
