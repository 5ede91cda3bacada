package harvest

import (
	"encoding/json"
	"fmt"
)

// LoadManifest decodes a resume manifest. It has no side effects.
func LoadManifest(data []byte) (ResumeManifest, error) {
	var m ResumeManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ResumeManifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.BatchNumber < 0 {
		return ResumeManifest{}, fmt.Errorf("%w: negative batch number %d", ErrInvalidManifest, m.BatchNumber)
	}
	if m.RemainingItems == nil {
		m.RemainingItems = []WorkItem{}
	}
	return m, nil
}

// EncodeManifest renders a manifest as indented JSON.
func EncodeManifest(m ResumeManifest) ([]byte, error) {
	if m.RemainingItems == nil {
		m.RemainingItems = []WorkItem{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

// EncodeReport renders a report as indented JSON.
func EncodeReport(r RunReport) ([]byte, error) {
	if r.Remaining == nil {
		r.Remaining = []WorkItem{}
	}
	if r.Results == nil {
		r.Results = []ItemResult{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}
