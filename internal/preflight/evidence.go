// Package preflight checks whether this machine can host a real run before
// anything is provisioned. Every probe produces Evidence; Requirements then
// turn the evidence into pass/fail Findings for the chosen substrate.
package preflight

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Category classifies types of evidence
type Category string

const (
	CategoryPermissions Category = "permissions"
	CategoryTooling     Category = "tooling"
	CategoryKernel      Category = "kernel"
	CategoryController  Category = "controller"
	CategoryEnvironment Category = "environment"
)

// Evidence represents a single piece of discovered knowledge
type Evidence struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Property   string         `json:"property"`
	Value      any            `json:"value"`
	Confidence float64        `json:"confidence"` // 0.0-1.0
	Source     string         `json:"source"`     // e.g. "syscall", "exec", "filesystem"
	Method     string         `json:"method"`     // e.g. "ping -c 1 127.0.0.1 succeeded"
	Timestamp  time.Time      `json:"timestamp"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// NewEvidence creates evidence with auto-generated ID
func NewEvidence(cat Category, prop string, value any, conf float64, source, method string) Evidence {
	e := Evidence{
		Category:   cat,
		Property:   prop,
		Value:      value,
		Confidence: conf,
		Source:     source,
		Method:     method,
		Timestamp:  time.Now(),
	}
	e.ID = e.generateID()
	return e
}

// WithRaw adds raw data to evidence and returns it (for chaining)
func (e Evidence) WithRaw(raw map[string]any) Evidence {
	e.Raw = raw
	return e
}

func (e *Evidence) generateID() string {
	data := fmt.Sprintf("%s:%s:%v:%s:%d", e.Category, e.Property, e.Value, e.Source, e.Timestamp.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}

// EvidenceSet aggregates multiple pieces of evidence
type EvidenceSet struct {
	items []Evidence
}

// NewEvidenceSet creates an empty evidence set
func NewEvidenceSet() *EvidenceSet {
	return &EvidenceSet{}
}

// Add appends a single piece of evidence
func (es *EvidenceSet) Add(e Evidence) {
	es.items = append(es.items, e)
}

// AddAll appends multiple pieces of evidence
func (es *EvidenceSet) AddAll(items []Evidence) {
	es.items = append(es.items, items...)
}

// All returns all evidence
func (es *EvidenceSet) All() []Evidence {
	return es.items
}

// Count returns the number of evidence items
func (es *EvidenceSet) Count() int {
	return len(es.items)
}

// ByCategory returns evidence of one category ordered by property
func (es *EvidenceSet) ByCategory(cat Category) []Evidence {
	var out []Evidence
	for _, e := range es.items {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Property < out[j].Property })
	return out
}

// Lookup returns the most confident evidence for a property
func (es *EvidenceSet) Lookup(cat Category, prop string) (Evidence, bool) {
	var best Evidence
	found := false
	for _, e := range es.items {
		if e.Category != cat || e.Property != prop {
			continue
		}
		if !found || e.Confidence > best.Confidence {
			best, found = e, true
		}
	}
	return best, found
}

// Bool returns a boolean property, false when absent
func (es *EvidenceSet) Bool(cat Category, prop string) bool {
	e, ok := es.Lookup(cat, prop)
	if !ok {
		return false
	}
	b, _ := e.Value.(bool)
	return b
}
