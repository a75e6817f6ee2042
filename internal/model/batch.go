package model

import (
	"encoding/json"
	"time"
)

// Condition is the comparison a Rule applies to a metric.
type Condition string

const (
	ConditionGreaterThan Condition = "greater_than"
	ConditionLessThan    Condition = "less_than"
	ConditionEquals      Condition = "equals"
)

// Rule is one screening criterion: metric <condition> value.
type Rule struct {
	Metric    string    `json:"metric" yaml:"metric"`
	Condition Condition `json:"condition" yaml:"condition"`
	Value     float64   `json:"value" yaml:"value"`
}

// Batch is one screening request: a set of materials evaluated against one
// rule set.
type Batch struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Prompt    string      `json:"prompt"`
	SourceDir string      `json:"source_dir"`
	Status    BatchStatus `json:"status"`
	Rules     []Rule      `json:"rules"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Item tracks one material through the pipeline.
type Item struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	Name         string     `json:"name"`
	SourcePath   string     `json:"source_path"`
	Status       ItemStatus `json:"status"`
	Results      Results    `json:"results,omitempty"`
	FinalPath    string     `json:"final_path,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Results namespaces.
const (
	ResultAnalysis        = "analysis"
	ResultOptimization1   = "optimization_1"
	ResultPostOptAnalysis = "post_opt_analysis"
	ResultOptimization2   = "optimization_2"
)

// Results is the per-item result document. Each stage owns exactly one
// namespace key; stores merge keys and never replace the document.
type Results map[string]json.RawMessage

// Has reports whether a namespace has been written.
func (r Results) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Decode unmarshals a namespace into v. It returns false when the namespace
// is absent.
func (r Results) Decode(key string, v any) (bool, error) {
	raw, ok := r[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Properties is the property bag produced by structural analysis, keyed by
// property name (pore_diameter, surface_area, ...). Each value is the
// service's JSON object for that property or an {"error": "..."} marker.
type Properties map[string]any

// OptimizationResult is stored under ResultOptimization1.
type OptimizationResult struct {
	OptimizedPath string `json:"optimized_path"`
}

// PostOptAnalysisResult is stored under ResultPostOptAnalysis.
type PostOptAnalysisResult struct {
	Properties Properties `json:"properties"`
	CIFPath    string     `json:"cif_path"`
}

// FinalOptimizationResult is stored under ResultOptimization2.
type FinalOptimizationResult struct {
	FinalPath string `json:"final_path"`
}
