// Package rules evaluates screening rules against analysis property bags.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/mof-screen/internal/model"
)

// metricPath locates a metric inside a property bag: the property object
// and the field within it.
type metricPath struct {
	Property string
	Field    string
}

var metrics = map[string]metricPath{
	"pore_diameter":     {"pore_diameter", "included_diameter"},
	"channel_dimension": {"channel_analysis", "dimension"},
	"surface_area":      {"surface_area", "asa_mass"},
	"accessible_volume": {"accessible_volume", "av_fraction"},
	"probe_volume":      {"probe_volume", "poav_fraction"},
}

// Metrics returns the supported metric names.
func Metrics() []string {
	out := make([]string, 0, len(metrics))
	for name := range metrics {
		out = append(out, name)
	}
	return out
}

// IsKnownMetric reports whether name is in the metric table.
func IsKnownMetric(name string) bool {
	_, ok := metrics[name]
	return ok
}

// IsKnownCondition reports whether c is a supported comparison.
func IsKnownCondition(c model.Condition) bool {
	switch c {
	case model.ConditionGreaterThan, model.ConditionLessThan, model.ConditionEquals:
		return true
	}
	return false
}

// Evaluate reports whether props satisfies every rule. Rules whose metric is
// unknown, missing, or non-numeric are skipped, as are rules with an unknown
// condition. An empty rule set always passes.
func Evaluate(rules []model.Rule, props model.Properties) bool {
	for _, r := range rules {
		if outcomeOf(r, props).Outcome == OutcomeFail {
			return false
		}
	}
	return true
}

// Outcome is the verdict for a single rule.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeSkipped Outcome = "skipped"
)

// Verdict explains how one rule applied to a property bag.
type Verdict struct {
	Rule    model.Rule `json:"rule"`
	Outcome Outcome    `json:"outcome"`
	Actual  *float64   `json:"actual,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Explain returns a verdict per rule, in rule order.
func Explain(rules []model.Rule, props model.Properties) []Verdict {
	out := make([]Verdict, 0, len(rules))
	for _, r := range rules {
		out = append(out, outcomeOf(r, props))
	}
	return out
}

func outcomeOf(r model.Rule, props model.Properties) Verdict {
	v := Verdict{Rule: r, Outcome: OutcomeSkipped}

	actual, ok, reason := lookup(r.Metric, props)
	if !ok {
		v.Reason = reason
		return v
	}
	v.Actual = &actual

	var pass bool
	switch r.Condition {
	case model.ConditionGreaterThan:
		pass = actual > r.Value
	case model.ConditionLessThan:
		pass = actual < r.Value
	case model.ConditionEquals:
		pass = actual == r.Value
	default:
		v.Reason = fmt.Sprintf("unknown condition %q", r.Condition)
		return v
	}

	if pass {
		v.Outcome = OutcomePass
	} else {
		v.Outcome = OutcomeFail
		v.Reason = fmt.Sprintf("%s %g is not %s %g", r.Metric, actual, strings.ReplaceAll(string(r.Condition), "_", " "), r.Value)
	}
	return v
}

func lookup(metric string, props model.Properties) (float64, bool, string) {
	path, ok := metrics[metric]
	if !ok {
		return 0, false, fmt.Sprintf("unknown metric %q", metric)
	}
	obj, ok := props[path.Property].(map[string]any)
	if !ok {
		return 0, false, fmt.Sprintf("no %s data", path.Property)
	}
	raw, ok := obj[path.Field]
	if !ok || raw == nil {
		return 0, false, fmt.Sprintf("no %s.%s value", path.Property, path.Field)
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, false, fmt.Sprintf("%s.%s is not numeric", path.Property, path.Field)
	}
	return f, true, ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
