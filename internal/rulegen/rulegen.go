// Package rulegen turns a natural-language screening request into a rule set
// using Claude, and loads explicit rule sets from YAML files.
package rulegen

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/rules"
	"github.com/sells-group/mof-screen/pkg/anthropic"
)

// Generator produces rules from a screening prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]model.Rule, error)
}

const systemPrompt = `You are a materials-science assistant that converts natural-language screening requests for metal-organic frameworks (MOFs) into structured filtering rules.

Reply with a single JSON object with one key, "rules", holding an array of rule objects. Each rule object has exactly three keys:
- "metric": one of "pore_diameter", "surface_area", "accessible_volume", "probe_volume", "channel_dimension"
- "condition": one of "greater_than", "less_than", "equals"
- "value": a number

Units: pore_diameter in angstroms, surface_area in m^2/g, accessible_volume and probe_volume as volume fractions between 0 and 1, channel_dimension as an integer from 0 to 3.

Example request: "pore diameter larger than 7 angstroms and a 3D channel system"
Example reply:
{"rules": [{"metric": "pore_diameter", "condition": "greater_than", "value": 7.0}, {"metric": "channel_dimension", "condition": "equals", "value": 3}]}

Reply with ONLY the JSON object. Do not add explanations.`

// ClaudeGenerator generates rules with the Anthropic Messages API.
type ClaudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeGenerator creates a ClaudeGenerator.
func NewClaudeGenerator(client anthropic.Client, model string, maxTokens int64) *ClaudeGenerator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeGenerator{client: client, model: model, maxTokens: maxTokens}
}

// Generate asks the model for rules matching prompt and validates them.
func (g *ClaudeGenerator) Generate(ctx context.Context, prompt string) ([]model.Rule, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, eris.New("rulegen: empty prompt")
	}

	temp := 0.0
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		System:      []anthropic.SystemBlock{{Text: systemPrompt, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "rulegen: generate")
	}
	resp.Usage.Log(g.model, "rulegen")

	out, err := Parse(resp.Text())
	if err != nil {
		zap.L().Warn("rulegen: unusable model reply",
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, err
	}
	zap.L().Info("rulegen: generated rules", zap.Int("count", len(out)))
	return out, nil
}

type ruleDocument struct {
	Rules []model.Rule `json:"rules" yaml:"rules"`
}

// Parse decodes a {"rules": [...]} reply, tolerating markdown fences and
// surrounding prose, and validates the result.
func Parse(text string) ([]model.Rule, error) {
	var doc ruleDocument
	if err := json.Unmarshal([]byte(cleanJSON(text)), &doc); err != nil {
		return nil, eris.Wrap(err, "rulegen: parse rules json")
	}
	if err := Validate(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// Validate rejects empty rule sets and rules naming an unknown metric or
// condition.
func Validate(rs []model.Rule) error {
	if len(rs) == 0 {
		return eris.New("rulegen: no rules")
	}
	for i, r := range rs {
		if !rules.IsKnownMetric(r.Metric) {
			return eris.Errorf("rulegen: rule %d: unknown metric %q", i, r.Metric)
		}
		if !rules.IsKnownCondition(r.Condition) {
			return eris.Errorf("rulegen: rule %d: unknown condition %q", i, r.Condition)
		}
	}
	return nil
}

// LoadFile reads a YAML rules file of the form:
//
//	rules:
//	  - metric: pore_diameter
//	    condition: greater_than
//	    value: 7
func LoadFile(path string) ([]model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rulegen: read %s", path)
	}
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "rulegen: parse %s", path)
	}
	if err := Validate(doc.Rules); err != nil {
		return nil, eris.Wrapf(err, "rulegen: %s", path)
	}
	return doc.Rules, nil
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
