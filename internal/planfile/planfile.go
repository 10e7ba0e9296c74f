// Package planfile loads task plans from YAML. The document is validated
// against a JSON Schema before any node reaches the planner, so a malformed
// plan fails fast at load time instead of mid-run.
package planfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/rfsn/internal/planner"
)

// planSchema constrains the plan document shape. Node ids must be unique
// and dependencies resolvable; those graph-level rules live in the planner.
const planSchema = `{
	"type": "object",
	"required": ["goal", "nodes"],
	"additionalProperties": false,
	"properties": {
		"goal": {"type": "string", "minLength": 1},
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"goal": {"type": "string"},
					"action_id": {"type": "string"},
					"patch": {"type": "string"},
					"patch_file": {"type": "string"},
					"depends_on": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

// Plan is a validated task description ready for graph construction.
type Plan struct {
	Goal  string
	Nodes []planner.Node
}

type planDoc struct {
	Goal  string    `yaml:"goal"`
	Nodes []nodeDoc `yaml:"nodes"`
}

type nodeDoc struct {
	ID        string   `yaml:"id"`
	Goal      string   `yaml:"goal"`
	ActionID  string   `yaml:"action_id"`
	Patch     string   `yaml:"patch"`
	PatchFile string   `yaml:"patch_file"`
	DependsOn []string `yaml:"depends_on"`
}

// Load reads, schema-validates, and resolves the plan at path. Patch files
// are resolved relative to the plan's directory and inlined.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return parse(raw, filepath.Dir(path))
}

func parse(raw []byte, baseDir string) (*Plan, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc planDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan yaml: %w", err)
	}

	plan := &Plan{Goal: doc.Goal}
	for _, nd := range doc.Nodes {
		if nd.Patch != "" && nd.PatchFile != "" {
			return nil, fmt.Errorf("node %q sets both patch and patch_file", nd.ID)
		}
		patch := nd.Patch
		if nd.PatchFile != "" {
			b, err := os.ReadFile(filepath.Join(baseDir, nd.PatchFile))
			if err != nil {
				return nil, fmt.Errorf("node %q: read patch file: %w", nd.ID, err)
			}
			patch = string(b)
		}
		actionID := nd.ActionID
		if actionID == "" {
			actionID = nd.ID
		}
		plan.Nodes = append(plan.Nodes, planner.Node{
			ID:        nd.ID,
			Goal:      nd.Goal,
			ActionID:  actionID,
			Patch:     patch,
			DependsOn: nd.DependsOn,
		})
	}
	return plan, nil
}

// validateSchema checks the document against the plan schema. The YAML is
// converted through JSON so the validator sees json.Number values.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse plan yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert plan to json: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("reparse plan json: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("plan schema validation: %w", err)
	}
	return nil
}
