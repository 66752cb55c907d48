package workflow

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Parser parses and validates workflow documents.
type Parser struct {
	validator *validator.Validate
}

// NewParser creates a new workflow parser.
func NewParser() *Parser {
	return &Parser{
		validator: validator.New(),
	}
}

// ParseFile reads and parses a workflow document from disk.
func (p *Parser) ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	return p.Parse(data)
}

// Parse parses a workflow document from YAML bytes and validates it.
// The returned definition is ready for matrix expansion and scheduling;
// needs-graph acyclicity is validated separately by the engine.
func (p *Parser) Parse(data []byte) (*Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, wrapParseError("failed to parse workflow document", err)
	}

	def := &Definition{
		Name: doc.Name,
		On:   []string(doc.On),
		Jobs: doc.Jobs,
	}

	// Propagate map keys into job IDs.
	for id, job := range def.Jobs {
		if job == nil {
			return nil, newParseError("job %q has no body", id)
		}
		job.ID = id
	}

	if err := p.validator.Struct(def); err != nil {
		return nil, wrapParseError("workflow document failed validation", err)
	}

	if err := p.validateSemantics(def); err != nil {
		return nil, err
	}

	return def, nil
}

// validateSemantics checks cross-field constraints the struct validator
// cannot express.
func (p *Parser) validateSemantics(def *Definition) error {
	// Deterministic iteration for stable error messages.
	ids := make([]string, 0, len(def.Jobs))
	for id := range def.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := def.Jobs[id]

		for _, need := range job.Needs {
			if _, ok := def.Jobs[need]; !ok {
				return newParseError("job %q needs unknown job %q", id, need)
			}
			if need == id {
				return newParseError("job %q cannot need itself", id)
			}
		}

		for i, step := range job.Steps {
			if step.Run == "" && step.Uses == "" {
				return newParseError("job %q step %d must set either run or uses", id, i)
			}
			if step.Run != "" && step.Uses != "" {
				return newParseError("job %q step %d cannot set both run and uses", id, i)
			}
		}

		if job.Strategy != nil && job.Strategy.Matrix != nil {
			if err := validateMatrix(id, job.Strategy.Matrix); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateMatrix rejects structurally invalid matrix specifications.
func validateMatrix(jobID string, m *MatrixSpec) error {
	for _, axis := range m.AxisOrder {
		if len(m.Axes[axis]) == 0 {
			return newParseError("job %q matrix axis %q has no values", jobID, axis)
		}
	}
	for i, inc := range m.Include {
		if len(inc) == 0 {
			return newParseError("job %q matrix include entry %d is empty", jobID, i)
		}
	}
	for i, exc := range m.Exclude {
		if len(exc) == 0 {
			return newParseError("job %q matrix exclude entry %d is empty", jobID, i)
		}
		for key := range exc {
			if _, ok := m.Axes[key]; !ok {
				return newParseError("job %q matrix exclude entry %d references unknown axis %q", jobID, i, key)
			}
		}
	}
	return nil
}

// document is the raw YAML shape of a workflow file. The exported Definition
// is built from it so that trigger lists can accept both scalar and sequence
// forms.
type document struct {
	Name string                    `yaml:"name"`
	On   triggerList               `yaml:"on"`
	Jobs map[string]*JobDefinition `yaml:"jobs"`
}

// triggerList accepts either a single scalar trigger or a sequence of
// triggers. A mapping form (triggers with filters) contributes its keys.
type triggerList []string

func (t *triggerList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			*t = append(*t, node.Content[i].Value)
		}
		return nil
	default:
		return fmt.Errorf("on: unsupported node kind %s", nodeKind(node))
	}
}
