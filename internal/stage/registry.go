// Package stage holds the pipeline's stage definitions and the machinery
// that executes them: single attempts, the QA gate, and the bounded fix
// loop that ties the two together.
package stage

import (
	"github.com/screenerlabs/research-pipeline/internal/config"
)

// Name identifies a pipeline stage. Names double as persistence keys, so
// they never change once a run has been recorded under them.
type Name string

const (
	GatherLinks        Name = "gather_links"
	ReadScreenerFields Name = "read_screener_fields"
	ExtractCriteria    Name = "extract_criteria"
	GenerateTests      Name = "generate_tests"
	ConvertToSchema    Name = "convert_to_schema"
	GenerateConfig     Name = "generate_config"
	CreateTicket       Name = "create_ticket"
)

// Definition is one entry in the fixed stage sequence.
type Definition struct {
	Name Name

	// Template names the instruction template rendered for this stage.
	Template string

	// QAGated stages run the full fix loop; others get a single attempt.
	QAGated bool

	// MaxFixIters bounds the fix loop: a gated stage gets at most
	// MaxFixIters+1 attempts before it is left unresolved.
	MaxFixIters int

	// Skippable stages may be excluded by config without breaking the run.
	Skippable bool
}

// Registry returns the pipeline's stage sequence in execution order, with
// per-stage fix bounds resolved from config. The order is fixed; config can
// tune bounds and skip the tail stages but never reorder.
func Registry(p *config.Pipeline) []Definition {
	defs := []Definition{
		{Name: GatherLinks, Template: string(GatherLinks)},
		{Name: ReadScreenerFields, Template: string(ReadScreenerFields)},
		{Name: ExtractCriteria, Template: string(ExtractCriteria), QAGated: true},
		{Name: GenerateTests, Template: string(GenerateTests), QAGated: true},
		{Name: ConvertToSchema, Template: string(ConvertToSchema), QAGated: true},
		{Name: GenerateConfig, Template: string(GenerateConfig), Skippable: true},
		{Name: CreateTicket, Template: string(CreateTicket), Skippable: true},
	}
	for i := range defs {
		defs[i].MaxFixIters = p.MaxFixIterations
		if o, ok := p.Stages[string(defs[i].Name)]; ok && o.MaxFixIterations != nil {
			defs[i].MaxFixIters = *o.MaxFixIterations
		}
	}
	return defs
}

// Known maps every stage name to whether it is skippable, for config
// validation.
func Known() map[string]bool {
	known := make(map[string]bool)
	for _, d := range Registry(&config.Pipeline{}) {
		known[string(d.Name)] = d.Skippable
	}
	return known
}

// Find returns the definition with the given name, or false.
func Find(defs []Definition, name string) (Definition, bool) {
	for _, d := range defs {
		if string(d.Name) == name {
			return d, true
		}
	}
	return Definition{}, false
}
