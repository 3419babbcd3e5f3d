package blueprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/hostmanager/pkg/config"
)

// StepKind is the operation a step performs.
type StepKind string

const (
	StepCreateElement     StepKind = "create_element"
	StepCreateConnection  StepKind = "create_connection"
	StepConnectionActions StepKind = "connection_actions"
	StepAttach            StepKind = "attach"
	StepElementActions    StepKind = "element_actions"
)

// Step is one unit of work of a plan.
type Step struct {
	// ID is unique within the plan, e.g. "element:vm1" or "attach:lan/vm1_eth0".
	ID   string   `json:"id"`
	Kind StepKind `json:"kind"`

	// Name is the element or connection the step works on. For attach steps
	// it is the connection.
	Name string `json:"name"`

	// Member is the element attached by an attach step.
	Member string `json:"member,omitempty"`

	// Actions run in order by action steps.
	Actions []string `json:"actions,omitempty"`

	// DependsOn lists the steps that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Level is the step's position in the execution order. Steps on the same
	// level are independent.
	Level int `json:"level"`
}

// Plan is the dependency graph of a blueprint, grouped into levels.
type Plan struct {
	Blueprint *config.Blueprint `json:"-"`
	Steps     map[string]*Step  `json:"steps"`

	// Levels holds step IDs by level, each level sorted.
	Levels [][]string `json:"levels"`
}

func elementStep(name string) string    { return "element:" + name }
func connectionStep(name string) string { return "connection:" + name }
func actionsStep(name string) string    { return "actions:" + name }
func attachStep(con, member string) string {
	return "attach:" + con + "/" + member
}

// NewPlan builds the dependency graph of b:
//
//   - an element is created after its parent
//   - a connection's actions run after it is created
//   - an attach waits for the member's creation and the connection's actions
//   - an element's actions run after every attach of the element and its
//     descendants, and after the actions of its parent
func NewPlan(b *config.Blueprint) (*Plan, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}

	p := &Plan{Blueprint: b, Steps: make(map[string]*Step)}
	add := func(s *Step) error {
		if _, exists := p.Steps[s.ID]; exists {
			return fmt.Errorf("duplicate step %s", s.ID)
		}
		p.Steps[s.ID] = s
		return nil
	}

	parents := make(map[string]string, len(b.Elements))
	for _, e := range b.Elements {
		parents[e.Name] = e.Parent
		create := &Step{ID: elementStep(e.Name), Kind: StepCreateElement, Name: e.Name}
		if e.Parent != "" {
			create.DependsOn = append(create.DependsOn, elementStep(e.Parent))
		}
		if err := add(create); err != nil {
			return nil, err
		}
	}

	// attachesBelow collects, per element, the attach steps of the element
	// and all of its descendants.
	attachesBelow := make(map[string][]string)
	for _, c := range b.Connections {
		if err := add(&Step{ID: connectionStep(c.Name), Kind: StepCreateConnection, Name: c.Name}); err != nil {
			return nil, err
		}
		ready := connectionStep(c.Name)
		if len(c.Actions) > 0 {
			if err := add(&Step{
				ID:        actionsStep(c.Name),
				Kind:      StepConnectionActions,
				Name:      c.Name,
				Actions:   c.Actions,
				DependsOn: []string{connectionStep(c.Name)},
			}); err != nil {
				return nil, err
			}
			ready = actionsStep(c.Name)
		}

		for _, m := range c.Members {
			if _, ok := parents[m]; !ok {
				return nil, fmt.Errorf("connection %s: unknown member %s", c.Name, m)
			}
			id := attachStep(c.Name, m)
			if err := add(&Step{
				ID:        id,
				Kind:      StepAttach,
				Name:      c.Name,
				Member:    m,
				DependsOn: []string{ready, elementStep(m)},
			}); err != nil {
				return nil, err
			}
			attachesBelow[m] = append(attachesBelow[m], id)
			for _, n := range ancestors(parents, m) {
				attachesBelow[n] = append(attachesBelow[n], id)
			}
		}
	}

	for _, e := range b.Elements {
		if len(e.Actions) == 0 {
			continue
		}
		deps := []string{elementStep(e.Name)}
		deps = append(deps, attachesBelow[e.Name]...)
		for _, n := range ancestors(parents, e.Name) {
			if ancestor, ok := b.Element(n); ok && len(ancestor.Actions) > 0 {
				deps = append(deps, actionsStep(n))
				break
			}
		}
		if err := add(&Step{
			ID:        actionsStep(e.Name),
			Kind:      StepElementActions,
			Name:      e.Name,
			Actions:   e.Actions,
			DependsOn: deps,
		}); err != nil {
			return nil, err
		}
	}

	if err := p.computeLevels(); err != nil {
		return nil, err
	}
	return p, nil
}

// ancestors returns the parent chain of name, nearest first. It stops at a
// repeated name so a cyclic chain is left for computeLevels to report.
func ancestors(parents map[string]string, name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	for n := parents[name]; n != "" && !seen[n]; n = parents[n] {
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// computeLevels assigns levels with Kahn's algorithm.
func (p *Plan) computeLevels() error {
	dependents := make(map[string][]string, len(p.Steps))
	inDegree := make(map[string]int, len(p.Steps))
	for id, s := range p.Steps {
		inDegree[id] += 0
		for _, dep := range s.DependsOn {
			if _, ok := p.Steps[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var current []string
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		for _, id := range current {
			p.Steps[id].Level = len(p.Levels)
		}
		p.Levels = append(p.Levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(p.Steps) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("circular dependency between steps: %s", strings.Join(stuck, ", "))
	}
	return nil
}

// Size returns the number of steps.
func (p *Plan) Size() int {
	return len(p.Steps)
}

// Ordered returns the steps by level, then by ID.
func (p *Plan) Ordered() []*Step {
	out := make([]*Step, 0, len(p.Steps))
	for _, level := range p.Levels {
		for _, id := range level {
			out = append(out, p.Steps[id])
		}
	}
	return out
}

// ToDOT renders the plan in Graphviz DOT format.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Blueprint {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range p.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			s := p.Steps[id]
			fmt.Fprintf(&sb, "    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				id, stepLabel(s), stepColor(s.Kind))
		}
		sb.WriteString("  }\n\n")
	}

	for _, s := range p.Ordered() {
		for _, dep := range s.DependsOn {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, s.ID)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stepLabel(s *Step) string {
	switch s.Kind {
	case StepAttach:
		return fmt.Sprintf("attach %s to %s", s.Member, s.Name)
	case StepElementActions, StepConnectionActions:
		return fmt.Sprintf("%s: %s", s.Name, strings.Join(s.Actions, ", "))
	default:
		return "create " + s.Name
	}
}

func stepColor(kind StepKind) string {
	switch kind {
	case StepCreateElement, StepCreateConnection:
		return "lightgreen"
	case StepAttach:
		return "lightblue"
	case StepElementActions, StepConnectionActions:
		return "lightyellow"
	default:
		return "white"
	}
}
