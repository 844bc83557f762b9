package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// NodeType is the kind of a node in the visual flow editor.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeWait      NodeType = "wait"
	NodeEmail     NodeType = "email"
	NodeCondition NodeType = "condition"
	NodeTag       NodeType = "tag"
	NodeNotify    NodeType = "notify"
)

var nodeSteps = map[NodeType]domain.StepType{
	NodeWait:      domain.StepWait,
	NodeEmail:     domain.StepSendEmail,
	NodeCondition: domain.StepBranch,
	NodeTag:       domain.StepAddTag,
	NodeNotify:    domain.StepNotify,
}

// NodeData holds every node type's parameters; each type reads its own.
type NodeData struct {
	Trigger    domain.TriggerType   `json:"trigger,omitempty"`
	Days       int                  `json:"days,omitempty"`
	Delay      int                  `json:"delay,omitempty"`
	Unit       string               `json:"unit,omitempty"`
	TemplateID string               `json:"templateId,omitempty"`
	Conditions json.RawMessage      `json:"conditions,omitempty"`
	OnFalse    domain.BranchOnFalse `json:"onFalse,omitempty"`
	Tag        string               `json:"tag,omitempty"`
	Subject    string               `json:"subject,omitempty"`
	Message    string               `json:"message,omitempty"`
}

type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the editor's node/edge document.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Compiled is a validated flow ready to be stored as an automation.
type Compiled struct {
	TriggerType   domain.TriggerType
	TriggerConfig domain.TriggerConfig
	Steps         []domain.AutomationStep
}

// ParseGraph decodes an editor document and normalizes node types.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	for i := range g.Nodes {
		g.Nodes[i].Type = NodeType(strings.ToLower(strings.TrimSpace(string(g.Nodes[i].Type))))
	}
	return &g, nil
}

// Compile validates the graph and linearizes it breadth-first from the
// trigger. Siblings are visited in edge order and a flow that loops back on
// itself is rejected. Every problem found is reported, joined under
// ErrInvalidFlow.
func Compile(g *Graph) (*Compiled, error) {
	var problems []error
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	nodes := make(map[string]*Node, len(g.Nodes))
	var trigger *Node
	triggers := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			bad("node %d has no id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			bad("duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
		if n.Type == NodeTrigger {
			triggers++
			trigger = n
		} else if _, ok := nodeSteps[n.Type]; !ok {
			bad("node %q: unknown type %q", n.ID, n.Type)
		}
	}
	if triggers != 1 {
		bad("flow needs exactly one trigger node, found %d", triggers)
	}

	incoming := make(map[string]int, len(nodes))
	out := make(map[string][]string, len(nodes))
	for _, e := range g.Edges {
		src, dst := nodes[e.Source], nodes[e.Target]
		if src == nil || dst == nil {
			bad("edge %s->%s references an unknown node", e.Source, e.Target)
			continue
		}
		if dst.Type == NodeTrigger {
			bad("edge %s->%s points at the trigger", e.Source, e.Target)
			continue
		}
		incoming[e.Target]++
		out[e.Source] = append(out[e.Source], e.Target)
	}

	var cfg domain.TriggerConfig
	if triggers == 1 {
		cfg = validateTrigger(trigger, bad)
	}

	var order []*Node
	if triggers == 1 {
		seen := map[string]bool{trigger.ID: true}
		queue := []string{trigger.ID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, next := range out[id] {
				if seen[next] {
					continue
				}
				seen[next] = true
				order = append(order, nodes[next])
				queue = append(queue, next)
			}
		}
		for i := range g.Nodes {
			n := &g.Nodes[i]
			if n.Type == NodeTrigger || nodes[n.ID] != n {
				continue
			}
			if incoming[n.ID] == 0 {
				bad("node %q has no incoming edge", n.ID)
			} else if !seen[n.ID] {
				bad("node %q is not reachable from the trigger", n.ID)
			}
		}
		if id, ok := findCycle(trigger.ID, out); ok {
			bad("flow loops back to node %q", id)
		}
	}

	steps := make([]domain.AutomationStep, 0, len(order))
	for _, n := range order {
		st, err := compileNode(n)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		st.StepOrder = len(steps) + 1
		steps = append(steps, st)
	}
	if len(problems) == 0 && len(steps) == 0 {
		bad("flow has no steps after the trigger")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, errors.Join(problems...))
	}
	return &Compiled{TriggerType: trigger.Data.Trigger, TriggerConfig: cfg, Steps: steps}, nil
}

// findCycle reports the first node reached twice on one path from start.
func findCycle(start string, out map[string][]string) (string, bool) {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		state[id] = visiting
		for _, next := range out[id] {
			switch state[next] {
			case visiting:
				return next, true
			case 0:
				if hit, ok := visit(next); ok {
					return hit, true
				}
			}
		}
		state[id] = done
		return "", false
	}
	return visit(start)
}

func validateTrigger(n *Node, bad func(string, ...interface{})) domain.TriggerConfig {
	n.Data.Trigger = domain.TriggerType(strings.ToUpper(strings.TrimSpace(string(n.Data.Trigger))))
	var cfg domain.TriggerConfig
	switch n.Data.Trigger {
	case domain.TriggerSignup, domain.TriggerOrderPaid:
	case domain.TriggerNoPurchaseInDays:
		if n.Data.Days <= 0 {
			bad("trigger %s needs days > 0", n.Data.Trigger)
		}
		cfg.Days = n.Data.Days
	case domain.TriggerAbandonedCheckout:
		m, err := NormalizeDelay(n.Data.Delay, n.Data.Unit)
		if err != nil {
			bad("trigger: %v", err)
		} else if m <= 0 {
			bad("trigger %s needs a delay", n.Data.Trigger)
		}
		cfg.DelayMinutes = m
	default:
		bad("trigger node %q: unknown trigger %q", n.ID, n.Data.Trigger)
	}
	return cfg
}

func compileNode(n *Node) (domain.AutomationStep, error) {
	st := domain.AutomationStep{StepType: nodeSteps[n.Type]}
	d := n.Data
	delay, err := NormalizeDelay(d.Delay, d.Unit)
	if err != nil {
		return st, fmt.Errorf("node %q: %w", n.ID, err)
	}
	st.DelayMinutes = delay

	switch n.Type {
	case NodeEmail:
		if strings.TrimSpace(d.TemplateID) == "" {
			return st, fmt.Errorf("email node %q has no template", n.ID)
		}
		st.TemplateID = d.TemplateID
	case NodeCondition:
		if _, err := segmentation.Parse(d.Conditions); err != nil {
			return st, fmt.Errorf("condition node %q: %w", n.ID, err)
		}
		st.Config.Conditions = d.Conditions
		st.Config.OnFalse = domain.BranchOnFalse(strings.ToUpper(string(d.OnFalse)))
		switch st.Config.OnFalse {
		case "":
			st.Config.OnFalse = domain.BranchContinue
		case domain.BranchContinue, domain.BranchExit:
		default:
			return st, fmt.Errorf("condition node %q: onFalse must be CONTINUE or EXIT", n.ID)
		}
	case NodeTag:
		if strings.TrimSpace(d.Tag) == "" {
			return st, fmt.Errorf("tag node %q has no tag", n.ID)
		}
		st.Config.Tag = strings.TrimSpace(d.Tag)
	case NodeNotify:
		st.Config.Subject = d.Subject
		st.Config.Message = d.Message
	}
	return st, nil
}

// NormalizeDelay converts a delay in days, hours or minutes to minutes. An
// empty unit means minutes.
func NormalizeDelay(n int, unit string) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative delay %d", n)
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "m", "min", "minute", "minutes":
		return n, nil
	case "h", "hour", "hours":
		return n * 60, nil
	case "d", "day", "days":
		return n * 24 * 60, nil
	}
	return 0, fmt.Errorf("unknown delay unit %q", unit)
}
