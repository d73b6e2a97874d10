package provenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskcore/internal/audit"
)

// ActivityType classifies a tracked activity.
type ActivityType string

const (
	ActivityGeneration   ActivityType = "generation"
	ActivityExecution    ActivityType = "execution"
	ActivityVerification ActivityType = "verification"
)

// Activity describes one tracked step.
type Activity struct {
	Type       ActivityType
	Label      string
	Attributes map[string]any
}

// Entity is an input or output artifact. Its id is derived from Value and
// Origin: the same content from the same producer is the same entity, while
// equal outputs of two tasks stay distinct.
type Entity struct {
	Label      string
	Value      any
	Origin     string // Id of the task or step that produced Value, if any
	Attributes map[string]any
}

// ID returns the entity's id.
func (e Entity) ID() (string, error) {
	if e.Origin == "" {
		return EntityID(e.Value)
	}
	return EntityID(map[string]any{"origin": e.Origin, "value": e.Value})
}

// Agent is whoever performed an activity.
type Agent struct {
	ID    string
	Label string
}

// EntityID returns the content-addressed id for value.
func EntityID(value any) (string, error) {
	h, err := audit.CanonicalHash(value)
	if err != nil {
		return "", fmt.Errorf("failed to hash entity: %w", err)
	}
	return "taskcore:entity-" + h[:24], nil
}

// Tracker keeps one provenance graph per request.
type Tracker struct {
	mu     sync.Mutex
	graphs map[string]*Graph
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{graphs: make(map[string]*Graph)}
}

// Track records an activity in requestID's graph. Outputs were generated by
// the activity and derived from every input; the activity used every input
// and was associated with agent. Existing nodes keep their attributes; new
// attributes are added. Returns a copy of the updated graph.
func (t *Tracker) Track(ctx context.Context, requestID string, act Activity, inputs, outputs []Entity, agent Agent) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch act.Type {
	case ActivityGeneration, ActivityExecution, ActivityVerification:
	default:
		return nil, fmt.Errorf("unknown activity type %q", act.Type)
	}
	if agent.ID == "" {
		return nil, fmt.Errorf("agent id must not be empty")
	}

	inIDs, err := entityIDs(inputs)
	if err != nil {
		return nil, err
	}
	outIDs, err := entityIDs(outputs)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.graphs[requestID]
	if !ok {
		g = NewGraph(requestID)
		t.graphs[requestID] = g
	}

	g.activities++
	actID := fmt.Sprintf("request:%s-%d", act.Type, g.activities)
	attrs := map[string]any{"prov:type": string(act.Type), "prov:label": act.Label}
	for k, v := range act.Attributes {
		attrs[k] = v
	}
	merge(g.Activities, actID, attrs)

	agentID := "taskcore:agent-" + agent.ID
	merge(g.Agents, agentID, map[string]any{"prov:label": labelOr(agent.Label, agent.ID)})
	g.relate(WasAssociatedWith, actID, agentID)

	for i, in := range inputs {
		merge(g.Entities, inIDs[i], entityAttrs(in))
		g.relate(Used, actID, inIDs[i])
	}
	for i, out := range outputs {
		merge(g.Entities, outIDs[i], entityAttrs(out))
		g.relate(WasGeneratedBy, outIDs[i], actID)
		for _, inID := range inIDs {
			if inID != outIDs[i] {
				g.relate(WasDerivedFrom, outIDs[i], inID)
			}
		}
	}
	return g.Clone(), nil
}

func entityIDs(entities []Entity) ([]string, error) {
	ids := make([]string, len(entities))
	for i, e := range entities {
		id, err := e.ID()
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.Label, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func entityAttrs(e Entity) map[string]any {
	attrs := map[string]any{"prov:label": e.Label}
	if e.Origin != "" {
		attrs["origin"] = e.Origin
	}
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return attrs
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}

// Graph returns a copy of requestID's graph.
func (t *Tracker) Graph(requestID string) (*Graph, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.graphs[requestID]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Forget drops requestID's graph.
func (t *Tracker) Forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.graphs, requestID)
}
