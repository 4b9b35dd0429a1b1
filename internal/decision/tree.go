// Package decision records the branching decision history of an evolution
// session as a rooted tree. Nodes live in an arena keyed by ID; parent and
// child links are IDs, never pointers.
package decision

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRootExists is returned when CreateRoot is called on a tree that
	// already has a root.
	ErrRootExists = errors.New("decision tree already has a root")
	// ErrNoRoot is returned when a decision is added before the root.
	ErrNoRoot = errors.New("decision tree has no root")
	// ErrNodeNotFound is returned for an unknown node ID.
	ErrNodeNotFound = errors.New("decision node not found")
	// ErrOutcomeSet is returned when a node's outcome is set twice.
	ErrOutcomeSet = errors.New("decision outcome already set")
	// ErrHasChildren is returned when removing a node that is not a leaf.
	ErrHasChildren = errors.New("decision node has children")
)

// Node is one decision point. Outcome stays nil until resolved.
type Node struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	StepID       string             `json:"step_id"`
	ParentID     string             `json:"parent_id,omitempty"`
	DecisionType string             `json:"decision_type"`
	Context      map[string]any     `json:"context,omitempty"`
	Outcome      any                `json:"outcome,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	Children     []string           `json:"children,omitempty"`

	resolved bool
	prev     string // current node before this one was inserted
}

// Resolved reports whether the node's outcome has been set.
func (n Node) Resolved() bool { return n.resolved }

// Tree is the decision tree of one session. It is not safe for concurrent
// use; the owning session serializes access.
type Tree struct {
	sessionID string
	nodes     map[string]*Node
	order     []string
	root      string
	current   string

	now func() time.Time
}

// New returns an empty tree for the session.
func New(sessionID string) *Tree {
	return &Tree{
		sessionID: sessionID,
		nodes:     make(map[string]*Node),
		now:       time.Now,
	}
}

// SessionID returns the owning session's ID.
func (t *Tree) SessionID() string { return t.sessionID }

// Root returns the root node ID, or "" before CreateRoot.
func (t *Tree) Root() string { return t.root }

// Current returns the ID of the most recently added node.
func (t *Tree) Current() string { return t.current }

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.order) }

// CreateRoot creates the root node. It may be called at most once.
func (t *Tree) CreateRoot(stepID, decisionType string, ctx map[string]any) (Node, error) {
	if t.root != "" {
		return Node{}, ErrRootExists
	}
	n := t.insert(stepID, decisionType, ctx, "")
	t.root = n.ID
	return *n, nil
}

// AddDecision creates a node below parentID when it names an existing
// node, otherwise below the current node. The new node becomes current;
// its ID is the handle to pass as parentID on the next call.
func (t *Tree) AddDecision(stepID, decisionType string, ctx map[string]any, parentID string) (Node, error) {
	if t.root == "" {
		return Node{}, ErrNoRoot
	}
	parent := t.root
	if _, ok := t.nodes[parentID]; ok {
		parent = parentID
	} else if t.current != "" {
		parent = t.current
	}
	n := t.insert(stepID, decisionType, ctx, parent)
	p := t.nodes[parent]
	p.Children = append(p.Children, n.ID)
	return *n, nil
}

func (t *Tree) insert(stepID, decisionType string, ctx map[string]any, parent string) *Node {
	n := &Node{
		ID:           uuid.NewString(),
		SessionID:    t.sessionID,
		StepID:       stepID,
		ParentID:     parent,
		DecisionType: decisionType,
		Context:      ctx,
		Metrics:      map[string]float64{},
		Timestamp:    t.now().UTC(),
		prev:         t.current,
	}
	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	t.current = n.ID
	return n
}

// Remove deletes a leaf node and undoes its insertion: it is detached from
// its parent, and if it was current the previous current node is restored.
func (t *Tree) Remove(id string) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if len(n.Children) > 0 {
		return fmt.Errorf("%w: %s", ErrHasChildren, id)
	}
	if p, ok := t.nodes[n.ParentID]; ok {
		p.Children = slices.DeleteFunc(p.Children, func(c string) bool { return c == id })
	}
	delete(t.nodes, id)
	t.order = slices.DeleteFunc(t.order, func(o string) bool { return o == id })
	if t.root == id {
		t.root = ""
	}
	if t.current == id {
		t.current = n.prev
		if _, ok := t.nodes[t.current]; !ok {
			t.current = n.ParentID
		}
	}
	return nil
}

// SetOutcome attaches the terminal outcome of a node. A node takes at most
// one outcome.
func (t *Tree) SetOutcome(id string, outcome any, metrics map[string]float64) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.resolved {
		return fmt.Errorf("%w: %s", ErrOutcomeSet, id)
	}
	n.Outcome = outcome
	n.resolved = true
	for k, v := range metrics {
		n.Metrics[k] = v
	}
	return nil
}

// Node returns a copy of the node with the given ID.
func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes in insertion order.
func (t *Tree) Nodes() []Node {
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// PathToNode returns the nodes from the root to id, inclusive.
func (t *Tree) PathToNode(id string) ([]Node, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var path []Node
	for cur := id; cur != ""; cur = t.nodes[cur].ParentID {
		path = append(path, *t.nodes[cur])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Depth returns the number of edges between the root and id.
func (t *Tree) Depth(id string) (int, error) {
	if _, ok := t.nodes[id]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	d := 0
	for cur := t.nodes[id].ParentID; cur != ""; cur = t.nodes[cur].ParentID {
		d++
	}
	return d, nil
}

// Pattern describes a root-to-leaf path that ended in a successful outcome.
type Pattern struct {
	Path        []string           `json:"path"`
	ContextKeys []string           `json:"context_keys"`
	Outcome     any                `json:"outcome"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Analysis summarizes the shape of a tree.
type Analysis struct {
	Depth              int            `json:"depth"`
	NodeCount          int            `json:"node_count"`
	DecisionTypes      map[string]int `json:"decision_types"`
	SuccessfulPatterns []Pattern      `json:"successful_patterns"`
}

// Analyze computes depth, node count, the decision-type histogram, and the
// patterns of successful leaves.
func (t *Tree) Analyze() Analysis {
	a := Analysis{
		NodeCount:          len(t.order),
		DecisionTypes:      map[string]int{},
		SuccessfulPatterns: []Pattern{},
	}
	for _, id := range t.order {
		n := t.nodes[id]
		a.DecisionTypes[n.DecisionType]++
		d, _ := t.Depth(id)
		if d > a.Depth {
			a.Depth = d
		}
		if len(n.Children) > 0 || !IsSuccessful(n.Outcome) {
			continue
		}
		path, _ := t.PathToNode(id)
		types := make([]string, len(path))
		for i, p := range path {
			types[i] = p.DecisionType
		}
		keys := make([]string, 0, len(n.Context))
		for k := range n.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		a.SuccessfulPatterns = append(a.SuccessfulPatterns, Pattern{
			Path:        types,
			ContextKeys: keys,
			Outcome:     n.Outcome,
			Metrics:     n.Metrics,
		})
	}
	return a
}

// IsSuccessful interprets an outcome value. Maps succeed when "success" is
// true or "improvement" is positive, numbers when positive, booleans as
// themselves. Anything else is unsuccessful.
func IsSuccessful(outcome any) bool {
	switch v := outcome.(type) {
	case map[string]any:
		if s, ok := v["success"].(bool); ok && s {
			return true
		}
		if imp, ok := toFloat(v["improvement"]); ok && imp > 0 {
			return true
		}
		return false
	case bool:
		return v
	default:
		f, ok := toFloat(v)
		return ok && f > 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
