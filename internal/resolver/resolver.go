// internal/resolver/resolver.go
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/AGENTCORE/internal/llm"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/types"
)

// Time-estimation constants. Explicit task estimates always win.
const (
	DefaultTaskTimeEstimate     = 30 * time.Second
	ToolExecutionBaseTime       = 10 * time.Second
	CompositeTaskTimeMultiplier = 15 * time.Second       // per declared subtask
	TextLengthTimeMultiplier    = 50 * time.Millisecond  // per description character
	MinTaskTimeEstimate         = 5 * time.Second
	MaxTaskTimeEstimate         = 5 * time.Minute
)

// Node is one task in the dependency graph
type Node struct {
	Task          types.TaskSpec      `json:"task"`
	Dependencies  map[string]struct{} `json:"-"`
	Dependents    map[string]struct{} `json:"-"`
	EstimatedTime time.Duration       `json:"estimatedTime"`
	Priority      int                 `json:"priority"`
}

// Options tunes a resolution pass
type Options struct {
	// DisableCycleDetection skips the explicit DFS pass; Kahn's sort still
	// reports unsortable graphs as DependencyResolution failures.
	DisableCycleDetection bool

	// AnalyzeSemanticDependencies asks the LLM for additional edges. Any
	// failure or unparseable reply degrades to "no semantic deps found".
	AnalyzeSemanticDependencies bool

	LLM   llm.Client
	Tools tools.Registry
}

// Metadata summarizes a resolution pass
type Metadata struct {
	TaskCount      int       `json:"taskCount"`
	FilteredCount  int       `json:"filteredCount"`
	ExplicitEdges  int       `json:"explicitEdges"`
	ResourceEdges  int       `json:"resourceEdges"`
	DataFlowEdges  int       `json:"dataFlowEdges"`
	ToolEdges      int       `json:"toolEdges"`
	SemanticEdges  int       `json:"semanticEdges"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}

// Result is a complete resolution: ordering, grouping, and timing
type Result struct {
	Success              bool                `json:"success"`
	ExecutionOrder       []string            `json:"executionOrder"`
	ParallelGroups       [][]string          `json:"parallelGroups"`
	CriticalPath         []string            `json:"criticalPath"`
	EstimatedTime        time.Duration       `json:"estimatedTime"`
	Graph                map[string]*Node    `json:"dependencyGraph"`
	ResourceDependencies map[string][]string `json:"resourceDependencies"`
	Metadata             Metadata            `json:"metadata"`
}

// Resolve builds the dependency graph for the task set, rejects cycles,
// topologically sorts it, identifies parallel groups, and computes the
// critical path and the total time estimate.
func Resolve(ctx context.Context, taskSpecs []types.TaskSpec, opts Options) (*Result, error) {
	meta := Metadata{ResolvedAt: time.Now()}

	// 1. Filter ill-formed declarations
	var accepted []types.TaskSpec
	for _, t := range taskSpecs {
		if !t.WellFormed() {
			meta.FilteredCount++
			continue
		}
		accepted = append(accepted, t)
	}
	meta.TaskCount = len(accepted)
	if len(accepted) == 0 {
		return nil, recovery.InvalidInputError("no well-formed tasks to resolve")
	}

	// 2. Build the graph
	graph := make(map[string]*Node, len(accepted))
	for _, t := range accepted {
		graph[t.ID] = &Node{
			Task:          t,
			Dependencies:  make(map[string]struct{}),
			Dependents:    make(map[string]struct{}),
			EstimatedTime: EstimateTaskTime(t),
			Priority:      t.EffectivePriority(),
		}
	}

	resourceDeps := make(map[string][]string)
	addEdge := func(dependent, prerequisite string, counter *int) {
		if dependent == prerequisite {
			return
		}
		to, okTo := graph[dependent]
		from, okFrom := graph[prerequisite]
		if !okTo || !okFrom {
			return
		}
		if _, exists := to.Dependencies[prerequisite]; exists {
			return
		}
		to.Dependencies[prerequisite] = struct{}{}
		from.Dependents[dependent] = struct{}{}
		*counter++
	}

	// 2a. Explicit dependencies
	for _, t := range accepted {
		for _, dep := range t.Dependencies {
			addEdge(t.ID, dep, &meta.ExplicitEdges)
		}
	}

	// 2b. Resource edges: consumers depend on producers; exclusive
	// collisions serialize behind the higher-priority task
	for _, a := range accepted {
		for _, b := range accepted {
			if a.ID == b.ID {
				continue
			}
			if intersects(b.Resources.Outputs, a.Resources.Inputs) {
				before := meta.ResourceEdges
				addEdge(a.ID, b.ID, &meta.ResourceEdges)
				if meta.ResourceEdges > before {
					resourceDeps[a.ID] = append(resourceDeps[a.ID], b.ID)
				}
			}
		}
	}
	for i, a := range accepted {
		for _, b := range accepted[i+1:] {
			if !intersects(a.Resources.Exclusive, b.Resources.Exclusive) {
				continue
			}
			first, second := a, b
			if rankAfter(a, b) {
				first, second = b, a
			}
			// Only add when it does not immediately contradict an
			// existing edge in the other direction
			if _, exists := graph[first.ID].Dependencies[second.ID]; exists {
				continue
			}
			before := meta.ResourceEdges
			addEdge(second.ID, first.ID, &meta.ResourceEdges)
			if meta.ResourceEdges > before {
				resourceDeps[second.ID] = append(resourceDeps[second.ID], first.ID)
			}
		}
	}

	// 2c. Data-flow edges from $var / ${var} references and parameter names
	for _, t := range accepted {
		for ref := range dataFlowRefs(t) {
			for _, other := range accepted {
				if other.ID == t.ID {
					continue
				}
				if other.ID == ref || contains(other.Resources.Outputs, ref) {
					addEdge(t.ID, other.ID, &meta.DataFlowEdges)
				}
			}
		}
	}

	// 2d. Tool prerequisite edges
	if opts.Tools != nil {
		toolUsers := make(map[string][]string) // tool name -> task ids
		for _, t := range accepted {
			if t.Tool != "" {
				toolUsers[t.Tool] = append(toolUsers[t.Tool], t.ID)
			}
		}
		for _, t := range accepted {
			if t.Tool == "" {
				continue
			}
			tool, ok := opts.Tools.GetTool(t.Tool)
			if !ok {
				continue
			}
			for _, prereqTool := range tool.Dependencies() {
				for _, prereqTask := range toolUsers[prereqTool] {
					addEdge(t.ID, prereqTask, &meta.ToolEdges)
				}
			}
		}
	}

	// 2e. Optional semantic edges, best-effort only
	if opts.AnalyzeSemanticDependencies && opts.LLM != nil {
		for _, edge := range semanticEdges(ctx, opts.LLM, accepted) {
			addEdge(edge.From, edge.To, &meta.SemanticEdges)
		}
	}

	// 3. Cycle detection
	if !opts.DisableCycleDetection {
		if cycles := detectCycles(graph); len(cycles) > 0 {
			return nil, &recovery.CircularDependencyError{Paths: cycles}
		}
	}

	// 4. Topological sort (Kahn)
	order, err := topoSort(graph)
	if err != nil {
		return nil, err
	}

	// 5-7. Grouping, critical path, total estimate
	ancestors := transitiveAncestors(graph, order)
	groups := parallelGroups(graph, order, ancestors)
	critical := criticalPath(graph, order)

	var total time.Duration
	for _, group := range groups {
		var groupMax time.Duration
		for _, id := range group {
			if est := graph[id].EstimatedTime; est > groupMax {
				groupMax = est
			}
		}
		total += groupMax
	}

	return &Result{
		Success:              true,
		ExecutionOrder:       order,
		ParallelGroups:       groups,
		CriticalPath:         critical,
		EstimatedTime:        total,
		Graph:                graph,
		ResourceDependencies: resourceDeps,
		Metadata:             meta,
	}, nil
}

// EstimateTaskTime predicts a task's runtime from its shape
func EstimateTaskTime(t types.TaskSpec) time.Duration {
	if t.EstimatedTime > 0 {
		return t.EstimatedTime
	}
	if t.Tool != "" {
		return ToolExecutionBaseTime
	}
	if len(t.Subtasks) > 0 {
		return time.Duration(len(t.Subtasks)) * CompositeTaskTimeMultiplier
	}
	if t.Description != "" {
		est := time.Duration(len(t.Description)) * TextLengthTimeMultiplier
		if est < MinTaskTimeEstimate {
			return MinTaskTimeEstimate
		}
		if est > MaxTaskTimeEstimate {
			return MaxTaskTimeEstimate
		}
		return est
	}
	return DefaultTaskTimeEstimate
}

// rankAfter reports whether a should run after b for exclusive-resource
// serialization: lower priority number runs first, ties break lexically
func rankAfter(a, b types.TaskSpec) bool {
	pa, pb := a.EffectivePriority(), b.EffectivePriority()
	if pa != pb {
		return pa > pb
	}
	return a.ID > b.ID
}

// dataFlowRefs extracts $var and ${var} tokens from the description and
// string params, plus parameter names themselves
func dataFlowRefs(t types.TaskSpec) map[string]struct{} {
	refs := make(map[string]struct{})
	collect := func(s string) {
		for _, ref := range extractVarRefs(s) {
			refs[ref] = struct{}{}
		}
	}
	collect(t.Description)
	for name, value := range t.Params {
		refs[name] = struct{}{}
		if s, ok := value.(string); ok {
			collect(s)
		}
	}
	return refs
}

// extractVarRefs finds ${var} and $var tokens in a string
func extractVarRefs(s string) []string {
	var refs []string
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			continue
		}
		rest := s[i+1:]
		if strings.HasPrefix(rest, "{") {
			if end := strings.IndexByte(rest, '}'); end > 1 {
				refs = append(refs, rest[1:end])
				i += end + 1
			}
			continue
		}
		end := 0
		for end < len(rest) && isIdentChar(rest[end]) {
			end++
		}
		if end > 0 {
			refs = append(refs, rest[:end])
			i += end
		}
	}
	return refs
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type semanticEdge struct {
	From string `json:"from"` // dependent task
	To   string `json:"to"`   // prerequisite task
}

// semanticEdges asks the LLM for implicit ordering constraints. The reply
// must be a bare JSON array of {from,to} objects; anything else yields no
// edges.
func semanticEdges(ctx context.Context, client llm.Client, taskSpecs []types.TaskSpec) []semanticEdge {
	var sb strings.Builder
	sb.WriteString("Given these tasks, list implicit ordering dependencies as a JSON array of {\"from\": dependentTaskId, \"to\": prerequisiteTaskId}. Reply with the array only.\n")
	for _, t := range taskSpecs {
		fmt.Fprintf(&sb, "- %s: %s\n", t.ID, t.Description)
	}

	reply, err := client.SendMessage(ctx, sb.String(), llm.SendOptions{ResponseFormat: "json"})
	if err != nil {
		log.Printf("[RESOLVER] semantic dependency analysis unavailable: %v", err)
		return nil
	}

	var edges []semanticEdge
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &edges); err != nil {
		log.Printf("[RESOLVER] semantic dependency reply not a JSON array, ignoring")
		return nil
	}
	return edges
}

// detectCycles runs DFS with an on-path set and collects cycle paths
func detectCycles(graph map[string]*Node) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var cycles [][]string
	var path []string
	onPath := make(map[string]int) // id -> index in path

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		onPath[id] = len(path)
		path = append(path, id)

		deps := sortedKeys(graph[id].Dependencies)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				start := onPath[dep]
				cycle := append(append([]string(nil), path[start:]...), dep)
				cycles = append(cycles, cycle)
			}
		}

		path = path[:len(path)-1]
		delete(onPath, id)
		color[id] = black
	}

	for _, id := range sortedGraphKeys(graph) {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// topoSort runs Kahn's algorithm with a deterministic ready order:
// priority first, then lexical id
func topoSort(graph map[string]*Node) ([]string, error) {
	inDegree := make(map[string]int, len(graph))
	for id, node := range graph {
		inDegree[id] = len(node.Dependencies)
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortReady(graph, ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for dep := range graph[id].Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sortReady(graph, ready)
		}
	}

	if len(order) != len(graph) {
		return nil, fmt.Errorf("%w: sorted %d of %d tasks", recovery.ErrDependencyResolution, len(order), len(graph))
	}
	return order, nil
}

func sortReady(graph map[string]*Node, ready []string) {
	sort.Slice(ready, func(i, j int) bool {
		a, b := graph[ready[i]], graph[ready[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return ready[i] < ready[j]
	})
}

// transitiveAncestors computes, for each task, the full set of tasks it
// transitively depends on. Processed in topological order so each node
// folds its direct dependencies' closures.
func transitiveAncestors(graph map[string]*Node, order []string) map[string]map[string]struct{} {
	ancestors := make(map[string]map[string]struct{}, len(order))
	for _, id := range order {
		set := make(map[string]struct{})
		for dep := range graph[id].Dependencies {
			set[dep] = struct{}{}
			for a := range ancestors[dep] {
				set[a] = struct{}{}
			}
		}
		ancestors[id] = set
	}
	return ancestors
}

// parallelGroups greedily packs the sorted order into groups where no
// member transitively depends on another and exclusive resources stay
// disjoint against every member already in the group
func parallelGroups(graph map[string]*Node, order []string, ancestors map[string]map[string]struct{}) [][]string {
	var groups [][]string
	var current []string

	compatible := func(candidate string) bool {
		for _, member := range current {
			if _, ok := ancestors[candidate][member]; ok {
				return false
			}
			if _, ok := ancestors[member][candidate]; ok {
				return false
			}
			if intersects(graph[candidate].Task.Resources.Exclusive, graph[member].Task.Resources.Exclusive) {
				return false
			}
		}
		return true
	}

	for _, id := range order {
		if len(current) == 0 || compatible(id) {
			current = append(current, id)
			continue
		}
		groups = append(groups, current)
		current = []string{id}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// criticalPath finds the longest weighted path by estimated time
func criticalPath(graph map[string]*Node, order []string) []string {
	dist := make(map[string]time.Duration, len(order))
	prev := make(map[string]string, len(order))

	for _, id := range order {
		var best time.Duration
		bestPrev := ""
		for dep := range graph[id].Dependencies {
			if dist[dep] > best || (dist[dep] == best && bestPrev == "") {
				best = dist[dep]
				bestPrev = dep
			}
		}
		dist[id] = best + graph[id].EstimatedTime
		if bestPrev != "" {
			prev[id] = bestPrev
		}
	}

	var endID string
	var endDist time.Duration = -1
	for _, id := range order {
		if dist[id] > endDist {
			endDist = dist[id]
			endID = id
		}
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	return path
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedGraphKeys(graph map[string]*Node) []string {
	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
