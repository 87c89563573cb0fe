package workflow

import (
	"fmt"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 图结构校验器
// =============================================================================
// 定义激活前的结构检查。所有违规一次性收集返回，设计器据此整体高亮，
// 而不是只报第一条。
// =============================================================================

// ValidateDefinition checks the structural invariants a definition must hold
// before it may be activated. It returns nil on success, or a VALIDATION
// *types.Error whose Details list every violated rule.
func ValidateDefinition(def *Definition) error {
	var violations []string

	if def == nil {
		return types.NewValidationError([]string{"definition is nil"})
	}
	if def.ModuleType == "" {
		violations = append(violations, "module type is required")
	}
	if def.Code == "" {
		violations = append(violations, "definition code is required")
	}

	nodeByKey := make(map[string]*Node, len(def.Nodes))
	var startCount, endCount int
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Key == "" {
			violations = append(violations, fmt.Sprintf("node #%d has an empty key", i))
			continue
		}
		if _, dup := nodeByKey[n.Key]; dup {
			violations = append(violations, fmt.Sprintf("duplicate node key %q", n.Key))
			continue
		}
		nodeByKey[n.Key] = n

		switch n.Type {
		case NodeTypeStart:
			startCount++
		case NodeTypeEnd:
			endCount++
		case NodeTypeApproval:
			if n.Approval == nil {
				violations = append(violations, fmt.Sprintf("approval node %q has no approval config", n.Key))
				continue
			}
			if n.Approval.Mode != ApprovalModeOr && n.Approval.Mode != ApprovalModeAnd {
				violations = append(violations, fmt.Sprintf("approval node %q has invalid mode %q", n.Key, n.Approval.Mode))
			}
			if len(n.Approval.Approvers) == 0 {
				violations = append(violations, fmt.Sprintf("approval node %q has no approvers", n.Key))
			}
			for _, spec := range n.Approval.Approvers {
				switch spec.Kind {
				case ApproverKindUser, ApproverKindRole, ApproverKindDepartment:
				default:
					violations = append(violations, fmt.Sprintf("approval node %q has unknown approver kind %q", n.Key, spec.Kind))
				}
			}
		case NodeTypeCondition:
			if n.Condition == nil {
				violations = append(violations, fmt.Sprintf("condition node %q has no condition config", n.Key))
			}
		case NodeTypeParallel, NodeTypeMerge:
			// identity only, no required configuration
		default:
			violations = append(violations, fmt.Sprintf("node %q has unknown type %q", n.Key, n.Type))
		}
	}

	if startCount != 1 {
		violations = append(violations, fmt.Sprintf("definition must have exactly one start node, found %d", startCount))
	}
	if endCount == 0 {
		violations = append(violations, "definition must have at least one end node")
	}

	// 路由引用检查
	for i, r := range def.Routes {
		if _, ok := nodeByKey[r.From]; !ok {
			violations = append(violations, fmt.Sprintf("route #%d references unknown source node %q", i, r.From))
		}
		if _, ok := nodeByKey[r.To]; !ok {
			violations = append(violations, fmt.Sprintf("route #%d references unknown destination node %q", i, r.To))
		}
		switch r.Kind {
		case RouteAlways:
		case RouteCondition:
			if r.Condition == nil {
				violations = append(violations, fmt.Sprintf("conditional route #%d (%s -> %s) has no condition", i, r.From, r.To))
			}
		default:
			violations = append(violations, fmt.Sprintf("route #%d has unknown kind %q", i, r.Kind))
		}
	}

	// 出入度检查：除 start 外都要有入边，除 end 外都要有出边
	for key, n := range nodeByKey {
		in := len(def.Incoming(key))
		out := len(def.Outgoing(key))
		if n.Type != NodeTypeStart && in == 0 {
			violations = append(violations, fmt.Sprintf("node %q has no incoming route", key))
		}
		if n.Type == NodeTypeStart && in > 0 {
			violations = append(violations, fmt.Sprintf("start node %q must not have incoming routes", key))
		}
		if n.Type != NodeTypeEnd && out == 0 {
			violations = append(violations, fmt.Sprintf("node %q has no outgoing route", key))
		}
		if n.Type == NodeTypeEnd && out > 0 {
			violations = append(violations, fmt.Sprintf("end node %q must not have outgoing routes", key))
		}

		// 条件节点必须恰好有一条 always 兜底路由，避免运行期全部不命中
		// 而死路。
		if n.Type == NodeTypeCondition {
			always := 0
			for _, r := range def.Outgoing(key) {
				if r.Kind == RouteAlways {
					always++
				}
			}
			if always != 1 {
				violations = append(violations, fmt.Sprintf("condition node %q must have exactly one always fallback route, found %d", key, always))
			}
		}
	}

	// 可达性与可终止性：start 可达的每个节点都必须能走到某个 end，
	// 否则存在永不终止的环或死路。
	if startCount == 1 && len(violations) == 0 {
		violations = append(violations, checkTermination(def, nodeByKey)...)
	}

	if len(violations) > 0 {
		return types.NewValidationError(violations)
	}
	return nil
}

// checkTermination verifies every node reachable from start can still reach
// an end node: forward BFS from start, reverse BFS from the end nodes, and
// any node in the first set but not the second sits on a dead end or a
// never-terminating cycle.
func checkTermination(def *Definition, nodeByKey map[string]*Node) []string {
	start := def.StartNode()
	if start == nil {
		return nil
	}

	reachable := make(map[string]bool)
	stack := []string{start.Key}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[key] {
			continue
		}
		reachable[key] = true
		for _, r := range def.Outgoing(key) {
			stack = append(stack, r.To)
		}
	}

	reachesEnd := make(map[string]bool)
	for key, n := range nodeByKey {
		if n.Type == NodeTypeEnd {
			stack = append(stack, key)
		}
	}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachesEnd[key] {
			continue
		}
		reachesEnd[key] = true
		for _, r := range def.Incoming(key) {
			stack = append(stack, r.From)
		}
	}

	var violations []string
	for _, n := range def.Nodes {
		if reachable[n.Key] && !reachesEnd[n.Key] {
			violations = append(violations, fmt.Sprintf("node %q cannot reach any end node", n.Key))
		}
	}
	return violations
}
