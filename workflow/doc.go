// Package workflow implements the approval-flow engine core: the workflow
// definition model (typed node/route graph), the graph validator, the pure
// condition evaluator, the instance execution engine and the task/approval
// lifecycle.
//
// 持久化与组织架构解析都隐藏在接口后面（Store / Directory），由
// internal/store 和 internal/directory 提供实现。包本身不依赖任何
// 具体数据库或缓存。
//
// Typical flow:
//
//	eng := workflow.NewEngine(store, directory, logger)
//	inst, _ := eng.Start(ctx, workflow.StartRequest{
//	    ModuleType:   "contract",
//	    ModuleID:     "C-2025-001",
//	    OriginatorID: "u-1001",
//	    Record:       map[string]any{"amount": 150000},
//	})
//	eng.ResolveTask(ctx, workflow.ResolveRequest{
//	    TaskID: taskID, Decision: workflow.DecisionApprove, ActorID: "u-2001",
//	})
package workflow
