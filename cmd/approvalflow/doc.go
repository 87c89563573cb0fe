// =============================================================================
// 📦 ApprovalFlow 服务入口
// =============================================================================
// approvalflow 是审批流服务的命令行入口，提供以下子命令:
//
//	serve    启动 HTTP 服务（审批 API + 指标端口 + 到期任务扫描）
//	migrate  数据库迁移（up / down / status / version / force）
//	version  显示版本信息
//	health   对运行中的服务做健康检查
//
// serve 的启动顺序: 配置 → 日志 → 遥测 → 数据库 → 缓存 → 引擎 → HTTP。
// 关闭时按相反顺序优雅释放资源。
package main
