// Package store implements the engine's persistence contract on gorm.
// This package is internal and should not be imported by external projects.
//
// 行布局是实现细节：图快照、活动节点集、业务记录快照都用 JSON 列存；
// 引用完整性（任务引用实例、路由引用节点键）由 Store 保证，不指望
// 调用方自觉。
package store
