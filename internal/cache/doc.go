// Package cache provides the redis-backed read-through cache used by the
// organization directory. This package is internal and should not be
// imported by external projects.
//
// 键按实体类型加前缀（dir:user: / dir:role: / dir:dept:），失效按
// 前缀整类清除，而不是散落在各处的进程内 map。
package cache
