// Package telemetry 启动 Agent 进程的 OTLP trace 与 metric 导出，
// 并提供可热更新的根 span 采样率。未启用时全局 Provider 保持 noop。
package telemetry
