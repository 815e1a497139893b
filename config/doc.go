// Package config 提供 HolonFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → HOLONFLOW_* 环境变量 的顺序叠加，
// Validate 汇总所有校验错误。HotReloadManager 监听配置文件，
// 日志级别等少数字段可在运行时生效，其余变更记录为需要重启。
package config
