/*
Package main 提供 HolonFlow 的命令行入口。

# 概述

cmd/holonflow 以 cobra 子命令运行两类 Agent：dispatcher（调度）与
holon（机器）。两者共享同一套运行时：zap 日志、OpenTelemetry、
Prometheus 指标、/metrics 与 /health 运维端点、消息客户端和配置热更新。

# 子命令

  - dispatcher: 注册表、剪枝器、协调器、运输代理、注册监听器
  - holon: 能力描述/能力图、属性匹配、排程、运输协商、报价与心跳
  - migrate: 能力图数据库迁移（up、down、status、version、info）
  - health: 查询运行中 Agent 的 /health
  - version: 构建信息，Version、BuildTime、GitCommit 由 ldflags 注入

# 热更新

指定 --config 时监听配置文件。日志级别与采样率对所有角色生效，
CFP 超时与能力预检只影响调度 Agent；其余字段变更需要重启。

# 并发

holon 通过有界工作池规划 CFP，negotiation.planner_workers 为 0 时不限制。
*/
package main
