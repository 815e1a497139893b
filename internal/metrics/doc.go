/*
包 metrics 提供基于 Prometheus 的协商链路指标采集能力。

# 概述

Collector 通过 promauto 注册指标, 默认注册到全局 Registry, 也可以
通过 NewCollectorWithRegisterer 指定独立的 Registerer。所有指标按
namespace 隔离。

# 主要能力

  - 协商指标: 按角色与结果统计的协商次数和耗时, 发出的 CFP 数量,
    按 performative 统计的响应数, 按放置位置统计的运输协商结果。
  - 匹配指标: 按匹配方式和失败代码统计的属性匹配结果。Collector
    实现了 matching.Recorder。
  - 注册表指标: 当前提供者数量 Gauge 与事件计数。
  - 嵌入向量与缓存指标: 命中与未命中计数。
  - HTTP 与数据库指标: 健康检查端点请求, 连接池状态与查询耗时。
*/
package metrics
