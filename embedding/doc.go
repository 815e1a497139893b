/*
包 embedding 提供属性匹配所用的文本嵌入提供者.

# 概述

PropertyMatcher 在精确键与语义 ID 都未命中时, 会把属性的身份文本
(elementKey | semanticId | valueType | comment) 交给嵌入服务换取向量,
再按余弦相似度挑选候选. 本包封装这些 HTTP 服务.

# 核心类型

  - Provider: 统一的嵌入提供者接口.
  - OpenAIProvider: OpenAI 兼容的 /v1/embeddings 接口.
  - ServiceProvider: 简单的文本嵌入服务 (POST {"texts": [...]}).
  - VectorCache: 向量缓存接口, 提供内存与 Redis 两种实现.
  - Error: 带错误码、HTTP 状态与可重试标记的错误.

# 限流

BaseProvider 持有一个 golang.org/x/time/rate 令牌桶,
RequestsPerSecond <= 0 时不限流.
*/
package embedding
