/*
包 server 提供 HolonFlow 进程的运维 HTTP 端点。

# 核心类型

  - Manager：封装 net/http.Server，非阻塞启动、带超时的优雅关闭，
    并通过 Errors() 传播异步错误。
  - Health：命名依赖检查集合（消息总线、能力图存储、Redis 等），
    并发执行，任一失败时 /health 返回 503。
  - NewOpsHandler：挂载 Prometheus /metrics 与 /health。
*/
package server
