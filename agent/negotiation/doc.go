/*
包 negotiation 实现能力协商的合同网流程。

# 角色

  - Coordinator: 调度方。把工艺链拆成能力需求, 向注册表中的候选
    提供者发送 CFP, 在限定时间内收集 Proposal/Refusal, 最终回复
    链级 Proposal 或 Refusal。同一会话的拒绝最多发送一次。
  - OfferPlanner: 提供方 (holon)。解析自身能力描述 (图存储优先,
    本地描述兜底), 执行属性匹配, 必要时发起运输子协商, 计算最早
    可行窗口并回复 Offer。任何意外错误都转换为 internal_error 拒绝。
  - TransportNegotiator: 每个运输段使用独立的关联 id, 先订阅响应
    主题再发布请求, 超时视为该段无报价。
  - TransportBroker: 调度方上的运输规划入口, 在运输提供者之间执行
    单需求 CFP 回合。
  - Announcer / RegistrationListener: 注册心跳与库存上报。

# 状态

AgentContext 是类型化的代理上下文, 提供身份, 入站消息槽 (取出即清除)
与库存快照。NegotiationContext 是单个会话的状态, 由 Coordinator 持有并
显式传递, 状态机为 Parsing -> Dispatching -> Collecting -> Resolved。
*/
package negotiation
