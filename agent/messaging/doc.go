/*
Package messaging 提供 agent 之间的发布/订阅通信层.

所有 agent 通过 Envelope 交换消息:每个信封带有 performative (CallForProposal,
Proposal, Refusal 等), conversation id, 发送方与 JSON 负载. 主题名由 Topics
根据命名空间解析, 例如 "/factory/ProcessChain".

# 后端

  - MemoryBus / MemoryClient: 进程内总线, 用于测试和单进程部署
  - RedisClient: Redis PUBLISH/SUBSCRIBE
  - NATSClient: NATS core subjects ("/" 映射为 ".")
  - KafkaClient: Kafka topics, 每个 agent 使用独立 consumer group

# 会话路由

RegisterConversation 将指定 conversation id 的所有入站信封路由到回调,
协调者在发出 CFP 之前注册, 以免错过快速的回复:

	sub, _ := client.RegisterConversation(convID, onReply)
	defer sub.Unsubscribe()
	_ = client.Publish(ctx, topics.ProcessChain(), env)

会话回调只接收本客户端已订阅主题上的信封.
*/
package messaging
