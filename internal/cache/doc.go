/*
包 cache 把属性身份文本的嵌入向量缓存在 Redis 中，供多个 holon 共享。

Client 以 KeyPrefix 为命名空间存取向量，值编码为小端 float64 序列
（EncodeVector / DecodeVector）。Addr 可以是 host:port，也可以是
redis:// 或 rediss:// URL；rediss 使用 tlsutil 的加固 TLS 配置。

未命中返回 ErrMiss，关闭后返回 ErrClosed，无法解码的值返回 ErrCorrupt。
*/
package cache
