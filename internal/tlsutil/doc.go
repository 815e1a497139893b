// Package tlsutil 集中管理出站连接的 TLS 设置。
//
// 嵌入服务的 HTTP 客户端始终使用 SecureHTTPClient；消息后端按地址协议
// （tls://、rediss:// 等）决定是否启用 TLS，见 ForURL。
package tlsutil
