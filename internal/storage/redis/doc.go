// Package redis 提供基于 Redis 的会话存储。会话私钥在写入前使用 keystore
// 格式加密，多个 swapd 实例可以共享同一组会话。
package redis
