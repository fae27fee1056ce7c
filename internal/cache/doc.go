// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的语义查询缓存能力，支持连接池、健康检查
与 JSON 序列化。

# 概述

本包封装 go-redis 客户端，为 SemanticStore 的查询路径提供可选的
读穿缓存。Manager 负责连接生命周期管理，包括初始化、健康检查与
优雅关闭；SemanticCache 在其之上按 (tier, collection, n, text)
缓存查询结果，以陈旧性换取热集合上重复扫描的开销。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete 等基础操作，
    以及 GetJSON/SetJSON 便捷序列化方法。
  - SemanticCache：查询缓存，包装一个 QueryFunc 形状的底层
    查询，未命中或缓存故障时回落到底层存储。
  - Config：缓存配置，包含地址、密码、连接池大小、默认 TTL
    与健康检查间隔等参数。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的缓存存取。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数；
    缓存故障永远不会让查询失败，仅记录日志后回源。
*/
package cache
