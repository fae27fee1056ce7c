// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖存储、衰减、
压缩与调度四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 存储指标：STM/LTM 集合规模 Gauge 与逐出计数，
    按 tier/collection 分组。
  - 衰减指标：衰减轮次计数、耗时 Histogram 与过期条目计数，
    按 status/collection 分组。
  - 压缩指标：批次处理计数与死信计数，按 collection/status 分组。
  - 调度指标：消息处理总数与耗时 Histogram，按 type/status 分组，
    同时实现 dispatcher.MetricsSink 接口。
*/
package metrics
