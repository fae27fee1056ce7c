// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the memtierd dispatcher process entry point.

# Overview

cmd/memtierd is the executable entry point for the tiered memory
service: it loads config.json and .env, wires the STM/LTM/UserLog
stores, the compressor, the decay scheduler and the optional Redis
cache / Mongo audit journal into a bundle.Bundle, and serves the
single websocket control channel the dispatcher package implements.

# Core types

  - none exported beyond main(): the process is a thin composition
    root over config, bundle and dispatcher.

# Capabilities

  - subcommands: serve (default), migrate, dump, version, help
  - structured logging via zap, level controlled by --verbose
  - Prometheus metrics exposed on a side port (/metrics)
  - graceful shutdown: signal -> dispatcher.Shutdown -> bundle.Close
  - build metadata: Version, BuildTime, GitCommit set via ldflags
*/
package main
