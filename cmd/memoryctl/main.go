// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Command memoryctl is an interactive client for the dispatcher's
// websocket control channel: it reads one JSON message per line from
// stdin and writes it to the connection, while a second goroutine prints
// every frame the server sends back as it arrives. Several message types
// (store, evict, close) have no response on success, so replies are not
// correlated 1:1 with sent lines here; pass a `uid` in the request body
// and match it against the `uid` field of printed responses if needed.
//
// Usage:
//
//	memoryctl -addr ws://127.0.0.1:4286
//	echo '{"type":"count","ai_name":"assistant","from":["stm","ltm"]}' | memoryctl
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:4286", "dispatcher websocket address")
	flag.Parse()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, *addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "memoryctl exiting")

	fmt.Fprintf(os.Stderr, "connected to %s; enter one JSON message per line (Ctrl-D to quit)\n", *addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "\nconnection closed: %v\n", err)
				}
				return
			}
			fmt.Printf("< %s\n", data)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			break
		}

		if strings.Contains(line, `"type":"close"`) || strings.Contains(line, `"type": "close"`) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stdin: %v\n", err)
	}

	cancel()
	<-done
}
