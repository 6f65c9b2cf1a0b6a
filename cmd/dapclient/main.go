// Package main provides relaykit-dapclient: a demo Debug Adapter Protocol
// client binary. It connects to a debug adapter over TCP, runs the
// initialize/launch calling sequence, logs stopped/terminated events, and
// exits once the debuggee terminates.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/internal/dap"
	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/rpccore"
)

type initializeResponseBody struct {
	AdapterID string `json:"adapterID,omitempty"`
}

type stoppedEventBody struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"threadId"`
}

type terminatedEventBody struct {
	Restart bool `json:"restart,omitempty"`
}

func responseConstructs() map[string]dap.ResponseConstruct {
	return map[string]dap.ResponseConstruct{
		"initialize": func(body json.RawMessage) (any, error) {
			var b initializeResponseBody
			if len(body) == 0 {
				return b, nil
			}
			err := json.Unmarshal(body, &b)
			return b, err
		},
		"launch": func(body json.RawMessage) (any, error) {
			return struct{}{}, nil
		},
		"configurationDone": func(body json.RawMessage) (any, error) {
			return struct{}{}, nil
		},
	}
}

func main() {
	addr := flag.String("addr", "localhost:4711", "address of the debug adapter to connect to")
	program := flag.String("program", "", "program argument forwarded in the launch request")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	id := uuid.NewString()
	el := events.NewEventLogger(id, "dap-client")
	logger := el.Slog()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	collector := metrics.NewCollector()
	tracker := metrics.NewDriverTracker()

	terminated := make(chan struct{})
	client := dap.New(id, rpccore.Stream{Reader: conn, Writer: conn, Closer: conn}, logger, 64, responseConstructs(),
		dap.WithCollector(collector),
		dap.WithDriverTracker(tracker),
		dap.WithEventLogger(el),
		dap.WithEventHandler(func(name string, construct any) {
			switch name {
			case "stopped":
				if b, ok := construct.(stoppedEventBody); ok {
					logger.Info("debuggee stopped", "reason", b.Reason, "thread_id", b.ThreadID)
				}
			case "terminated":
				logger.Info("debuggee terminated")
				close(terminated)
			default:
				logger.Debug("dap event", "event", name)
			}
		}),
	)
	client.RegisterEvent("stopped", func(body json.RawMessage) (any, error) {
		var b stoppedEventBody
		err := json.Unmarshal(body, &b)
		return b, err
	})
	client.RegisterEvent("terminated", func(body json.RawMessage) (any, error) {
		var b terminatedEventBody
		if len(body) == 0 {
			return b, nil
		}
		err := json.Unmarshal(body, &b)
		return b, err
	})

	done := client.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		logger.Warn("ping failed", "error", err)
	}

	initArgs, _ := json.Marshal(map[string]interface{}{
		"clientID":      "relaykit-dapclient",
		"adapterID":     "relaykit",
		"linesStartAt1": true,
	})
	if _, err := client.Call(ctx, &dap.Request{Command: "initialize", Arguments: initArgs}); err != nil {
		fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		os.Exit(1)
	}

	launchArgs, _ := json.Marshal(map[string]interface{}{"program": *program})
	if _, err := client.Call(ctx, &dap.Request{Command: "launch", Arguments: launchArgs}); err != nil {
		fmt.Fprintf(os.Stderr, "launch: %v\n", err)
		os.Exit(1)
	}

	if _, err := client.Call(ctx, &dap.Request{Command: "configurationDone"}); err != nil {
		fmt.Fprintf(os.Stderr, "configurationDone: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-terminated:
	case <-sigChan:
	case <-done:
	}

	client.Close()
	<-done
}
