// ABOUTME: Minimal echo agent for exercising a running hub end to end.
// ABOUTME: Usage: teamwire-agent -socket /path/hub.sock -secret HEX [-id echo-agent]

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/teamwire/teamwire/internal/client"
	"github.com/teamwire/teamwire/internal/wire"
)

func main() {
	socket := flag.String("socket", "", "hub socket path")
	secretHex := flag.String("secret", "", "hex-encoded session secret")
	agentID := flag.String("id", "echo-agent", "agent id")
	name := flag.String("name", "Echo Agent", "agent display name")
	token := flag.String("token", "", "join token, if the hub requires one")
	plan := flag.String("plan", "", "plan to submit for leader approval after registering")
	flag.Parse()

	if *socket == "" || *secretHex == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*socket, *secretHex, *agentID, *name, *token, *plan); err != nil {
		log.Fatal(err)
	}
}

func run(socket, secretHex, agentID, name, token, plan string) error {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	c := client.New(client.Config{
		SocketPath: socket,
		Secret:     secret,
		AgentID:    agentID,
		AgentName:  name,
		Token:      token,
	}, logger)

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer c.Disconnect()
	fmt.Fprintf(os.Stderr, "registered as %s on %s\n", agentID, socket)

	// Echo every direct message back to its sender.
	c.OnMessage(wire.MethodMessage, func(params json.RawMessage) {
		var p wire.MessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad message payload", "error", err)
			return
		}
		logger.Info("message received", "from", p.From, "type", p.Type, "content", p.Content)
		if p.From == "" || p.Type != "dm" {
			return
		}

		reqCtx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
		defer cancelReq()
		if _, err := c.SendMessage(reqCtx, wire.MessageParams{
			To:      p.From,
			Type:    "dm",
			Content: fmt.Sprintf("Echo: %s", p.Content),
		}); err != nil {
			logger.Warn("echo reply failed", "to", p.From, "error", err)
		}
	})

	// Acknowledge task assignments and immediately report them in progress.
	c.OnMessage(wire.MethodTaskAssign, func(params json.RawMessage) {
		var p wire.TaskAssignParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		logger.Info("task assigned", "task_id", p.TaskID, "subject", p.Subject)

		reqCtx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
		defer cancelReq()
		if err := c.SendTaskUpdate(reqCtx, p.TaskID, "in_progress"); err != nil {
			logger.Warn("task update failed", "task_id", p.TaskID, "error", err)
		}
	})

	// The decision comes back as a plan_approval_response message and is
	// logged by the message handler above.
	if plan != "" {
		reqCtx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
		requestID, err := c.SubmitPlan(reqCtx, plan)
		cancelReq()
		if err != nil {
			return fmt.Errorf("submitting plan: %w", err)
		}
		logger.Info("plan submitted, awaiting leader decision", "request_id", requestID)
	}

	// Exit when the hub announces shutdown.
	c.OnMessage(wire.MethodShutdown, func(params json.RawMessage) {
		logger.Info("hub requested shutdown")
		cancel()
	})

	<-ctx.Done()
	return nil
}
