package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shurlinet/megaengine/internal/identity"
	"github.com/shurlinet/megaengine/internal/netcore"
	"github.com/shurlinet/megaengine/internal/storage"
)

func runChat(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: chat requires a subcommand (send, list)")
		osExit(1)
		return
	}
	var err error
	switch args[0] {
	case "send":
		err = doChatSend(args[1:], os.Stdout)
	case "list":
		err = doChatList(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown chat subcommand: %s\n", args[0])
		osExit(1)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doChatSend queues an end-to-end encrypted message and brings up a node
// just long enough to give the outbox loop a chance to route it — directly
// if the recipient is already connected, via gossip flood relay otherwise.
// A message that could not be handed to any peer stays queued as sending and
// is retried the next time a node process runs; once sent, it is not resent,
// whether or not an acknowledgement arrives.
func doChatSend(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("chat send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: megaengine chat send <node-id> <message> [--config path]") }
	cfg, rest, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		fs.Usage()
		return fmt.Errorf("chat send requires a node-id and a message")
	}
	recipient, plaintext := rest[0], rest[1]

	repos, refs, nodes, chats, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	stores := netcore.Stores{
		Identity: identity.NewFileStore(cfg.Identity.KeyFile),
		Nodes:    nodes,
		Repos:    repos,
		Refs:     refs,
		Chats:    chats,
		Git:      newExecGitTool(),
	}
	n, err := netcore.New(cfg, stores, version, "go")
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer n.Close()

	msgID, err := n.Messaging.Send(ctx, recipient, plaintext)
	if err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	status := storage.ChatStatusSending
	for time.Now().Before(deadline) {
		if msg, ok, _ := chats.FindByID(ctx, msgID); ok {
			status = msg.Status
			if status != storage.ChatStatusSending {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintf(stdout, "Message %s queued to %s: %s\n", msgID, recipient, status)
	if status == storage.ChatStatusSending {
		fmt.Fprintln(stdout, "No route to the recipient yet; it will retry the next time a node is running.")
	}
	return nil
}

func doChatList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("chat list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonFlag := fs.Bool("json", false, "print as JSON")
	cfg, _, err := parseRepoFlags(fs, args)
	if err != nil {
		return err
	}

	_, _, _, chats, err := openStores(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}

	ctx := context.Background()
	var all []storage.ChatMessage
	for _, status := range []storage.ChatStatus{
		storage.ChatStatusSending,
		storage.ChatStatusSent,
		storage.ChatStatusDelivered,
		storage.ChatStatusFailed,
	} {
		msgs, err := chats.FindByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		all = append(all, msgs...)
	}

	if *jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}
	if len(all) == 0 {
		fmt.Fprintln(stdout, "No messages yet.")
		return nil
	}
	for _, m := range all {
		t := time.Unix(0, m.CreatedAt).Format(time.RFC3339)
		fmt.Fprintf(stdout, "[%s] %-10s %s -> %s: %s\n", t, m.Status, m.From, m.To, m.Plaintext)
	}
	return nil
}
