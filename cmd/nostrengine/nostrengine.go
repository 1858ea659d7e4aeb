// Command nostrengine is the reference CLI host for internal/engine. It
// speaks the MainMessage/WorkerMessage protocol over newline-delimited
// JSON on stdin/stdout, standing in for whatever richer host (browser
// extension, desktop app) would otherwise own those boundaries.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nostrflow/engine/internal/config"
	"github.com/nostrflow/engine/internal/engine"
	"github.com/nostrflow/engine/internal/schema"
)

const (
	usagePrivateKey = "hex-encoded Nostr private key to sign with"
	usageKind       = "event kind to publish"
	usageContent    = "event content to publish"
	usageRelay      = "relay URL to publish to (repeatable)"
)

func main() {
	rootCmd := &cobra.Command{Use: "nostrengine"}

	runCmd := &cobra.Command{Use: "run", Short: "run the engine, speaking MainMessage/WorkerMessage JSON over stdio", Run: runEngine}

	pubkeyCmd := &cobra.Command{Use: "pubkey", Short: "print the active signer's public key", Run: printPubkey}
	var privHex string
	pubkeyCmd.Flags().StringVar(&privHex, "private-key", "", usagePrivateKey)

	var kind uint16
	var content string
	var relays []string
	publishCmd := &cobra.Command{Use: "publish", Short: "sign and publish one event", Run: publishEvent}
	publishCmd.Flags().StringVar(&privHex, "private-key", "", usagePrivateKey)
	publishCmd.Flags().Uint16Var(&kind, "kind", 1, usageKind)
	publishCmd.Flags().StringVar(&content, "content", "", usageContent)
	publishCmd.Flags().StringArrayVar(&relays, "relay", nil, usageRelay)

	rootCmd.AddCommand(runCmd, pubkeyCmd, publishCmd)
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

func loadEngine(cmd *cobra.Command, privHexOverride string) (*engine.Engine, context.Context, context.CancelFunc) {
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		panic(err)
	}
	if privHexOverride != "" {
		cfg.Signer.NostrPrivateKey = privHexOverride
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)

	eng, err := engine.New(cfg, slog.Default())
	if err != nil {
		cancel()
		panic(err)
	}
	go eng.Run(ctx)
	return eng, ctx, cancel
}

// runEngine is the engine's main loop: one goroutine reads MainMessage
// JSON lines from stdin and submits them, another drains Output/Status
// and prints them, until the process is interrupted.
func runEngine(cmd *cobra.Command, _ []string) {
	slog.Info("starting nostrengine")
	eng, ctx, cancel := loadEngine(cmd, "")
	defer cancel()

	go printOutput(ctx, eng)
	go printStatus(ctx, eng)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := schema.DecodeMainMessage(line)
		if err != nil {
			slog.Warn("nostrengine: malformed main message", "error", err)
			continue
		}
		if err := eng.Submit(ctx, msg); err != nil {
			slog.Warn("nostrengine: submit failed", "type", msg.Type, "error", err)
		}
	}
}

func printOutput(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-eng.Output():
			if !ok {
				return
			}
			for _, frame := range decodeBatch(batch) {
				fmt.Println(string(frame))
			}
		}
	}
}

func printStatus(ctx context.Context, eng *engine.Engine) {
	lines := eng.Status()
	if lines == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fmt.Fprintln(os.Stderr, string(line))
		}
	}
}

// decodeBatch splits one flushed batch buffer (a concatenation of
// [len:u32][message] records) back into individual WorkerMessage
// payloads.
func decodeBatch(batch []byte) [][]byte {
	var out [][]byte
	for len(batch) >= 4 {
		n := binary.LittleEndian.Uint32(batch[:4])
		batch = batch[4:]
		if uint32(len(batch)) < n {
			break
		}
		out = append(out, batch[:n])
		batch = batch[n:]
	}
	return out
}

func printPubkey(cmd *cobra.Command, _ []string) {
	privHex, err := cmd.Flags().GetString("private-key")
	if err != nil {
		panic(err)
	}
	if privHex == "" {
		panic("nostrengine: pubkey requires --private-key")
	}

	eng, ctx, cancel := loadEngine(cmd, privHex)
	defer cancel()

	go func() {
		for batch := range eng.Output() {
			for _, frame := range decodeBatch(batch) {
				var wm schema.WorkerMessage
				if json.Unmarshal(frame, &wm) == nil && wm.Type == schema.WMPubkey {
					fmt.Println(wm.Pubkey.String())
					cancel()
					return
				}
			}
		}
	}()

	if err := eng.Submit(ctx, schema.MainMessage{Type: schema.MsgGetPublicKey}); err != nil {
		panic(err)
	}
	<-ctx.Done()
}

func publishEvent(cmd *cobra.Command, _ []string) {
	privHex, err := cmd.Flags().GetString("private-key")
	if err != nil {
		panic(err)
	}
	kind, err := cmd.Flags().GetUint16("kind")
	if err != nil {
		panic(err)
	}
	content, err := cmd.Flags().GetString("content")
	if err != nil {
		panic(err)
	}
	relays, err := cmd.Flags().GetStringArray("relay")
	if err != nil {
		panic(err)
	}
	if privHex == "" {
		panic("nostrengine: publish requires --private-key")
	}

	eng, ctx, cancel := loadEngine(cmd, privHex)
	defer cancel()

	go func() {
		for batch := range eng.Output() {
			for _, frame := range decodeBatch(batch) {
				var wm schema.WorkerMessage
				if json.Unmarshal(frame, &wm) == nil && wm.Type == schema.WMSignedEvent {
					fmt.Println(string(wm.Signed))
					cancel()
					return
				}
			}
		}
	}()

	msg := schema.MainMessage{
		Type:      schema.MsgPublish,
		PublishID: uuid.NewString(),
		Template:  &schema.Template{Kind: kind, Content: content},
		Relays:    relays,
	}
	if err := eng.Submit(ctx, msg); err != nil {
		panic(err)
	}
	<-ctx.Done()
}
