// Command convoflow opens a conversation and runs turns interactively:
// each stdin line is sent as the user's message and the final response is
// streamed to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow"
	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	docPath := flag.String("workflow", "", "path to a workflow document (JSON); defaults to a single assistant")
	latest := flag.Bool("latest", true, "resume the most recent conversation")
	flag.Parse()

	if err := run(*configPath, *docPath, *latest); err != nil {
		fmt.Fprintln(os.Stderr, "convoflow:", err)
		os.Exit(1)
	}
}

func run(configPath, docPath string, latest bool) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []convoflow.Option{
		convoflow.WithDatabase(cfg.Database.Path),
		convoflow.WithLogger(logger),
		convoflow.WithCompleter(echoCompleter{}),
	}
	if latest {
		opts = append(opts, convoflow.WithLatest())
	}
	if docPath != "" {
		raw, err := os.ReadFile(docPath)
		if err != nil {
			return err
		}
		opts = append(opts, convoflow.WithConfigJSON(raw))
	}

	conv, err := convoflow.Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer conv.Close()

	logger.Info("conversation open",
		zap.Int64("id", conv.ID()),
		zap.String("chat_name", conv.ChatName()))

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		status, err := conv.Send(ctx, text, func(c workflow.Chunk) error {
			fmt.Print(c.Content)
			return nil
		})
		fmt.Println()
		if err != nil {
			return err
		}
		if status != workflow.StatusCompleted {
			logger.Info("turn ended early", zap.String("status", string(status)))
		}
		if ctx.Err() != nil {
			break
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// echoCompleter is a stand-in backend for local use: it repeats the
// member's most recent user input.
type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, req workflow.CompletionRequest, emit func(string) error) error {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == workflow.RoleUser {
			return emit(req.Messages[i].Content)
		}
	}
	return emit("(nothing to respond to)")
}
