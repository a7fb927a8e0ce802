// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chatcore is a minimal interactive front-end for the chat engine: line
// input, plain text output, one chat loop. It wires the durable store, the
// session stores, and the generation controller together.
//
// Interactive commands:
//
//	/help            Show available commands
//	/new [title]     Create a conversation and switch to it
//	/list            List conversations, most recent first
//	/switch N        Switch to conversation N
//	/history         Show the current conversation's messages
//	/rename TITLE    Rename the current conversation
//	/delete          Delete the current conversation
//	/clear           Delete all messages in the current conversation
//	/stats           Show statistics for the last generation
//	/quit            Exit
//	Ctrl+C           Stop the in-flight generation
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterh/liner"

	"github.com/jeranaias/chatcore/internal/config"
	"github.com/jeranaias/chatcore/internal/generate"
	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/storage"
	"github.com/jeranaias/chatcore/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
}

// session holds everything the REPL needs.
type session struct {
	mu       sync.Mutex
	cfg      *config.Config
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	ctrl     *generate.Controller
	printed  int
	lastRun  generate.Stats
	hasStats bool
}

// settings returns the current generation settings; the config may be
// swapped underneath by the file watcher.
func (s *session) settings() model.GenerationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Settings()
}

// systemPrompt returns the configured system prompt, or empty.
func (s *session) systemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Generation.SystemPrompt
}

func run() error {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	backing, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer backing.Close()
	log.Printf("opened database %s", backing.Path())

	ctx := context.Background()
	convs := store.NewConversationStore(backing, cfg.Store.DefaultTitle)
	if err := convs.Init(ctx); err != nil {
		return err
	}
	msgs := store.NewMessageStore(backing, convs)
	if err := msgs.Init(ctx); err != nil {
		return err
	}

	sess := &session{cfg: cfg, convs: convs, msgs: msgs}

	client := generate.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey).
		WithLocale(cfg.Provider.Locale)
	sess.ctrl = generate.NewController(client,
		func(m *model.Message) {
			// Print only the unseen suffix of the growing snapshot.
			sess.mu.Lock()
			delta := m.Content[sess.printed:]
			sess.printed = len(m.Content)
			sess.mu.Unlock()
			fmt.Print(delta)
		},
		func(errMsg string) {
			fmt.Fprintf(os.Stderr, "\n[error] %s\n", errMsg)
		})

	// Live settings reload; the provider client is rebuilt on credential or
	// endpoint changes.
	if path, err := config.Path(); err == nil {
		watcher, werr := config.NewWatcher(path, 200*time.Millisecond, func(updated *config.Config) {
			sess.mu.Lock()
			rebuild := updated.Provider != sess.cfg.Provider
			sess.cfg = updated
			sess.mu.Unlock()
			if rebuild {
				sess.ctrl.SetClient(
					generate.NewClient(updated.Provider.BaseURL, updated.Provider.APIKey).
						WithLocale(updated.Provider.Locale))
			}
			log.Printf("config reloaded from %s", path)
		})
		if werr == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	// Ctrl+C stops the in-flight generation instead of killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			sess.ctrl.Stop()
			fmt.Fprintln(os.Stderr, "\n[stopped]")
		}
	}()

	return repl(ctx, sess)
}

// =============================================================================
// REPL
// =============================================================================

func repl(ctx context.Context, sess *session) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyFile := loadHistory(line)
	defer saveHistory(line, historyFile)

	if conv := sess.convs.GetCurrentConversation(); conv != nil {
		fmt.Printf("chatcore — %s (%d messages). /help for commands.\n",
			conv.Title, conv.MessageCount)
	}

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			// Ctrl+D or aborted prompt exits gracefully.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, sess, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := chat(ctx, sess, input); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		}
	}
}

// chat runs one user turn: persist the user message, generate, persist the
// assistant reply.
func chat(ctx context.Context, sess *session, input string) error {
	if err := sess.msgs.AddMessage(ctx, model.NewUserMessage(input)); err != nil {
		return err
	}

	history, err := sess.msgs.GetAllMessages(ctx)
	if err != nil {
		return err
	}

	// The configured system prompt rides along with every request but is
	// never persisted.
	if sp := sess.systemPrompt(); sp != "" && (len(history) == 0 || history[0].Role != model.RoleSystem) {
		history = append([]*model.Message{model.NewSystemMessage(sp)}, history...)
	}

	sess.mu.Lock()
	sess.printed = 0
	sess.mu.Unlock()

	result, err := sess.ctrl.Start(ctx, history, sess.settings())
	fmt.Println()
	if err != nil {
		// The controller already surfaced a user-facing message.
		return nil
	}

	sess.mu.Lock()
	sess.lastRun = sess.ctrl.Stats()
	sess.hasStats = true
	sess.mu.Unlock()

	if result != nil && result.Content != "" {
		reply := model.NewAssistantMessage(result.Content)
		reply.ID = result.ID
		reply.Logprobs = result.Logprobs
		return sess.msgs.AddMessage(ctx, reply)
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func handleCommand(ctx context.Context, sess *session, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help", "/h":
		printHelp()
		return false, nil

	case "/new":
		title := strings.Join(args, " ")
		conv, err := sess.convs.CreateConversation(ctx, title)
		if err != nil {
			return false, err
		}
		if err := sess.msgs.SwitchConversation(ctx, conv.ID); err != nil {
			return false, err
		}
		fmt.Printf("switched to %q\n", conv.Title)
		return false, nil

	case "/list", "/l":
		current := sess.convs.GetCurrentConversationID()
		for _, conv := range sess.convs.Conversations() {
			marker := " "
			if conv.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %3d  %-40s %d messages\n", marker, conv.ID, conv.Title, conv.MessageCount)
		}
		return false, nil

	case "/switch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /switch N")
		}
		id, convErr := strconv.ParseInt(args[0], 10, 64)
		if convErr != nil {
			return false, fmt.Errorf("bad conversation id %q", args[0])
		}
		if err := sess.convs.SwitchConversation(ctx, id); err != nil {
			return false, err
		}
		return false, sess.msgs.SwitchConversation(ctx, sess.convs.GetCurrentConversationID())

	case "/history":
		msgs, err := sess.msgs.GetAllMessages(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			fmt.Printf("%-9s %s\n", m.Role, m.Preview(72))
		}
		return false, nil

	case "/rename":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /rename TITLE")
		}
		title := strings.Join(args, " ")
		return false, sess.convs.UpdateConversation(ctx,
			sess.convs.GetCurrentConversationID(),
			store.ConversationUpdate{Title: &title})

	case "/delete":
		id := sess.convs.GetCurrentConversationID()
		if err := sess.convs.DeleteConversation(ctx, id); err != nil {
			return false, err
		}
		return false, sess.msgs.SwitchConversation(ctx, sess.convs.GetCurrentConversationID())

	case "/clear", "/c":
		return false, sess.msgs.Clear(ctx)

	case "/stats", "/s":
		sess.mu.Lock()
		stats, ok := sess.lastRun, sess.hasStats
		sess.mu.Unlock()
		if !ok {
			fmt.Println("no generation yet")
			return false, nil
		}
		fmt.Printf("prompt ~%d tokens, %d deltas, first token %v, total %v\n",
			stats.PromptTokens, stats.DeltaCount, stats.FirstTokenTime, stats.TotalTime)
		return false, nil

	case "/quit", "/q", "/exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func printHelp() {
	fmt.Print(`/help            Show this help
/new [title]     Create a conversation and switch to it
/list            List conversations, most recent first
/switch N        Switch to conversation N
/history         Show the current conversation's messages
/rename TITLE    Rename the current conversation
/delete          Delete the current conversation
/clear           Delete all messages in the current conversation
/stats           Show statistics for the last generation
/quit            Exit
Ctrl+C           Stop the in-flight generation
`)
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

func loadHistory(line *liner.State) string {
	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "chat_history")
	if f, err := os.Open(path); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return path
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
