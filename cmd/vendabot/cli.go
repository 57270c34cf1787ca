package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ngassam/vendabot/pkg/channels"
	"github.com/ngassam/vendabot/pkg/config"
	"github.com/ngassam/vendabot/pkg/logger"
	"github.com/ngassam/vendabot/pkg/store"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "vendabot",
		Short: "Knowledge-grounded customer service bot with conversational memory",
		Long: strings.TrimSpace(`vendabot answers customer messages over chat channels, grounded
in an imported knowledge base, with durable per-customer conversation memory,
rolling summaries, and quota-gated generation.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newConsoleCommand())
	root.AddCommand(newKBCommand())
	root.AddCommand(newInboxCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  vendabot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.vendabot config and data directory",
		Example: "  vendabot onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config already exists at %s\n", configPath)
				fmt.Print("Overwrite? (y/n): ")
				reader := bufio.NewReader(os.Stdin)
				response, readErr := reader.ReadString('\n')
				if readErr != nil {
					return fmt.Errorf("read input: %w", readErr)
				}
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if err := os.MkdirAll(cfg.DataDirPath(), 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Add your generator API key to", configPath)
			fmt.Println("  2. (Gateway mode) Add your Discord bot token to channels.discord.token")
			fmt.Println("  3. Import knowledge: vendabot kb import tarifs.md --title Tarifs")
			fmt.Println("  4. Chat locally: vendabot console")
			fmt.Println("  5. Run the gateway: vendabot run")
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the bot: channel adapters, reply engine, sweeper and reconciler",
		Example: "  vendabot run --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.LevelDebug)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := validateRuntimeConfig(cfg, true); err != nil {
				return err
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			manager, err := channels.NewManager(cfg, rt.bus)
			if err != nil {
				return fmt.Errorf("create channel manager: %w", err)
			}
			manager.OnDelivery(rt.engine.HandleDelivery)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go rt.sweeper.Start(ctx)
			go rt.reconciler.Start(ctx)
			go func() {
				if runErr := rt.engine.Run(ctx); runErr != nil {
					logger.ErrorCF("main", "Engine exited", map[string]interface{}{"error": runErr.Error()})
				}
			}()

			if err := manager.StartAll(ctx); err != nil {
				return fmt.Errorf("start channels: %w", err)
			}

			fmt.Printf("%s running. Press Ctrl+C to stop.\n", appName)
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt)
			<-sigChan

			fmt.Println("\nShutting down...")
			cancel()
			_ = manager.StopAll(context.Background())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newConsoleCommand() *cobra.Command {
	var (
		message string
		owner   string
		address string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot locally through the full reply pipeline",
		Long: "Run an interactive local session or send a one-shot message. Turns are\n" +
			"recorded in the conversation store exactly as channel traffic would be.",
		Example: strings.Join([]string{
			"  vendabot console",
			"  vendabot console --message \"Quel est le tarif maritime ?\"",
			"  vendabot console --address 237691234567",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.LevelDebug)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := validateRuntimeConfig(cfg, false); err != nil {
				return err
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := context.Background()
			if strings.TrimSpace(message) != "" {
				response, perr := rt.engine.ProcessDirect(ctx, owner, address, message)
				if perr != nil {
					return perr
				}
				fmt.Printf("\n%s %s\n", appName, response)
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return consoleLoop(rt, owner, address)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message instead of interactive mode")
	cmd.Flags().StringVar(&owner, "owner", "console", "Owner account the session belongs to")
	cmd.Flags().StringVar(&address, "address", "operator", "Sender address for the session")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func consoleLoop(rt *botRuntime, owner, address string) error {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".vendabot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		return simpleConsoleLoop(rt, owner, address)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		response, err := rt.engine.ProcessDirect(context.Background(), owner, address, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, response)
	}
}

func simpleConsoleLoop(rt *botRuntime, owner, address string) error {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		response, err := rt.engine.ProcessDirect(context.Background(), owner, address, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, response)
	}
}

func openDurable() (*store.DurableStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDirPath(), 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	durable, err := store.NewDurableStore(filepath.Join(cfg.DataDirPath(), "vendabot.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open durable store: %w", err)
	}
	return durable, cfg, nil
}

func newKBCommand() *cobra.Command {
	kbRoot := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge base the bot answers from",
	}

	var (
		kbID  string
		title string
		docID string
	)

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a document into the knowledge base",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  vendabot kb import tarifs.md --title Tarifs",
			"  vendabot kb import faq.txt --kb default",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			if strings.TrimSpace(string(data)) == "" {
				return fmt.Errorf("document %s is empty", args[0])
			}

			durable, cfg, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			if kbID == "" {
				kbID = cfg.Knowledge.KBID
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			if docID == "" {
				docID = "doc-" + uuid.NewString()
			}

			doc, err := durable.UpsertDocument(context.Background(), store.Document{
				ID:      docID,
				KBID:    kbID,
				Title:   title,
				Content: string(data),
				Status:  store.DocumentActive,
			})
			if err != nil {
				return fmt.Errorf("store document: %w", err)
			}
			fmt.Printf("✓ Imported %q as %s into kb %s (%d chars)\n", doc.Title, doc.ID, doc.KBID, len(doc.Content))
			return nil
		},
	}
	importCmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base id (defaults to the configured one)")
	importCmd.Flags().StringVar(&title, "title", "", "Document title (defaults to the file name)")
	importCmd.Flags().StringVar(&docID, "id", "", "Document id, for re-importing an updated version")
	kbRoot.AddCommand(importCmd)

	var listKB string
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List active knowledge documents",
		Example: "  vendabot kb list",
		RunE: func(cmd *cobra.Command, args []string) error {
			durable, cfg, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			if listKB == "" {
				listKB = cfg.Knowledge.KBID
			}
			docs, err := durable.ListDocuments(context.Background(), listKB)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Printf("No documents in kb %s.\n", listKB)
				return nil
			}
			fmt.Printf("Documents in kb %s (%d):\n", listKB, len(docs))
			for _, doc := range docs {
				fmt.Printf("  %s  %-30s  %d chars\n", doc.ID, doc.Title, len(doc.Content))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listKB, "kb", "", "Knowledge base id (defaults to the configured one)")
	kbRoot.AddCommand(listCmd)

	kbRoot.AddCommand(&cobra.Command{
		Use:     "remove <doc-id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a document from retrieval",
		Args:    cobra.ExactArgs(1),
		Example: "  vendabot kb remove doc-abc123",
		RunE: func(cmd *cobra.Command, args []string) error {
			durable, _, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			if err := durable.DeleteDocument(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Removed %s\n", args[0])
			return nil
		},
	})

	return kbRoot
}

func newInboxCommand() *cobra.Command {
	inboxRoot := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect recorded conversations",
	}

	var owner string
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List conversations for an owner, most recent first",
		Example: "  vendabot inbox list --owner console",
		RunE: func(cmd *cobra.Command, args []string) error {
			durable, _, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			convs, err := durable.ListConversations(context.Background(), owner, "")
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Printf("No conversations for owner %s.\n", owner)
				return nil
			}
			for _, conv := range convs {
				name := conv.DisplayName
				if name == "" {
					name = conv.NormalizedAddress
				}
				unread := ""
				if conv.UnreadCount > 0 {
					unread = fmt.Sprintf("  [%d unread]", conv.UnreadCount)
				}
				fmt.Printf("  %s  %-28s  %s%s\n", conv.ID, name, conv.LastMessageAt.Format("2006-01-02 15:04"), unread)
				if conv.LastMessageText != "" {
					fmt.Printf("      %s\n", conv.LastMessageText)
				}
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&owner, "owner", "console", "Owner account to list")
	inboxRoot.AddCommand(listCmd)

	var limit int
	showCmd := &cobra.Command{
		Use:     "show <conversation-id>",
		Short:   "Print a conversation's recorded turns",
		Args:    cobra.ExactArgs(1),
		Example: "  vendabot inbox show conv-abc123 --limit 30",
		RunE: func(cmd *cobra.Command, args []string) error {
			durable, _, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			msgs, err := durable.ListMessages(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				status := ""
				if m.Role != store.RoleInbound && m.DeliveryStatus != store.DeliverySent {
					status = fmt.Sprintf(" (%s)", m.DeliveryStatus)
				}
				fmt.Printf("[%3d] %s %-8s%s  %s\n", m.Seq, m.CreatedAt.Format("15:04:05"), m.Role, status, m.Content)
			}
			return nil
		},
	}
	showCmd.Flags().IntVar(&limit, "limit", 50, "Most recent turns to show (0 = all)")
	inboxRoot.AddCommand(showCmd)

	inboxRoot.AddCommand(&cobra.Command{
		Use:     "read <conversation-id>",
		Short:   "Clear a conversation's unread counter",
		Args:    cobra.ExactArgs(1),
		Example: "  vendabot inbox read conv-abc123",
		RunE: func(cmd *cobra.Command, args []string) error {
			durable, _, err := openDurable()
			if err != nil {
				return err
			}
			defer durable.Close()

			if err := durable.MarkRead(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("✓ Marked read")
			return nil
		},
	})

	return inboxRoot
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show configuration and store readiness",
		Example: "  vendabot stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			configPath := getConfigPath()

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:", configPath, "✓")
			} else {
				fmt.Println("Config:", configPath, "✗")
			}

			dbPath := filepath.Join(cfg.DataDirPath(), "vendabot.db")
			if _, err := os.Stat(dbPath); err == nil {
				fmt.Println("Store:", dbPath, "✓")

				durable, derr := store.NewDurableStore(dbPath)
				if derr == nil {
					docs, lerr := durable.ListDocuments(context.Background(), cfg.Knowledge.KBID)
					if lerr == nil {
						fmt.Printf("Knowledge: %d active document(s) in kb %s\n", len(docs), cfg.Knowledge.KBID)
					}
					_ = durable.Close()
				}
			} else {
				fmt.Println("Store:", dbPath, "not initialized")
			}

			status := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "not set"
			}
			apiReady := strings.TrimSpace(cfg.Generator.APIKey) != ""
			discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""

			fmt.Printf("Model: %s\n", cfg.Generator.Model)
			fmt.Println("Generator API key:", status(apiReady))
			fmt.Println("Discord token:", status(discordReady))
			fmt.Println("Console ready:", status(apiReady))
			fmt.Println("Gateway ready:", status(apiReady && discordReady))
			return nil
		},
	}
}
