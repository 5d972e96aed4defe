package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"chatsync/internal/domain"
	"chatsync/internal/feed"
	"chatsync/internal/metrics"
	"chatsync/internal/store"

	"github.com/spf13/cobra"
)

// withApp loads config, wires the engine and runs fn with a context that
// is cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.resolveUser(ctx)
	return fn(ctx, a)
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				err := a.manager.Load(ctx)
				snap := a.store.Snapshot()
				if err != nil && len(snap.Conversations) == 0 {
					return err
				}
				if err != nil {
					fmt.Println("(offline, showing cached conversations)")
				}
				printConversations(os.Stdout, snap.Conversations)
				return nil
			})
		},
	}
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := "New conversation"
			if len(args) == 1 {
				title = args[0]
			}
			return withApp(func(ctx context.Context, a *app) error {
				conv, err := a.manager.Create(ctx, title)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
				return nil
			})
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [conversation-id] [title]",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.manager.Rename(ctx, args[0], args[1])
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [conversation-id]",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.manager.Delete(ctx, args[0])
			})
		},
	}
}

// imageCmd downloads the image attached to a message.
func imageCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "image [conversation-id] [message-id]",
		Short: "Download the image attached to a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.manager.Select(ctx, args[0]); err != nil && a.store.Snapshot().ActiveID() != args[0] {
					return err
				}
				var ref *domain.ImageRef
				for _, e := range a.store.Snapshot().Messages {
					if e.Message.ID == args[1] || string(e.Handle) == args[1] {
						ref = e.Message.Image
						break
					}
				}
				if ref == nil || ref.URL == "" {
					return fmt.Errorf("message %s has no image", args[1])
				}
				data, err := a.images.Fetch(ctx, ref.URL)
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = filepath.Base(ref.URL)
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("write image: %w", err)
				}
				fmt.Printf("saved %s (%d bytes)\n", path, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: image file name)")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open [conversation-id]",
		Short: "Show the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				a.manager.Load(ctx)
				err := a.manager.Select(ctx, args[0])
				snap := a.store.Snapshot()
				if err != nil && snap.ActiveID() != args[0] {
					return err
				}
				if err != nil {
					fmt.Println("(offline, showing cached messages)")
				}
				newPrinter(os.Stdout).render(snap)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "send [conversation-id] [message]",
		Short: "Send a message and wait for the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 2 {
				text = args[1]
			}
			att, err := readAttachment(imagePath)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.manager.Select(ctx, args[0]); err != nil {
					return err
				}
				p := newPrinter(os.Stdout)
				p.seed(a.store.Snapshot())
				id := a.store.Subscribe(func(snap store.Snapshot, _ store.Change) { p.render(snap) })
				defer a.store.Unsubscribe(id)

				out, err := a.pipeline.Send(ctx, text, att)
				if err != nil {
					return err
				}
				err = out.Wait(ctx)
				if errors.Is(err, domain.ErrPersistence) {
					return fmt.Errorf("message not sent: %w", err)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "sent, but no reply: %v\n", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "attach an image (jpeg, png, gif, webp)")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Interactive chat (type /help for commands)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.manager.Load(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "could not load conversations:", err)
				}
				if len(args) == 1 {
					if err := a.manager.Select(ctx, args[0]); err != nil {
						fmt.Fprintln(os.Stderr, "could not open conversation:", err)
					}
				}
				return runREPL(ctx, a)
			})
		},
	}
}

const replHelp = `commands:
  /list             list conversations
  /new [title]      create and open a conversation
  /open <id>        open a conversation
  /image <path> [text]  send an image with optional text
  /resend           resend the last failed message
  /quit             exit
anything else is sent as a message`

func runREPL(ctx context.Context, a *app) error {
	p := newPrinter(os.Stdout)
	p.render(a.store.Snapshot())
	id := a.store.Subscribe(func(snap store.Snapshot, _ store.Change) { p.render(snap) })
	defer a.store.Unsubscribe(id)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, a, p, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, a *app, p *printer, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := a.pipeline.Send(ctx, line, nil)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/help":
		fmt.Println(replHelp)
	case "/quit", "/exit":
		return true, nil
	case "/list":
		if err := a.manager.Load(ctx); err != nil {
			return false, err
		}
		printConversations(os.Stdout, a.store.Snapshot().Conversations)
	case "/new":
		if rest == "" {
			rest = "New conversation"
		}
		_, err := a.manager.Create(ctx, rest)
		return false, err
	case "/open":
		if rest == "" {
			return false, errors.New("usage: /open <id>")
		}
		return false, a.manager.Select(ctx, rest)
	case "/image":
		path, text, _ := strings.Cut(rest, " ")
		att, err := readAttachment(path)
		if err != nil {
			return false, err
		}
		_, err = a.pipeline.Send(ctx, text, att)
		return false, err
	case "/resend":
		h, ok := lastFailed(a.store.Snapshot())
		if !ok {
			return false, errors.New("no failed message to resend")
		}
		_, err := a.pipeline.Resend(ctx, h)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func lastFailed(snap store.Snapshot) (domain.Handle, bool) {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].State() == domain.Failed {
			return snap.Messages[i].Handle, true
		}
	}
	return "", false
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the state feed over websocket",
		Long:  "Loads conversations and serves store snapshots on the feed websocket, plus /metrics and /healthz. Requires feed.enabled. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				srv, err := newFeedServer(a)
				if err != nil {
					return err
				}
				if err := a.manager.Load(ctx); err != nil {
					logger.Warn("initial load failed", "err", err)
				}
				err = srv.Start(ctx)
				logger.Info("state feed stopped", "in_flight", len(a.pipeline.InFlight()))
				return err
			})
		},
	}
}

var errFeedDisabled = errors.New("state feed is disabled (run: chatsync config set feed.enabled true)")

// newFeedServer builds the state feed from config. The feed shares the
// app's event bus so clients can replay recent send outcomes.
func newFeedServer(a *app) (*feed.Server, error) {
	if !a.cfg.Feed.Enabled {
		return nil, errFeedDisabled
	}
	collector := metrics.Collector
	if !a.cfg.Metrics.Enabled {
		collector = metrics.NewMetricsCollector()
	}
	return feed.New(feed.Config{
		Host:      a.cfg.Feed.Host,
		Port:      a.cfg.Feed.Port,
		Path:      a.cfg.Feed.Path,
		Store:     a.store,
		Sender:    a.pipeline,
		Navigator: a.manager,
		Events:    a.bus,
		Metrics:   collector,
		Logger:    logger,
	}), nil
}

// readAttachment loads an image file. The content type is sniffed from the
// data, falling back to the extension.
func readAttachment(path string) (*domain.Attachment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	ct := http.DetectContentType(data)
	if ct == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".webp":
			ct = "image/webp"
		case ".jpg", ".jpeg":
			ct = "image/jpeg"
		}
	}
	return &domain.Attachment{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}
