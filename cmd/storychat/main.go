// Command storychat is a terminal client for the story platform chat: it
// lists threads, sends messages and message requests, watches the live
// socket and manages reading progress.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aeolun/storychat/pkg/api"
	"github.com/aeolun/storychat/pkg/chat"
	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/config"
	"github.com/aeolun/storychat/pkg/logging"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/aeolun/storychat/pkg/reading"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const connectTimeout = 15 * time.Second

var (
	configPath string
	logLevel   string

	cfg    config.TOMLConfig
	logger *logrus.Logger

	// read once per invocation
	cachedPrincipal *chat.Principal
)

var rootCmd = &cobra.Command{
	Use:   "storychat",
	Short: "Story platform chat client",
	Long: `Terminal client for the story platform chat.

The bearer token is read from STORYCHAT_TOKEN (a .env file in the working
directory is honoured) or prompted for when stdin is a terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		logger, err = logging.New(level, os.Stderr)
		return err
	},
}

func main() {
	// A missing .env is normal
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(threadsCmd, messagesCmd, sendCmd, requestCmd, acceptCmd, rejectCmd, watchCmd, progressCmd)
	progressCmd.AddCommand(progressGetCmd, progressSaveCmd)
	watchCmd.Flags().Bool("notify", false, "Show a desktop notification for message requests")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List chat threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, _, err := authenticatedClient()
		if err != nil {
			return err
		}
		threads, err := rest.ListThreads(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tWITH\tUNREAD\tONLINE\tLAST MESSAGE")
		for _, t := range threads {
			last := ""
			if t.LastMessage != nil {
				last = truncate(t.LastMessage.Content, 40)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", t.ID, t.Participant.Name(), t.UnreadCount, t.IsOnline, last)
		}
		return w.Flush()
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <threadID> [page]",
	Short: "Show the messages of a thread",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		page := 1
		if len(args) == 2 {
			p, err := strconv.Atoi(args[1])
			if err != nil || p < 1 {
				return fmt.Errorf("invalid page %q", args[1])
			}
			page = p
		}

		rest, principal, err := authenticatedClient()
		if err != nil {
			return err
		}
		messages, err := rest.ListMessages(cmd.Context(), args[0], page)
		if err != nil {
			return err
		}
		for _, m := range messages {
			sender := m.SenderID
			if sender == principal.UserID {
				sender = "you"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, m.Content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <threadID> <text...>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID := args[0]
		content := strings.Join(args[1:], " ")

		return withSession(cmd.Context(), func(ctx context.Context, session *chat.Session) error {
			thread, err := session.Inbox().OpenThread(ctx, threadID)
			if err != nil {
				return err
			}
			clientID, err := thread.SendMessage(content)
			if err != nil {
				return err
			}

			// The confirmed copy arrives through the re-fetch that follows the
			// server's message_received echo
			deadline := time.After(connectTimeout)
			for {
				if _, pending := thread.PendingSince(clientID); !pending {
					fmt.Fprintln(cmd.OutOrStdout(), "sent")
					return nil
				}
				select {
				case <-session.Updates():
				case <-time.After(500 * time.Millisecond):
				case <-deadline:
					return errors.New("message not confirmed by the server yet; it stays pending")
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <userID> <preview...>",
	Short: "Send a message request to a user you have no thread with",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, _, err := authenticatedClient()
		if err != nil {
			return err
		}
		preview := strings.TrimSpace(strings.Join(args[1:], " "))
		if preview == "" {
			return chat.ErrEmptyContent
		}
		if err := rest.SendMessageRequest(cmd.Context(), args[0], preview); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request sent to %s\n", args[0])
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <requestID>",
	Short: "Accept a message request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(cmd, args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <requestID>",
	Short: "Reject a message request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if term.IsTerminal(int(syscall.Stdin)) && !confirm(fmt.Sprintf("Reject request %s?", args[0])) {
			return nil
		}
		return decideRequest(cmd, args[0], false)
	},
}

// decideRequest decides a request through the session's request book, which
// records it over REST, announces it on the socket and reloads the threads
// after an accept.
func decideRequest(cmd *cobra.Command, requestID string, accept bool) error {
	return withSession(cmd.Context(), func(ctx context.Context, session *chat.Session) error {
		status, err := applyDecision(ctx, session.Requests(), requestID, accept)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request %s %s\n", requestID, status)
		return nil
	})
}

// applyDecision decides requestID, which a one-shot command only knows by id
func applyDecision(ctx context.Context, requests *chat.Requests, requestID string, accept bool) (chat.RequestStatus, error) {
	requests.Track(protocol.MessageRequest{ID: requestID})
	var err error
	if accept {
		err = requests.Accept(ctx, requestID)
	} else {
		err = requests.Reject(ctx, requestID)
	}
	if err != nil {
		return "", err
	}
	req, _ := requests.Get(requestID)
	return req.Status, nil
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Read or store reading progress (works without a token as a guest)",
}

var progressGetCmd = &cobra.Command{
	Use:   "get <storyID>",
	Short: "Show reading progress for a story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, closeFn, err := newTracker()
		if err != nil {
			return err
		}
		defer closeFn()

		progress, err := tracker.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: position %d (%.1f%%)\n", progress.StoryID, progress.Position, progress.Percentage)
		return nil
	},
}

var progressSaveCmd = &cobra.Command{
	Use:   "save <storyID> <position> <percentage>",
	Short: "Store reading progress for a story",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		position, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid position %q", args[1])
		}
		percentage, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid percentage %q", args[2])
		}

		tracker, closeFn, err := newTracker()
		if err != nil {
			return err
		}
		defer closeFn()

		saved, err := tracker.Save(cmd.Context(), args[0], position, percentage)
		if err != nil {
			return err
		}
		if !saved {
			fmt.Fprintln(cmd.OutOrStdout(), "a save for this story is already in progress")
			return nil
		}
		where := "server"
		if tracker.Guest() {
			where = "local state"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "progress saved to %s\n", where)
		return nil
	},
}

// newTracker uses the server when a token is available and the local state
// database otherwise.
func newTracker() (*reading.Tracker, func(), error) {
	statePath, err := cfg.GetStatePath()
	if err != nil {
		return nil, nil, err
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { state.Close() }

	var remote reading.Remote
	if token := strings.TrimSpace(os.Getenv("STORYCHAT_TOKEN")); token != "" {
		rest := api.NewClient(cfg.Server.APIURL, token)
		rest.SetLogger(logger.WithField("component", "api"))
		remote = rest
	}

	tracker := reading.NewTracker(remote, state)
	tracker.SetLogger(logger.WithField("component", "reading"))
	return tracker, closeFn, nil
}

// authenticatedClient returns a REST client for the current principal
func authenticatedClient() (*api.Client, chat.Principal, error) {
	principal, err := readPrincipal()
	if err != nil {
		return nil, chat.Principal{}, err
	}
	rest := api.NewClient(cfg.Server.APIURL, principal.Token)
	rest.SetLogger(logger.WithField("component", "api"))
	return rest, principal, nil
}

func readPrincipal() (chat.Principal, error) {
	if cachedPrincipal != nil {
		return *cachedPrincipal, nil
	}
	token := strings.TrimSpace(os.Getenv("STORYCHAT_TOKEN"))
	if token == "" {
		var err error
		token, err = promptToken()
		if err != nil {
			return chat.Principal{}, err
		}
	}
	parsed, err := chat.ParsePrincipal(token)
	if err != nil {
		return chat.Principal{}, err
	}
	if parsed.Expired(time.Now()) {
		return chat.Principal{}, fmt.Errorf("token expired at %s", parsed.ExpiresAt.Local().Format(time.RFC1123))
	}
	cachedPrincipal = &parsed
	return parsed, nil
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no token: set STORYCHAT_TOKEN")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// newSession wires a manager, REST client and chat session for the current principal
func newSession(opts chat.Options, metrics *client.Metrics) (*chat.Session, *client.State, error) {
	principal, err := readPrincipal()
	if err != nil {
		return nil, nil, err
	}

	rest := api.NewClient(cfg.Server.APIURL, principal.Token)
	rest.SetLogger(logger.WithField("component", "api"))

	var state *client.State
	if statePath, err := cfg.GetStatePath(); err == nil {
		if state, err = client.OpenState(statePath); err != nil {
			logger.WithError(err).Warn("Local state unavailable")
			state = nil
		}
	}

	var history client.StateInterface
	if state != nil {
		history = state
	}
	socketURL, err := resolveSocketURL(cfg.Server.SocketURL, history)
	if err != nil {
		if state != nil {
			state.Close()
		}
		return nil, nil, err
	}
	transport := client.NewWebSocketTransport(socketURL)
	if state != nil {
		transport.State = state
	}

	manager := client.NewManager(transport, cfg.ReconnectOptions())
	manager.SetLogger(logger.WithField("component", "connection"))
	if metrics != nil {
		manager.SetMetrics(metrics)
	}

	opts.TypingExpiry = cfg.TypingExpiry()
	opts.ReconcileWindow = cfg.ReconcileWindow()
	opts.Logger = logger.WithField("component", "chat")
	return chat.NewSession(principal, manager, rest, opts), state, nil
}

// resolveSocketURL returns the configured endpoint, falling back to the one
// that last accepted a connection when none is configured
func resolveSocketURL(configured string, state client.StateInterface) (string, error) {
	if url := strings.TrimSpace(configured); url != "" {
		return url, nil
	}
	if state != nil {
		if url := state.GetLastSuccessfulEndpoint(); url != "" {
			return url, nil
		}
	}
	return "", errors.New("no socket_url configured and no previous successful endpoint")
}

// withSession starts a session, waits for the socket and runs fn
func withSession(parent context.Context, fn func(ctx context.Context, session *chat.Session) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, state, err := newSession(chat.Options{}, nil)
	if err != nil {
		return err
	}
	if state != nil {
		defer state.Close()
	}

	if err := session.Start(ctx); err != nil {
		session.Close()
		return err
	}
	defer session.Close()

	if err := waitConnected(ctx, session.Manager()); err != nil {
		return err
	}
	return fn(ctx, session)
}

func waitConnected(ctx context.Context, manager *client.Manager) error {
	if manager.IsConnected() {
		return nil
	}
	timeout := time.After(connectTimeout)
	for {
		select {
		case update := <-manager.StateChanges():
			switch update.State {
			case client.StateConnected:
				return nil
			case client.StateFailed:
				return fmt.Errorf("connection failed: %w", update.Err)
			}
		case <-time.After(250 * time.Millisecond):
			if manager.IsConnected() {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("not connected after %s", connectTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// confirm asks a yes/no question on stderr
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
