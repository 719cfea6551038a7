package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/storychat/pkg/chat"
	"github.com/aeolun/storychat/pkg/client"
	"github.com/gen2brain/beeep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live chat events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		notify, _ := cmd.Flags().GetBool("notify")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if addr := cfg.Metrics.ListenAddr; addr != "" {
			srv := serveMetrics(addr, reg)
			defer srv.Close()
		}

		session, state, err := newSession(chat.Options{Metrics: chat.NewMetrics(reg)}, client.NewMetrics(reg))
		if err != nil {
			return err
		}
		if state != nil {
			defer state.Close()
		}

		out := cmd.OutOrStdout()
		remove := session.Requests().OnRequest(func(req chat.Request) {
			fmt.Fprintf(out, "request %s from %s: %s\n", req.ID, req.FromUser.Name(), req.Preview)
			if notify {
				title := fmt.Sprintf("Message request from %s", req.FromUser.Name())
				if err := beeep.Notify(title, truncate(req.Preview, 120), ""); err != nil {
					logger.WithError(err).Warn("Failed to send desktop notification")
				}
			}
		})
		defer remove()

		if err := session.Start(ctx); err != nil {
			session.Close()
			return err
		}
		defer session.Close()

		return watchLoop(ctx, out, session)
	},
}

func watchLoop(ctx context.Context, out io.Writer, session *chat.Session) error {
	states := session.Manager().StateChanges()
	for {
		select {
		case update := <-states:
			line := fmt.Sprintf("connection %s", update.State)
			if update.Attempt > 0 {
				line += fmt.Sprintf(" (attempt %d)", update.Attempt)
			}
			if update.Err != nil {
				line += ": " + update.Err.Error()
			}
			fmt.Fprintln(out, line)
			if update.State == client.StateFailed {
				return errors.New("gave up reconnecting")
			}

		case update := <-session.Updates():
			printUpdate(out, session, update)

		case <-ctx.Done():
			return nil
		}
	}
}

func printUpdate(out io.Writer, session *chat.Session, update chat.Update) {
	switch update.Kind {
	case chat.UpdateThreads:
		if update.ThreadID == "" {
			fmt.Fprintf(out, "%d threads\n", len(session.Inbox().Threads()))
			return
		}
		// A thread summary changed because a message arrived while it was closed
		thread, ok := session.Inbox().Thread(update.ThreadID)
		if !ok {
			return
		}
		info := thread.Info()
		if info.LastMessage == nil || info.LastMessage.SenderID == session.Principal().UserID {
			return
		}
		fmt.Fprintf(out, "%s [%s] %s (%d unread)\n",
			info.Participant.Name(), info.ID, truncate(info.LastMessage.Content, 80), info.UnreadCount)

	case chat.UpdateTyping:
		if thread, ok := session.Inbox().Thread(update.ThreadID); ok && thread.CounterpartyTyping() {
			fmt.Fprintf(out, "%s is typing\n", thread.Info().Participant.Name())
		}

	case chat.UpdatePresence:
		if thread, ok := session.Inbox().Thread(update.ThreadID); ok {
			info := thread.Info()
			status := "offline"
			if info.IsOnline {
				status = "online"
			}
			fmt.Fprintf(out, "%s is %s\n", info.Participant.Name(), status)
		}

	case chat.UpdateRequests:
		if req, ok := session.Requests().Get(update.RequestID); ok && req.Status.Terminal() {
			fmt.Fprintf(out, "request %s %s\n", req.ID, req.Status)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.WithField("addr", addr).Info("Metrics server listening (/metrics)")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server error")
		}
	}()
	return srv
}
