// loopctl is a small terminal client for the realtime layer: it follows a
// task's live channel, surviving server restarts through the sync client's
// reconnect and offline queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/realtime"
	"loopboard/backend/internal/realtime/syncclient"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "loopctl",
		Short:   "Loopboard realtime client",
		Version: Version,
	}

	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow a task's realtime channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			email, _ := cmd.Flags().GetString("email")
			taskID := args[0]

			return watch(cmd.Context(), server, email, taskID)
		},
	}

	cmd.Flags().StringP("server", "s", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringP("email", "e", "dev@localhost", "Identity for dev-mode auth")

	return cmd
}

func watch(parent context.Context, server, email, taskID string) error {
	logger := logging.NewLogger()

	header := http.Header{}
	header.Set("X-Dev-Email", email)

	queuePath, err := syncclient.DefaultQueuePath()
	if err != nil {
		return fmt.Errorf("resolve queue path: %w", err)
	}
	queue, err := syncclient.OpenQueue(queuePath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	primary := syncclient.WSDialer{
		URL:    wsURL(server) + "/realtime/ws",
		Header: header,
	}
	fallback := syncclient.SSEDialer{
		StreamURL: server + "/realtime/events?taskId=" + url.QueryEscape(taskID),
		Header:    header,
	}

	client := syncclient.New(primary, logger,
		syncclient.WithFallback(fallback),
		syncclient.WithQueue(queue),
		syncclient.WithBackoff(time.Second, 30*time.Second),
		syncclient.WithHeartbeat(20*time.Second, 10*time.Second),
		syncclient.WithEventHandler(func(env realtime.Envelope) {
			line, err := json.Marshal(env)
			if err != nil {
				return
			}
			fmt.Println(string(line))
		}),
		syncclient.WithStateHandler(func(s syncclient.ConnState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		}),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The subscribe frame rides the queue: it is delivered on connect and
	// re-queued across reconnects by the caller pressing watch again.
	subscribe, _ := json.Marshal(map[string]string{"event": "task.subscribe", "taskId": taskID})
	if err := client.Send(ctx, subscribe); err != nil {
		return err
	}

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// wsURL rewrites an http(s) base URL to its ws(s) form.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
