package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/glowus/relay/internal/config"
	"github.com/glowus/relay/internal/server"
)

// watchFlags holds the command line values for "relay watch".
type watchFlags struct {
	URL      string
	Role     string
	Count    int
	Duration time.Duration
}

func newWatchCmd() *cobra.Command {
	f := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a relay as a peer and print the frames it sends",
		Long: `watch opens a websocket to the relay, sends the handshake for the chosen
role, and prints every frame received until --count frames arrive, --duration
elapses, or it is interrupted.

Roles: automation (mcp-connect), canvas (frontend-connect), terminal (init).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runWatch(ctx, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.URL, "url", "ws://"+config.DefaultAddr+"/ws", "Relay websocket URL")
	cmd.Flags().StringVar(&f.Role, "role", "automation", "Role to claim: automation, canvas or terminal")
	cmd.Flags().IntVar(&f.Count, "count", 0, "Stop after this many frames (0 = no limit)")
	cmd.Flags().DurationVar(&f.Duration, "duration", 0, "Stop after this long (0 = no limit)")

	return cmd
}

// handshakeFor returns the first frame a peer of the given role sends.
func handshakeFor(role string) ([]byte, error) {
	var t server.MessageType
	switch role {
	case "automation":
		t = server.MessageTypeMCPConnect
	case "canvas":
		t = server.MessageTypeFrontendConnect
	case "terminal":
		t = server.MessageTypeInit
	default:
		return nil, fmt.Errorf("unknown role %q (want automation, canvas or terminal)", role)
	}
	return json.Marshal(map[string]server.MessageType{"type": t})
}

func runWatch(ctx context.Context, f *watchFlags, out io.Writer) error {
	handshake, err := handshakeFor(f.Role)
	if err != nil {
		return err
	}

	if f.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Duration)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", f.URL, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	// Unblock ReadMessage when the context ends.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stopWatch()

	received := 0
	for f.Count <= 0 || received < f.Count {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("relay closed the connection: %d %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read failed: %w", err)
		}
		received++
		fmt.Fprintf(out, "%s\n", data)
	}
	return nil
}
