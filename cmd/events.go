package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/al-how/claude-conductor/pkg/protocol"
)

func eventsCmd() *cobra.Command {
	var addr string
	var token string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the live telemetry feed",
		Long:  "Connects to the gateway's /ws endpoint and prints every telemetry event as an aligned row.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runEvents(addr, token); err != nil {
				fmt.Fprintln(os.Stderr, "events:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8790", "gateway host:port")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CONDUCTOR_API_TOKEN"), "gateway bearer token")
	return cmd
}

func runEvents(addr, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wsURL := "ws://" + addr + "/ws"
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	fmt.Printf("Connected to %s, waiting for events (ctrl-c to stop)...\n", wsURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		fmt.Println(renderEventRow(&frame))
	}
}

// renderEventRow lays a frame out as aligned columns: time, event name,
// then payload pairs in key order.
func renderEventRow(frame *protocol.EventFrame) string {
	var b strings.Builder
	b.WriteString(frame.Time.Format("15:04:05"))
	b.WriteString("  ")
	b.WriteString(runewidth.FillRight(frame.Event, 18))

	keys := make([]string, 0, len(frame.Payload))
	for k := range frame.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("  ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(payloadValue(frame.Payload[k]))
	}
	return b.String()
}

func payloadValue(v any) string {
	switch t := v.(type) {
	case string:
		return runewidth.Truncate(t, 60, "...")
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', 2, 64)
	default:
		return fmt.Sprint(v)
	}
}
