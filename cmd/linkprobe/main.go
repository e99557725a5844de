// linkprobe is a connectivity probe: it connects, authenticates, streams a
// few ticks for the requested symbols, and reports session metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/tradelink/config"
	"github.com/danmuck/tradelink/session"
	"github.com/danmuck/tradelink/streams"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML config path (defaults to TRADELINK_* environment)")
		symbolsRaw = flag.String("symbols", "1", "comma-separated symbol ids to stream")
		count      = flag.Int("count", 10, "ticks to read before exiting")
		timeout    = flag.Duration("timeout", 60*time.Second, "overall probe timeout")
	)
	flag.Parse()

	symbolIDs, err := parseSymbolIDs(*symbolsRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkprobe: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkprobe: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	err = session.With(ctx, cfg, func(ctx context.Context, sess *session.Session) error {
		ticks, err := streams.OpenTicks(ctx, sess, cfg.Credentials.AccountID, symbolIDs, streams.TickOptions{})
		if err != nil {
			return fmt.Errorf("open ticks: %w", err)
		}
		defer ticks.Close(ctx)

		for i := 0; i < *count; i++ {
			tick, err := ticks.Next(ctx)
			if err != nil {
				return fmt.Errorf("read tick: %w", err)
			}
			fmt.Printf("symbol=%d bid=%s ask=%s at=%s\n",
				tick.SymbolID, tick.Bid, tick.Ask, tick.Time.Format(time.RFC3339Nano))
		}

		snap := sess.Metrics().Snapshot()
		fmt.Printf("requests=%d responses=%d bytes_sent=%d heartbeats=%d\n",
			snap.RequestsSent, snap.Responses, snap.BytesSent, snap.HeartbeatsSent)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkprobe: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (session.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.Load(path)
	}
	return config.FromEnv()
}

func parseSymbolIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid symbol id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no symbol ids given")
	}
	return ids, nil
}
