// Command timeline-tail subscribes to a set of relays and prints the merged
// timeline as JSON lines: the initial batch once it settles, then live events
// as they arrive. With -publish it signs and broadcasts a text note instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"nostr-timeline/internal/cache"
	"nostr-timeline/timeline"
)

func main() {
	var (
		relaysFlag   = flag.String("relays", "wss://relay.damus.io,wss://nos.lol", "comma-separated relay URLs")
		authorsFlag  = flag.String("authors", "", "comma-separated author pubkeys (hex)")
		kindsFlag    = flag.String("kinds", "1", "comma-separated event kinds")
		hashtagsFlag = flag.String("hashtags", "", "comma-separated hashtag filters (#t)")
		limitFlag    = flag.Int("limit", 50, "per-relay event limit")
		presetFlag   = flag.String("preset", "default", "timing preset: default, discovery, chat_join, profile, zap_receipts, exhaustive")
		secFlag      = flag.String("sec", "", "secret key (hex) for AUTH challenges and publishing")
		publishFlag  = flag.String("publish", "", "publish a kind-1 note with this content and exit")
	)
	flag.Parse()

	initLogger()

	relays := splitList(*relaysFlag)
	if len(relays) == 0 {
		fmt.Fprintln(os.Stderr, "no relays given")
		os.Exit(1)
	}

	preset, err := timeline.ParsePreset(*presetFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var signer timeline.Signer
	if *secFlag != "" {
		signer, err = timeline.NewLocalSigner(*secFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad secret key: %v\n", err)
			os.Exit(1)
		}
	}

	backend := cache.NewFromEnv("timeline")
	defer backend.Close()

	engine := timeline.NewEngine(timeline.Options{
		CacheBackend: backend,
		Signer:       signer,
	})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *publishFlag != "" {
		if signer == nil {
			fmt.Fprintln(os.Stderr, "-publish requires -sec")
			os.Exit(1)
		}
		evt := timeline.Event{Kind: 1, Content: *publishFlag}
		results, err := engine.Publish(ctx, relays, evt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
			os.Exit(1)
		}
		for _, r := range results {
			fmt.Printf("%s ok=%v %s\n", r.Relay, r.OK, r.Reason)
		}
		if !results.Satisfies(timeline.PublishAny) {
			os.Exit(1)
		}
		return
	}

	filter := timeline.Filter{
		Authors: splitList(*authorsFlag),
		Kinds:   parseKinds(*kindsFlag),
		Limit:   *limitFlag,
	}
	if tags := splitList(*hashtagsFlag); len(tags) > 0 {
		filter.Tags = map[string][]string{"t": tags}
	}

	session, err := engine.SubscribeTimeline(ctx, []timeline.RelayGroup{
		{Name: "tail", Addresses: relays, Filter: filter},
	}, timeline.SubscribeOptions{Preset: preset})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-session.Batches():
			if !ok {
				return
			}
			if !batch.Eosed {
				continue
			}
			slog.Info("initial batch",
				"events", len(batch.Records),
				"has_more", session.HasMore())
			for _, evt := range batch.Records {
				enc.Encode(evt)
			}
		case evt, ok := <-session.Live():
			if !ok {
				return
			}
			enc.Encode(evt)
		}
	}
}

// initLogger mirrors the server components: JSON handler on stderr, level
// from LOG_LEVEL.
func initLogger() {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseKinds(s string) []int {
	var kinds []int
	for _, p := range splitList(s) {
		if k, err := strconv.Atoi(p); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
