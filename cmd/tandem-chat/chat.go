package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/realtime"
	"github.com/tandemride/realtime/pkg/store"
	"github.com/tandemride/realtime/pkg/transport"
)

type chatFlags struct {
	userID       string
	displayName  string
	roomID       string
	dbPath       string
	redisAddr    string
	redisGroup   string
	gatewayURL   string
	gatewayToken string
}

func newChatCommand() *cobra.Command {
	flags := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.userID, "user", "", "user id (defaults to a generated one)")
	cmd.Flags().StringVar(&flags.displayName, "name", "", "display name")
	cmd.Flags().StringVar(&flags.roomID, "room", "lobby", "room to join")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "path to the local message database")
	cmd.Flags().StringVar(&flags.redisAddr, "redis-addr", "", "Redis address for the streams transport")
	cmd.Flags().StringVar(&flags.redisGroup, "redis-group", "tandem-chat", "Redis consumer group")
	cmd.Flags().StringVar(&flags.gatewayURL, "gateway-url", "", "websocket gateway URL")
	cmd.Flags().StringVar(&flags.gatewayToken, "gateway-token", "", "bearer token for the gateway")
	return cmd
}

func runChat(ctx context.Context, flags *chatFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyChatFlags(&cfg, flags)
	if cfg.UserID == "" {
		cfg.UserID = "user-" + uuid.NewString()[:8]
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tr, err := buildTransport(ctx, cfg, flags.roomID)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	session := realtime.NewSession(realtime.Config{
		UserID:          cfg.UserID,
		DisplayName:     cfg.DisplayName,
		PresenceTimeout: cfg.PresenceTimeout,
	}, tr, st, store.NewCachedProfiles(st), log.Logger)
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return errors.Wrap(err, "start session")
	}
	if err := session.JoinRoom(flags.roomID); err != nil {
		return errors.Wrap(err, "join room")
	}

	unsubState := session.OnConnectionState(func(state chat.ConnectionState) {
		fmt.Printf("* connection: %s\n", state)
	})
	defer unsubState()

	renderer := newTimelineRenderer()
	unsubTimeline := session.SubscribeTimeline(flags.roomID, func() {
		renderer.render(session.Timeline(flags.roomID))
	})
	defer unsubTimeline()

	fmt.Printf("joined %s as %s; type a message, /who for the roster, /quit to leave\n",
		flags.roomID, cfg.DisplayName)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return readInput(egCtx, session, flags.roomID)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return nil
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyChatFlags(cfg *appConfig, flags *chatFlags) {
	if flags.userID != "" {
		cfg.UserID = flags.userID
	}
	if flags.displayName != "" {
		cfg.DisplayName = flags.displayName
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.redisAddr != "" {
		cfg.Redis.Addr = flags.redisAddr
		cfg.Redis.Group = flags.redisGroup
	}
	if flags.gatewayURL != "" {
		cfg.Gateway.URL = flags.gatewayURL
		cfg.Gateway.Token = flags.gatewayToken
	}
}

// buildTransport picks the websocket gateway, Redis Streams or the in-process
// loopback, in that order of preference.
func buildTransport(ctx context.Context, cfg appConfig, roomID string) (transport.Transport, error) {
	if cfg.Gateway.URL != "" {
		return transport.NewGateway(cfg.Gateway.URL, cfg.Gateway.Token, log.Logger), nil
	}
	if cfg.Redis.Addr != "" {
		if cfg.Redis.Consumer == "" {
			cfg.Redis.Consumer = cfg.UserID
		}
		keys := []string{
			realtime.PresenceKey,
			realtime.RoomKey(roomID),
			realtime.TypingKey(roomID),
		}
		for _, key := range keys {
			if err := transport.EnsureGroupAtTail(ctx, cfg.Redis.Addr, key, cfg.Redis.Group); err != nil {
				return nil, err
			}
		}
		return transport.NewRedis(cfg.Redis, log.Logger)
	}
	log.Info().Msg("no gateway or redis configured, using in-process transport")
	return transport.NewInProcess(log.Logger), nil
}

func readInput(ctx context.Context, session *realtime.Session, roomID string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/who":
				printRoster(session)
			case line == "/typing":
				for _, e := range session.Typing(roomID) {
					fmt.Printf("* %s is typing\n", e.DisplayName)
				}
			case strings.HasPrefix(line, "/"):
				fmt.Printf("unknown command %s\n", line)
			default:
				session.SendMessage(roomID, line, realtime.SendExtras{})
			}
		}
	}
}

func printRoster(session *realtime.Session) {
	state := "live"
	if !session.PresenceConnected() {
		state = "stale"
	}
	fmt.Printf("* online (%s):\n", state)
	for _, e := range session.Presence() {
		fmt.Printf("  - %s\n", e.DisplayName)
	}
}

// timelineRenderer prints timeline changes incrementally: new messages as
// they land, and delivery transitions for the user's own sends.
type timelineRenderer struct {
	mu   sync.Mutex
	seen map[string]chat.DeliveryState // clientTempID or server id -> last printed state
}

func newTimelineRenderer() *timelineRenderer {
	return &timelineRenderer{seen: map[string]chat.DeliveryState{}}
}

func (r *timelineRenderer) render(msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		key := m.ClientTempID
		if key == "" {
			key = m.ID
		}
		prev, ok := r.seen[key]
		if ok && prev == m.Delivery {
			continue
		}
		r.seen[key] = m.Delivery
		switch m.Delivery {
		case chat.DeliveryPending:
			fmt.Printf("[%s] %s: %s (sending)\n", m.CreatedAt.Format("15:04:05"), m.SenderName, m.Content)
		case chat.DeliveryFailed:
			fmt.Printf("[%s] %s: %s (FAILED)\n", m.CreatedAt.Format("15:04:05"), m.SenderName, m.Content)
		case chat.DeliveryConfirmed:
			if ok {
				// Already printed while pending; the confirmation is silent.
				continue
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.SenderName, m.Content)
		}
	}
}
