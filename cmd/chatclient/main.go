package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/config"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/relay"
)

type options struct {
	server    string
	ticketID  string
	token     string
	secret    string
	userID    string
	role      string
	clientID  string
	redisAddr string
	prefix    string
	logLevel  string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	flags.StringVar(&opts.server, "server", "http://127.0.0.1:8080", "chat API base URL")
	flags.StringVarP(&opts.ticketID, "ticket", "t", "", "ticket to open; empty asks another open view of this client")
	flags.StringVar(&opts.token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flags.StringVar(&opts.secret, "dev-secret", "", "mint a token locally with this signing secret")
	flags.StringVar(&opts.userID, "user", "", "actor id for a minted token")
	flags.StringVar(&opts.role, "role", string(domain.ActorRoleRequester), "actor role for a minted token")
	flags.StringVar(&opts.clientID, "client-id", "", "views sharing a client id relay messages to each other")
	flags.StringVar(&opts.redisAddr, "redis", "", "redis address for relaying between processes")
	flags.StringVar(&opts.prefix, "relay-prefix", "relay", "relay channel prefix")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}

	if opts.token == "" && opts.secret != "" {
		if opts.userID == "" {
			return opts, fmt.Errorf("--user is required with --dev-secret")
		}
		token, _, err := auth.NewTokenManager(opts.secret, 60).GenerateToken(domain.Actor{
			ID:   opts.userID,
			Role: domain.ActorRole(strings.ToUpper(opts.role)),
		})
		if err != nil {
			return opts, fmt.Errorf("mint token: %w", err)
		}
		opts.token = token
	}
	if opts.token == "" {
		return opts, fmt.Errorf("a --token or --dev-secret is required")
	}
	if opts.redisAddr != "" && opts.clientID == "" {
		return opts, fmt.Errorf("--client-id is required with --redis")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	logger, err := observability.NewLogger(config.LoggerConfig{Level: opts.logLevel}, config.AppConfig{Name: "chatclient", Env: "cli"})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, closeBus, err := openBus(ctx, opts, logger)
	if err != nil {
		logger.Fatal("failed to open relay", zap.Error(err))
	}
	defer closeBus()

	view := relay.NewView(bus, opts.ticketID)
	defer view.Close()

	out := newPrinter(os.Stdout)
	view.OnChange(out.show)

	ticketID, err := resolveTicket(ctx, view)
	if err != nil {
		logger.Fatal("no ticket to open", zap.Error(err))
	}
	fmt.Printf("ticket %s\n", ticketID)

	api := newAPIClient(opts.server, opts.token)
	fromSibling, err := loadHistory(ctx, view, api.fetchMessages, siblingWait)
	if err != nil {
		logger.Fatal("initial load failed", zap.Error(err))
	}
	logger.Debug("history loaded", zap.Bool("from_sibling", fromSibling))

	conn, err := api.dial(ctx, ticketID)
	if err != nil {
		logger.Fatal("realtime connection failed", zap.Error(err))
	}
	defer conn.Close()

	go func() {
		err := readFrames(conn, view.Add, func(msg string) {
			logger.Warn("server error", zap.String("message", msg))
		})
		if ctx.Err() == nil {
			logger.Error("realtime connection lost", zap.Error(err))
			stop()
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			msg, err := api.postMessage(ctx, ticketID, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if err := view.Announce(ctx, *msg); err != nil {
				logger.Warn("relay announce failed", zap.Error(err))
			}
		}
	}
}

func openBus(ctx context.Context, opts options, logger *zap.Logger) (relay.Bus, func(), error) {
	if opts.redisAddr == "" {
		return relay.NewLocalBus(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	bus, err := relay.NewRedisBus(ctx, rdb, relay.ChannelName(opts.prefix, opts.clientID), logger)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return bus, func() {
		_ = bus.Close()
		_ = rdb.Close()
	}, nil
}

// resolveTicket returns the view's ticket, asking sibling views when unset.
func resolveTicket(ctx context.Context, view *relay.View) (string, error) {
	if id := view.TicketID(); id != "" {
		return id, nil
	}
	adopted := make(chan string, 1)
	view.OnTicket(func(id string) {
		select {
		case adopted <- id:
		default:
		}
	})
	if err := view.RequestTicket(ctx); err != nil {
		return "", err
	}

	select {
	case id := <-adopted:
		return id, nil
	case <-time.After(3 * time.Second):
		return "", fmt.Errorf("no open view answered, pass --ticket")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
