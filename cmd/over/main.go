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

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/config"
	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/engine"
	"github.com/justinron31/over/internal/remote/gateway"
	"github.com/justinron31/over/internal/remote/natsbus"
	"github.com/justinron31/over/internal/remote/postgres"
	"github.com/justinron31/over/internal/transport"
)

func main() {
	cfg := config.Load()

	selfID, err := uuid.Parse(cfg.SelfID)
	if err != nil {
		log.Fatalf("SELF_ID is required: %v", err)
	}
	peerID, err := uuid.Parse(cfg.PeerID)
	if err != nil {
		log.Fatalf("PEER_ID is required: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	log.Println("Connected to database")

	bus, err := natsbus.Connect(cfg.NatsURL)
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()
	log.Println("Connected to NATS")

	gw := gateway.NewClient(cfg.GatewayURL, cfg.JWTSecret, selfID)

	adapter := transport.NewAdapter(postgres.NewStore(pool), gw, bus, selfID, &transport.Options{
		MaxInFlight: cfg.MaxInFlight,
		MinSpacing:  cfg.MinSpacing,
	})
	defer adapter.Close()

	eng := engine.New(engine.Config{
		SelfID:         selfID,
		PeerID:         peerID,
		PollInterval:   cfg.PollInterval,
		HealthInterval: cfg.HealthInterval,
		PageSize:       cfg.PageSize,
		DeleteWindow:   cfg.DeleteWindow,
	}, adapter, consoleNotifier{})
	eng.OnAppend = func(msg domain.Message) {
		who := "them"
		if msg.SenderID == selfID {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), who, msg.Content)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	go repl(ctx, eng, selfID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutting down...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			log.Fatalf("engine stopped: %v", err)
		}
	}
	log.Println("Conversation closed")
}

func repl(ctx context.Context, eng *engine.Engine, selfID uuid.UUID) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: /ls  /more  /edit <id> <text>  /rm <id>  /quit  (anything else sends)")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
			return

		case line == "/ls":
			msgs, err := eng.Snapshot(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, m := range msgs {
				body := m.Content
				if m.Deleted() {
					body = "(deleted)"
				}
				marker := " "
				if m.SenderID == selfID {
					marker = "*"
				}
				fmt.Printf("%s %s %s %s\n", marker, m.ID, m.CreatedAt.Local().Format("15:04:05"), body)
			}

		case line == "/more":
			n, err := eng.LoadMore(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if n == 0 {
				fmt.Println("no more history")
			} else {
				fmt.Printf("loaded %d older message(s)\n", n)
			}

		case strings.HasPrefix(line, "/edit "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 3 {
				fmt.Println("usage: /edit <id> <text>")
				continue
			}
			id, err := uuid.Parse(parts[1])
			if err != nil {
				fmt.Println("bad id:", err)
				continue
			}
			if err := eng.BeginEdit(ctx, id); err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := eng.SubmitEdit(ctx, parts[2]); err != nil {
				fmt.Println("error:", err)
				_ = eng.CancelEdit(ctx)
			}

		case strings.HasPrefix(line, "/rm "):
			id, err := uuid.Parse(strings.TrimSpace(strings.TrimPrefix(line, "/rm ")))
			if err != nil {
				fmt.Println("bad id:", err)
				continue
			}
			if err := eng.Delete(ctx, id); err != nil {
				fmt.Println("error:", err)
			}

		default:
			if err := eng.Send(ctx, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

// consoleNotifier surfaces engine outcomes on stdout.
type consoleNotifier struct{}

func (consoleNotifier) SendFailed(draft string, err error) {
	fmt.Printf("send failed (%v); draft restored: %q\n", err, draft)
}

func (consoleNotifier) EditFailed(id uuid.UUID, err error) {
	fmt.Printf("edit of %s failed (%v); your draft is back\n", id, err)
}

func (consoleNotifier) DeleteFailed(id uuid.UUID, err error) {
	fmt.Printf("delete of %s failed: %v\n", id, err)
}

func (consoleNotifier) EditInvalidated(id uuid.UUID) {
	fmt.Printf("message %s changed remotely; your edit was cancelled\n", id)
}

func (consoleNotifier) LoadFailed(op string, err error) {
	fmt.Printf("failed to load messages (%s): %v\n", op, err)
}
