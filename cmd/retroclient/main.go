// retroclient is a terminal participant: it connects straight to the
// shared store, runs the four synchronizers for one room, and maps stdin
// commands onto them. Identity is resumed from the local session file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/cards"
	"github.com/mcdev12/retroboard/internal/config"
	"github.com/mcdev12/retroboard/internal/presence"
	"github.com/mcdev12/retroboard/internal/room"
	"github.com/mcdev12/retroboard/internal/session"
	"github.com/mcdev12/retroboard/internal/store"
	"github.com/mcdev12/retroboard/internal/store/natsstore"
	"github.com/mcdev12/retroboard/internal/store/pgstore"
	"github.com/mcdev12/retroboard/internal/timer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	sessionPath := flag.String("session", defaultSessionPath(), "path to session file")
	name := flag.String("name", "", "display name (persisted per room)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: retroclient [flags] <room-key>")
		os.Exit(2)
	}
	roomKey := strings.TrimSpace(flag.Arg(0))

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer closeStore()

	sessions, err := session.Open(*sessionPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session file")
	}
	identity, err := sessions.Ensure(roomKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to persist identity")
	}
	if *name != "" && *name != identity.Name {
		if err := sessions.SetName(roomKey, *name); err != nil {
			log.Fatal().Err(err).Msg("failed to persist name")
		}
		identity.Name = *name
	}
	if identity.Name == "" {
		fmt.Fprintln(os.Stderr, "first visit to this room: pass -name")
		os.Exit(2)
	}

	clock := clockwork.NewRealClock()
	client := &client{
		roomKey:  roomKey,
		identity: identity,
		sessions: sessions,
		rooms:    room.NewSynchronizer(st, clock),
		ledger:   cards.NewLedger(st, clock),
		tracker: presence.NewTracker(st, clock, presence.Config{
			HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
			ActiveWindow:      time.Duration(cfg.Presence.ActiveWindowSec) * time.Second,
		}),
	}
	client.coord = timer.NewCoordinator(client.rooms, clock, roomKey)

	if err := client.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		ns, err := natsstore.New(ctx, natsstore.Config{
			URL:    cfg.Store.NATS.URL,
			Bucket: cfg.Store.NATS.Bucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return ns, ns.Close, nil
	case config.BackendPostgres:
		ps, err := pgstore.New(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.Close, nil
	default:
		return nil, nil, fmt.Errorf("backend %q cannot be shared between processes; use nats or postgres", cfg.Store.Backend)
	}
}

type client struct {
	roomKey  string
	identity session.Identity
	sessions *session.FileStore

	rooms   *room.Synchronizer
	ledger  *cards.Ledger
	tracker *presence.Tracker
	coord   *timer.Coordinator

	mu       sync.Mutex
	room     *board.Room
	cardList []board.Card
}

func (c *client) run(ctx context.Context) error {
	roomCh, _, err := c.rooms.Observe(ctx, c.roomKey)
	if err != nil {
		return err
	}
	cardCh, _, err := c.ledger.Observe(ctx, c.roomKey, board.SortByTime, board.SortDesc)
	if err != nil {
		return err
	}
	participantCh, _, err := c.tracker.Observe(ctx, c.roomKey)
	if err != nil {
		return err
	}

	if err := c.tracker.Join(ctx, c.roomKey, c.identity.ParticipantID, c.identity.Name, c.identity.CreatorClaim); err != nil {
		return err
	}
	stopHeartbeat := c.tracker.StartHeartbeat(ctx, c.roomKey, c.identity.ParticipantID, c.identity.Name, c.identity.CreatorClaim)
	defer stopHeartbeat()

	go c.coord.Run(ctx)

	go func() {
		for r := range roomCh {
			c.mu.Lock()
			cp := r
			c.room = &cp
			c.mu.Unlock()
			c.coord.Apply(ctx, r.Timer)

			if r.CreatorID == "" && !c.identity.CreatorClaim {
				if err := c.rooms.ClaimCreator(ctx, c.roomKey, c.identity.ParticipantID); err == nil {
					c.sessions.SetCreatorClaim(c.roomKey, true)
					c.identity.CreatorClaim = true
				}
			}
			fmt.Printf("» room %q sort=%s/%s creator=%v\n", r.Name, r.Settings.SortBy, r.Settings.SortOrder, r.CreatorID == c.identity.ParticipantID)
		}
	}()

	go func() {
		for list := range cardCh {
			c.mu.Lock()
			c.cardList = list
			c.mu.Unlock()
			fmt.Printf("» %d card(s):\n", len(list))
			for i, card := range list {
				fmt.Printf("  [%d] (%s) %s — %s, %d vote(s)\n", i+1, card.Category, card.Text, card.Author, card.Votes)
			}
		}
	}()

	go func() {
		for list := range participantCh {
			fmt.Printf("» %d participant(s), %d active\n", len(list), len(c.tracker.Active(list)))
		}
	}()

	go func() {
		for tick := range c.coord.Ticks() {
			if tick.State == timer.StateRunning {
				fmt.Printf("» timer %ds left\n", tick.Remaining)
			}
		}
	}()

	fmt.Println("commands: add <start|stop|continue> <text> | vote <n> | unvote <n> | del <n> | timer <minutes|start|stop|reset> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if done := c.handle(ctx, strings.TrimSpace(scanner.Text())); done {
			break
		}
	}
	return scanner.Err()
}

func (c *client) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	parts := strings.SplitN(line, " ", 3)

	var err error
	switch parts[0] {
	case "quit", "exit":
		return true
	case "add":
		if len(parts) < 3 {
			fmt.Println("usage: add <category> <text>")
			return false
		}
		_, err = c.ledger.AddCard(ctx, c.roomKey, strings.TrimSpace(parts[2]), c.identity.Name, c.identity.ParticipantID, board.Category(parts[1]), nil)
	case "vote", "unvote":
		card, ok := c.cardAt(parts)
		if !ok {
			return false
		}
		err = c.ledger.ToggleVote(ctx, c.roomKey, card.ID, c.identity.ParticipantID, parts[0] == "vote")
	case "del":
		card, ok := c.cardAt(parts)
		if !ok {
			return false
		}
		err = c.ledger.SoftDelete(ctx, c.roomKey, card.ID)
	case "timer":
		if len(parts) < 2 {
			fmt.Println("usage: timer <minutes|start|stop|reset>")
			return false
		}
		switch parts[1] {
		case "start":
			err = c.coord.Start(ctx)
		case "stop":
			err = c.coord.Stop(ctx)
		case "reset":
			err = c.coord.Reset(ctx)
		default:
			var minutes int
			if minutes, err = strconv.Atoi(parts[1]); err == nil {
				err = c.coord.SetDuration(ctx, minutes)
			}
		}
	default:
		fmt.Printf("unknown command %q\n", parts[0])
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func (c *client) cardAt(parts []string) (board.Card, bool) {
	if len(parts) < 2 {
		fmt.Println("usage:", parts[0], "<n>")
		return board.Card{}, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		fmt.Println("not a card number:", parts[1])
		return board.Card{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.cardList) {
		fmt.Println("no such card")
		return board.Card{}, false
	}
	return c.cardList[n-1], true
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".retroboard-session.json"
	}
	return home + "/.retroboard-session.json"
}
