// chromatic is a line-oriented client for the chromatic rings wager duel.
// Two instances pointed at the same room store can host, join and play a
// wagered match end to end.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/UnclePhil1/chromatic/client"
	"github.com/UnclePhil1/chromatic/ledger"
	"github.com/UnclePhil1/chromatic/ringgame"
	"github.com/UnclePhil1/chromatic/stats"
	"github.com/UnclePhil1/chromatic/store"
)

var (
	datadir       = flag.String("datadir", "", "Directory for config, keys and logs")
	storeAddr     = flag.String("store", "", "Redis room store address (host:port); empty uses in-memory")
	gatewayAddr   = flag.String("gateway", "", "Transfer gateway base URL")
	dcrdHostPort  = flag.String("dcrd", "", "dcrd RPC host:port")
	dcrdUser      = flag.String("dcrduser", "", "dcrd RPC user")
	dcrdPass      = flag.String("dcrdpass", "", "dcrd RPC password")
	dcrdCert      = flag.String("dcrdcert", "", "Path to dcrd rpc.cert")
	payoutAddress = flag.String("payout", "", "Address winnings should be paid to")
	escrowMode    = flag.String("escrowmode", "", "Escrow custody mode: generated or self")
	debugLevel    = flag.String("debuglevel", "", "Log level (trace, debug, info, warn, error)")
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	flag.Parse()

	cfg, err := client.LoadAppConfig(*datadir, client.ConfigOverrides{
		StoreAddr:     *storeAddr,
		GatewayAddr:   *gatewayAddr,
		DcrdHostPort:  *dcrdHostPort,
		DcrdRPCUser:   *dcrdUser,
		DcrdRPCPass:   *dcrdPass,
		DcrdRPCCert:   *dcrdCert,
		PayoutAddress: *payoutAddress,
		EscrowMode:    *escrowMode,
		DebugLevel:    *debugLevel,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bknd := slog.NewBackend(os.Stderr)
	log := bknd.Logger("CHRM")
	if lvl, ok := slog.LevelFromString(cfg.DebugLevel); ok {
		log.SetLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	wallet, err := loadOrCreateWallet(cfg.WalletKeyPath)
	if err != nil {
		return err
	}
	log.Infof("wallet address %s", wallet.Address())

	var roomStore store.RoomStore
	if cfg.StoreAddr != "" {
		rs := store.NewRedisStore(cfg.StoreAddr, cfg.StorePass, 0)
		defer rs.Close()
		roomStore = rs
		log.Infof("using redis room store at %s", cfg.StoreAddr)
	} else {
		roomStore = store.NewMemStore()
		log.Warnf("no store configured; rooms are local to this process")
	}

	var ldgr ledger.Ledger
	switch {
	case cfg.GatewayAddr != "":
		ldgr = ledger.NewGatewayLedger(cfg.GatewayAddr, log)
		log.Infof("using transfer gateway at %s", cfg.GatewayAddr)
	case cfg.DcrdHostPort != "":
		dl, err := ledger.NewDcrLedger(ledger.DcrConfig{
			HostPort: cfg.DcrdHostPort,
			User:     cfg.DcrdRPCUser,
			Pass:     cfg.DcrdRPCPass,
			CertPath: cfg.DcrdRPCCert,
		}, log)
		if err != nil {
			return err
		}
		defer dl.Shutdown()
		g.Go(func() error { dl.Run(gctx); return nil })
		deposits, unsub, err := dl.SubscribeDeposits(wallet.Address())
		if err != nil {
			return err
		}
		defer unsub()
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case u := <-deposits:
					log.Debugf("wallet holds %d atoms across %d outputs (%d confs)",
						u.Balance, u.UTXOCount, u.Confs)
				}
			}
		})
		ldgr = dl
		log.Infof("using dcrd at %s", cfg.DcrdHostPort)
	default:
		ml := ledger.NewMemLedger()
		ml.Credit(wallet.Address(), 100_000_000)
		ldgr = ml
		log.Warnf("no transfer backend configured; using in-memory ledger")
	}

	var rec stats.Recorder = stats.NopRecorder{}
	if cfg.StatsDBPath != "" {
		db, err := stats.Open(cfg.StatsDBPath, log)
		if err != nil {
			return err
		}
		defer db.Close()
		rec = db
	}

	ntfns := client.NewNotificationManager()
	ntfns.RegisterPhaseChanged(func(from, to ringgame.Phase) {
		fmt.Printf("\n<< phase: %s -> %s\n", from, to)
	})
	ntfns.RegisterCountdown(func(v int) {
		fmt.Printf("\n<< starting in %d...\n", v)
	})
	ntfns.RegisterEscrowStatus(func(s client.EscrowStatus, err error) {
		if err != nil {
			fmt.Printf("\n<< escrow: %s (%v)\n", s, err)
			return
		}
		fmt.Printf("\n<< escrow: %s\n", s)
	})
	ntfns.RegisterInvalidMove(func(from, to int, reason string) {
		fmt.Printf("\n<< invalid move %d -> %d: %s\n", from, to, reason)
	})
	ntfns.RegisterGameEnded(func(r *ringgame.Room, w *ringgame.PlayerState) {
		if w != nil {
			fmt.Printf("\n<< game over: %s wins the pot of %d\n", w.Name, r.Pot())
			return
		}
		fmt.Printf("\n<< game over\n")
	})

	c, err := client.NewClient(&client.Config{
		AppCfg:        cfg,
		Log:           log,
		Store:         roomStore,
		Ledger:        ldgr,
		Wallet:        wallet,
		Stats:         rec,
		Notifications: ntfns,
	})
	if err != nil {
		return err
	}

	g.Go(func() error { return repl(gctx, cancel, c, rec, ldgr, wallet) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadOrCreateWallet reads the wallet key file, generating one on first run.
func loadOrCreateWallet(path string) (*ledger.KeySigner, error) {
	if b, err := os.ReadFile(path); err == nil {
		return ledger.KeySignerFromHex(strings.TrimSpace(string(b)))
	}
	w, err := ledger.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(w.SecretHex()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist wallet key: %w", err)
	}
	return w, nil
}

const replHelp = `commands:
  host <name> <amount>   create a room and stake <amount>
  join <name> <code>     join a room and stake its wager
  start                  begin the game (host only)
  move <from> <to>       move the top ring between poles (0-4)
  claim                  settle the pot (winner only)
  leave                  leave the current room
  link                   print the shareable room link
  state                  print the local room mirror
  balance                print the wallet balance
  top                    print the leaderboard
  quit                   exit`

func repl(ctx context.Context, cancel context.CancelFunc, c *client.Client, rec stats.Recorder, ldgr ledger.Ledger, wallet *ledger.KeySigner) error {
	fmt.Println(replHelp)
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			cancel()
			return sc.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		var err error
		switch cmd {
		case "host":
			if len(args) != 2 {
				err = fmt.Errorf("usage: host <name> <amount>")
				break
			}
			var amount int64
			amount, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				break
			}
			var room *ringgame.Room
			room, err = c.HostGame(ctx, args[0], amount)
			if err == nil {
				fmt.Printf("room %s created; share %s\n", room.Code, c.InviteLink())
			}
		case "join":
			if len(args) != 2 {
				err = fmt.Errorf("usage: join <name> <code>")
				break
			}
			var room *ringgame.Room
			room, err = c.JoinGame(ctx, args[0], args[1])
			if err == nil {
				fmt.Printf("joined room %s (wager %d)\n", room.Code, room.Wager.Amount)
			}
		case "start":
			err = c.StartGame(ctx)
		case "move":
			if len(args) != 2 {
				err = fmt.Errorf("usage: move <from> <to>")
				break
			}
			var from, to int
			if from, err = strconv.Atoi(args[0]); err != nil {
				break
			}
			if to, err = strconv.Atoi(args[1]); err != nil {
				break
			}
			err = c.ApplyMove(ctx, from, to)
		case "claim":
			err = c.ClaimWinnings(ctx)
		case "leave":
			err = c.LeaveGame(ctx)
		case "link":
			fmt.Println(c.InviteLink())
		case "state":
			printRoom(c.Room(), c.Phase())
		case "balance":
			var bal int64
			bal, err = ldgr.Balance(ctx, wallet.Address())
			if err == nil {
				fmt.Printf("%d atoms\n", bal)
			}
		case "top":
			var rows []stats.PlayerRecord
			rows, err = rec.TopPlayers(ctx, 10)
			if err == nil {
				for i, r := range rows {
					fmt.Printf("%2d. %-20s won %d lost %d\n", i+1, r.PlayerName, r.Won, r.Lost)
				}
			}
		case "quit", "exit":
			cancel()
			return nil
		case "help":
			fmt.Println(replHelp)
		default:
			err = fmt.Errorf("unknown command %q (try help)", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func printRoom(r *ringgame.Room, phase ringgame.Phase) {
	fmt.Printf("phase: %s\n", phase)
	if r == nil {
		return
	}
	fmt.Printf("room %s, wager %d, escrow %s (%s), paidOut=%t\n",
		r.Code, r.Wager.Amount, r.Wager.EscrowAddress, r.Wager.Mode, r.Wager.PaidOut)
	for _, p := range r.Players {
		role := "guest"
		if p.Host {
			role = "host"
		}
		marker := ""
		if p.Winner {
			marker = " (winner)"
		}
		fmt.Printf("  %s %s: %d moves%s\n", role, p.Name, p.Moves, marker)
		for i, pole := range p.Board.Poles {
			names := make([]string, 0, len(pole))
			for _, ring := range pole {
				names = append(names, string(ring.Color))
			}
			fmt.Printf("    pole %d: %s\n", i, strings.Join(names, " "))
		}
	}
}
