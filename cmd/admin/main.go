// Command admin runs operator tasks against the postgres store.
//
//	admin reset-presence
//	admin credit <userID> <amount>
//	admin purge
//	admin user <userID> <name> <credits>
//	admin token <userID> [ttl]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go-pairchat/internal/auth"
	"go-pairchat/internal/config"
	"go-pairchat/internal/db"
	"go-pairchat/internal/ledger"
	"go-pairchat/internal/logger"
	"go-pairchat/internal/payment"
	"go-pairchat/internal/presence"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store/postgres"

	"github.com/rs/zerolog/log"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin reset-presence | credit <userID> <amount> | purge | user <userID> <name> <credits> | token <userID> [ttl]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg.Env)

	// Tokens need no database.
	if args[0] == "token" {
		if err := issueToken(cfg, args[1:]); err != nil {
			log.Fatal().Err(err).Msg("token")
		}
		return
	}

	if cfg.StoreDriver != "postgres" || cfg.DatabaseDSN == "" {
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("admin commands need STORE_DRIVER=postgres and DB_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect db")
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	repo := postgres.NewRepository(database.Conn)

	if err := run(ctx, repo, cfg, args); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		database.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, repo *postgres.Repository, cfg config.Config, args []string) error {
	switch args[0] {
	case "reset-presence":
		// A fresh session store: this process holds no connections.
		n, err := presence.NewTracker(repo, session.New()).ResetAll(ctx)
		if err != nil {
			return err
		}
		log.Info().Int64("users", n).Msg("presence reset")

	case "credit":
		if len(args) != 3 {
			return fmt.Errorf("credit needs <userID> <amount>")
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		l := ledger.New(repo, payment.NewStaticAuthorizer(cfg.TopUpAmount))
		balance, err := l.Credit(ctx, args[1], amount)
		if err != nil {
			return err
		}
		log.Info().Str("user_id", args[1]).Int64("balance", balance).Msg("credited")

	case "purge":
		messages, chats, err := repo.Purge(ctx)
		if err != nil {
			return err
		}
		log.Info().Int64("messages", messages).Int64("chats", chats).Msg("purged")

	case "user":
		if len(args) != 4 {
			return fmt.Errorf("user needs <userID> <name> <credits>")
		}
		credits, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("parse credits: %w", err)
		}
		if err := repo.EnsureUser(ctx, args[1], args[2], credits); err != nil {
			return err
		}
		log.Info().Str("user_id", args[1]).Msg("user ensured")

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func issueToken(cfg config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("token needs <userID>")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parse ttl: %w", err)
		}
		ttl = d
	}
	token, err := auth.NewService(cfg.JWTSecret).Issue(args[0], args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
