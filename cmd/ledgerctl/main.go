// Command ledgerctl is the operator CLI. It enqueues purchases for the
// worker and reads or accrues a single user's points.
//
//	ledgerctl purchase -user 7 -item 3 [-key order-1]
//	ledgerctl balance -user 7
//	ledgerctl profile -user 7
//	ledgerctl accrue -user 7
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/Proton-105/points-ledger/internal/app"
	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/pkg/config"
	"github.com/Proton-105/points-ledger/pkg/logger"
)

const (
	cmdPurchase = "purchase"
	cmdBalance  = "balance"
	cmdProfile  = "profile"
	cmdAccrue   = "accrue"
)

const usage = "usage: ledgerctl purchase|balance|profile|accrue -user ID [-item ID] [-key KEY]"

type command struct {
	Name   string `validate:"oneof=purchase balance profile accrue"`
	UserID int64  `validate:"gt=0"`
	ItemID int64  `validate:"required_if=Name purchase,gte=0"`
	Key    string `validate:"max=128"`
}

// ledger is the read and accrual surface of *points.Service.
type ledger interface {
	Balance(ctx context.Context, userID int64) (*domain.Balance, error)
	Profile(ctx context.Context, userID int64) (*domain.Profile, error)
	Accrue(ctx context.Context, userID int64) (*points.AccrualResult, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	cfg, _, err := config.Load()
	if err != nil {
		return err
	}

	log, _ := logger.New(cfg.Logger, cfg.Sentry.Enabled)

	if cmd.Name == cmdPurchase {
		if !cfg.Redis.Enabled {
			return errors.New("purchase requires redis.enabled")
		}

		manager := jobs.NewManager(jobs.RedisConnOpt(cfg.Redis), log)
		defer manager.Close()

		return enqueuePurchase(ctx, manager, cmd, out)
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return execute(ctx, a.Service, cmd, out, log)
}

// parseCommand reads the subcommand name and its flags.
func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New(usage)
	}

	cmd := command{Name: args[0]}

	fs := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Int64Var(&cmd.UserID, "user", 0, "user id")
	if cmd.Name == cmdPurchase {
		fs.Int64Var(&cmd.ItemID, "item", 0, "catalog item id")
		fs.StringVar(&cmd.Key, "key", "", "idempotency key, generated when empty")
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command{}, fmt.Errorf("%s: %w\n%s", cmd.Name, err, usage)
	}
	if fs.NArg() > 0 {
		return command{}, fmt.Errorf("%s: unexpected arguments %v\n%s", cmd.Name, fs.Args(), usage)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cmd); err != nil {
		return command{}, fmt.Errorf("invalid command: %w\n%s", err, usage)
	}

	return cmd, nil
}

func enqueuePurchase(ctx context.Context, queue enqueuer, cmd command, out io.Writer) error {
	task, err := jobs.NewPurchaseTask(cmd.UserID, cmd.ItemID, cmd.Key)
	if err != nil {
		return err
	}

	info, err := queue.Enqueue(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue purchase: %w", err)
	}

	fmt.Fprintf(out, "purchase of item %d for user %d enqueued as %s on queue %s\n", cmd.ItemID, cmd.UserID, info.ID, info.Queue)
	return nil
}

func execute(ctx context.Context, svc ledger, cmd command, out io.Writer, log *slog.Logger) error {
	switch cmd.Name {
	case cmdBalance:
		balance, err := svc.Balance(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		printBalance(out, *balance)

	case cmdProfile:
		profile, err := svc.Profile(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		printBalance(out, profile.Balance)
		fmt.Fprintf(out, "inventory: %d affordable items\n", len(profile.Inventory))
		for _, item := range profile.Inventory {
			fmt.Fprintf(out, "  %d\t%s\t%d points\n", item.ID, item.Name, item.Points)
		}
		fmt.Fprintf(out, "purchases: %d\n", len(profile.Purchases))
		fmt.Fprintf(out, "transactions: %d\n", len(profile.Transactions))

	case cmdAccrue:
		result, err := svc.Accrue(ctx, cmd.UserID)
		if errors.Is(err, points.ErrAccrualDisabled) {
			fmt.Fprintln(out, "Free Point System is disabled!")
			return nil
		}
		if err != nil {
			return err
		}
		if result.Granted() {
			fmt.Fprintf(out, "granted %d free point units (transaction %d)\n", result.Quantity, result.TransactionID)
		} else {
			fmt.Fprintln(out, "no free points are due")
		}
		printBalance(out, result.Balance)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd.Name, usage)
	}

	if log != nil {
		log.Debug("ledgerctl command done", slog.String("command", cmd.Name), slog.Int64("user_id", cmd.UserID))
	}
	return nil
}

func printBalance(out io.Writer, b domain.Balance) {
	fmt.Fprintf(out, "user %d: %d points (%d free, %d purchased), next free points at %s\n",
		b.UserID, b.TotalPoints, b.FreePoints, b.PurchasedPoints, b.FreePointsEligibleAt.UTC().Format(time.RFC3339))
}
