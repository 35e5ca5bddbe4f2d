// Command scadenze is the management CLI for recurring-transaction
// schedules: it drives the lifecycle transitions and the device-token
// and timezone registrations that the notification pass depends on.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scadenze/internal/amqp"
	"scadenze/internal/config"
	"scadenze/internal/core"
	"scadenze/internal/log"
	"scadenze/internal/services"
	"scadenze/internal/storage"
)

func main() {
	_ = godotenv.Load()

	// Keep stdout clean for command output, warnings and up go to stderr.
	log.SetDefault(log.New(log.Config{
		Component: log.ComponentApp,
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}),
	}))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fatal("configuration validation failed: %v", err)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		fatal("open storage: %v", err)
	}
	defer repo.Close()

	var (
		events     services.TransactionEventPublisher
		amqpClient *amqp.Client
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			slog.Warn("AMQP unavailable, transaction events will not be published", log.FieldError, err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			events = amqpClient
		}
	}

	svc := services.NewScheduleService(repo, repo, repo, events)
	ctx := context.Background()

	if err := run(ctx, svc, repo, amqpClient, os.Args[1], os.Args[2:]); err != nil {
		fatal("%v", err)
	}
}

func run(ctx context.Context, svc *services.ScheduleService, repo *storage.SQLiteRepository, amqpClient *amqp.Client, command string, args []string) error {
	switch command {
	case "create":
		return runCreate(ctx, svc, args)
	case "edit":
		return runEdit(ctx, svc, args)
	case "done":
		return runDone(ctx, svc, args)
	case "skip":
		return runSkip(ctx, svc, args)
	case "delete":
		return runDelete(ctx, svc, args)
	case "register-token":
		return runRegisterToken(ctx, repo, args)
	case "set-timezone":
		return runSetTimezone(ctx, repo, args)
	case "listen":
		return runListen(ctx, amqpClient)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runCreate(ctx context.Context, svc *services.ScheduleService, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	unit := fs.String("unit", "month", "occurrence unit: day, week, month, year")
	interval := fs.Int("interval", 1, "units between occurrences")
	anchor := fs.String("anchor", "", "first occurrence date (YYYY-MM-DD)")
	amount := fs.Int64("amount", 0, "amount in cents")
	txType := fs.String("type", "expense", "transaction type: expense or income")
	category := fs.String("category", "", "transaction category")
	payMode := fs.String("payment-mode", "", "payment mode")
	desc := fs.String("description", "", "transaction description")
	fs.Parse(args)

	anchorDate, err := parseDate(*anchor)
	if err != nil {
		return fmt.Errorf("anchor: %w", err)
	}

	s := &core.Schedule{
		OwnerID:    *owner,
		Unit:       core.OccurrenceUnit(*unit),
		Interval:   *interval,
		AnchorDate: anchorDate,
		Template: core.TransactionTemplate{
			Amount:      core.Money{Cents: *amount},
			Type:        core.TransactionType(*txType),
			Category:    *category,
			PaymentMode: *payMode,
			Description: *desc,
		},
	}
	if err := svc.Create(ctx, s); err != nil {
		return err
	}
	fmt.Printf("schedule %d created, first due %s\n", s.ID, s.NextDueDate)
	return nil
}

func runEdit(ctx context.Context, svc *services.ScheduleService, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	id := fs.Int64("id", 0, "schedule id")
	unit := fs.String("unit", "month", "occurrence unit: day, week, month, year")
	interval := fs.Int("interval", 1, "units between occurrences")
	anchor := fs.String("anchor", "", "first occurrence date (YYYY-MM-DD)")
	amount := fs.Int64("amount", 0, "amount in cents")
	txType := fs.String("type", "expense", "transaction type: expense or income")
	category := fs.String("category", "", "transaction category")
	payMode := fs.String("payment-mode", "", "payment mode")
	desc := fs.String("description", "", "transaction description")
	fs.Parse(args)

	anchorDate, err := parseDate(*anchor)
	if err != nil {
		return fmt.Errorf("anchor: %w", err)
	}

	s, err := svc.Edit(ctx, *owner, *id, services.EditRequest{
		AnchorDate: anchorDate,
		Unit:       core.OccurrenceUnit(*unit),
		Interval:   *interval,
		Template: core.TransactionTemplate{
			Amount:      core.Money{Cents: *amount},
			Type:        core.TransactionType(*txType),
			Category:    *category,
			PaymentMode: *payMode,
			Description: *desc,
		},
	})
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("schedule %d updated, next due %s\n", s.ID, s.NextDueDate)
	return nil
}

func runDone(ctx context.Context, svc *services.ScheduleService, args []string) error {
	owner, id, err := ownerAndID("done", args)
	if err != nil {
		return err
	}
	tx, err := svc.MarkDone(ctx, owner, id)
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("transaction %d recorded for %s (%d cents)\n", tx.ID, tx.Date, tx.Amount.Cents)
	return nil
}

func runSkip(ctx context.Context, svc *services.ScheduleService, args []string) error {
	owner, id, err := ownerAndID("skip", args)
	if err != nil {
		return err
	}
	s, err := svc.Skip(ctx, owner, id)
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("occurrence skipped, next due %s\n", s.NextDueDate)
	return nil
}

func runDelete(ctx context.Context, svc *services.ScheduleService, args []string) error {
	owner, id, err := ownerAndID("delete", args)
	if err != nil {
		return err
	}
	if err := svc.Delete(ctx, owner, id); err != nil {
		return describeTransitionError(err)
	}
	fmt.Println("schedule deleted")
	return nil
}

func runRegisterToken(ctx context.Context, repo *storage.SQLiteRepository, args []string) error {
	fs := flag.NewFlagSet("register-token", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	token := fs.String("token", "", "device push token")
	fs.Parse(args)

	if *owner == "" || *token == "" {
		return errors.New("register-token requires -owner and -token")
	}
	if err := repo.AddDeviceToken(ctx, *owner, *token); err != nil {
		return err
	}
	fmt.Println("device token registered")
	return nil
}

func runSetTimezone(ctx context.Context, repo *storage.SQLiteRepository, args []string) error {
	fs := flag.NewFlagSet("set-timezone", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	tz := fs.String("timezone", "UTC", "IANA timezone, e.g. Europe/Rome")
	fs.Parse(args)

	if *owner == "" {
		return errors.New("set-timezone requires -owner")
	}
	if err := repo.UpsertOwnerTimezone(ctx, *owner, *tz); err != nil {
		return err
	}
	fmt.Printf("timezone for %s set to %s\n", *owner, *tz)
	return nil
}

// runListen tails transaction-created events until interrupted. Useful
// for verifying that MarkDone publications reach the broker.
func runListen(ctx context.Context, client *amqp.Client) error {
	if client == nil {
		return errors.New("listen requires AMQP configuration (AMQP_URL)")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := client.ConsumeTransactionCreated(ctx, func(msg *amqp.TransactionCreatedMessage) error {
		fmt.Printf("transaction %d created from schedule %d at %s\n",
			msg.TransactionID, msg.ScheduleID, msg.Timestamp.Format(time.RFC3339))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ownerAndID(name string, args []string) (string, int64, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	id := fs.Int64("id", 0, "schedule id")
	fs.Parse(args)
	if *owner == "" || *id == 0 {
		return "", 0, fmt.Errorf("%s requires -owner and -id", name)
	}
	return *owner, *id, nil
}

func describeTransitionError(err error) error {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return errors.New("schedule not found")
	case errors.Is(err, core.ErrForbidden):
		return errors.New("schedule belongs to a different owner")
	case errors.Is(err, core.ErrNotDueYet):
		return errors.New("schedule is not due yet")
	case errors.Is(err, core.ErrConflict):
		return errors.New("schedule changed concurrently, retry")
	default:
		return err
	}
}

func parseDate(s string) (core.Date, error) {
	if s == "" {
		return core.Date{}, errors.New("date is required (YYYY-MM-DD)")
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return core.Date{}, err
	}
	return core.Date{Time: t}, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "scadenze: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: scadenze <command> [flags]

commands:
  create          create a recurring schedule
  edit            replace a schedule's rule and template
  done            complete the current occurrence (materializes a transaction)
  skip            skip the current occurrence
  delete          delete a schedule
  register-token  register a device push token for an owner
  set-timezone    set an owner's IANA timezone
  listen          tail transaction-created events from the broker`)
}
