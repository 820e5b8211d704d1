// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/opsforge/updaterd/internal/config"
	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/lifecycle"
	"github.com/opsforge/updaterd/internal/lifecycle/appliers"
	"github.com/opsforge/updaterd/internal/logging"
	"github.com/opsforge/updaterd/internal/notify"
	"github.com/opsforge/updaterd/internal/persistence/postgres"
	"github.com/opsforge/updaterd/internal/repository"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env, "updatectl")
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db connect failed: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	updateRepo := repository.NewUpdateRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	var runErr error
	switch os.Args[1] {
	case "apply":
		runErr = runApply(ctx, cfg, logger, updateRepo, eventRepo, os.Args[2:])
	case "rollback":
		runErr = runRollback(ctx, cfg, logger, updateRepo, eventRepo, os.Args[2:])
	case "recover":
		runErr = runRecover(ctx, logger, updateRepo, eventRepo)
	case "list":
		runErr = runList(ctx, updateRepo, os.Args[2:])
	case "events":
		runErr = runEvents(ctx, eventRepo, os.Args[2:])
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], runErr)
		os.Exit(1)
	}
}

func newMachine(cfg config.Config, logger *slog.Logger, updates *repository.UpdateRepository, events *repository.EventRepository) *lifecycle.Machine {
	var applier lifecycle.Applier = &appliers.Noop{Logger: logger}
	if cfg.ApplyCmd != "" {
		applier = appliers.NewExec(cfg.ApplyCmd, cfg.RollbackCmd, cfg.ApplierTimeout, logger)
	}

	var notifier lifecycle.Notifier
	if wh := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, logger); wh != nil {
		notifier = wh
	}

	return lifecycle.New(lifecycle.Deps{
		Updates:  updates,
		Events:   events,
		Applier:  applier,
		Notifier: notifier,
		Logger:   logger,
	})
}

func runApply(ctx context.Context, cfg config.Config, logger *slog.Logger, updates *repository.UpdateRepository, events *repository.EventRepository, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: updatectl apply <name> [version]")
	}
	name := args[0]
	version := ""
	if len(args) > 1 {
		version = args[1]
	}

	machine := newMachine(cfg, logger, updates, events)
	rec, err := machine.Apply(ctx, name, version)
	if err != nil {
		return err
	}

	fmt.Printf("applied %s (name=%s version=%s state=%s)\n", rec.ID, rec.Name, rec.Version, rec.State)
	return nil
}

func runRollback(ctx context.Context, cfg config.Config, logger *slog.Logger, updates *repository.UpdateRepository, events *repository.EventRepository, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: updatectl rollback <update-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid update id %q: %w", args[0], err)
	}

	machine := newMachine(cfg, logger, updates, events)
	rec, err := machine.Rollback(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("rolled back %s (name=%s version=%s state=%s)\n", rec.ID, rec.Name, rec.Version, rec.State)
	return nil
}

func runRecover(ctx context.Context, logger *slog.Logger, updates *repository.UpdateRepository, events *repository.EventRepository) error {
	// Operator-initiated: the operator asserts nothing is applying right now.
	recovery := lifecycle.NewRecovery(updates, events, 0, logger)
	resolved, err := recovery.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("recovery sweep resolved %d record(s)\n", resolved)
	return nil
}

func runList(ctx context.Context, updates *repository.UpdateRepository, args []string) error {
	var (
		recs []domain.UpdateRecord
		err  error
	)
	if len(args) > 0 {
		state := domain.UpdateState(args[0])
		if !domain.ValidState(state) {
			return fmt.Errorf("invalid state %q", args[0])
		}
		recs, err = updates.ListByState(ctx, state)
	} else {
		recs, err = updates.List(ctx)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATE\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Name, rec.Version, rec.State,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runEvents(ctx context.Context, events *repository.EventRepository, args []string) error {
	var (
		list []domain.Event
		err  error
	)
	if len(args) > 0 {
		var updateID uuid.UUID
		updateID, err = uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid update id %q: %w", args[0], err)
		}
		list, err = events.ListByUpdate(ctx, updateID)
	} else {
		list, err = events.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tUPDATE\tAT\tPAYLOAD")
	for _, ev := range list {
		updateRef := ""
		if ev.UpdateID != uuid.Nil {
			updateRef = ev.UpdateID.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			ev.Seq, ev.Kind, updateRef,
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			string(ev.Payload),
		)
	}
	return w.Flush()
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, `usage: updatectl <command> [args]

commands:
  apply <name> [version]   run one update attempt
  rollback <update-id>     roll back an applied or failed update
  recover                  resolve interrupted pending records
  list [state]             list update records, optionally by state
  events [update-id]       print the event ledger, optionally one update's`)
}
