package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/store"
)

// app is the producer side: it mutates the store and enqueues the matching
// notifications for the socket server.
type app struct {
	store    *store.Store
	producer *notify.Producer
	out      io.Writer
}

var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(a *app, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"push-tv":        {"push-tv <tvId>", (*app).pushTv},
	"push-group":     {"push-group [--raw] <groupId>", (*app).pushGroup},
	"status":         {"status <tvId> online|offline", (*app).setStatus},
	"refresh-admins": {"refresh-admins", (*app).refreshAdmins},
	"add-tv":         {"add-tv <tvId> [name]", (*app).addTv},
	"remove-tv":      {"remove-tv <tvId>", (*app).removeTv},
	"add-group":      {"add-group <groupId> [name]", (*app).addGroup},
	"assign":         {"assign <tvId> <groupId>", (*app).assign},
	"unassign":       {"unassign <tvId> <groupId>", (*app).unassign},
	"list":           {"list", (*app).list},
}

// run executes one subcommand.
func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
	if err := cmd.run(a, ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("%s: %w", cmd.usage, err)
		}
		return err
	}
	return nil
}

func (a *app) pushTv(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := a.producer.NotifyTv(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "queued REFRESH_STATE for %s\n", args[0])
	return nil
}

func (a *app) pushGroup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push-group", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	raw := fs.Bool("raw", false, "let the socket server resolve the members")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	groupID := fs.Arg(0)

	if *raw {
		if err := a.producer.NotifyGroupRaw(ctx, groupID); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "queued group event for %s\n", groupID)
		return nil
	}

	n, err := a.producer.NotifyGroup(ctx, groupID)
	fmt.Fprintf(a.out, "queued REFRESH_STATE for %d members of %s\n", n, groupID)
	return err
}

func (a *app) setStatus(ctx context.Context, args []string) error {
	if len(args) != 2 || (args[1] != "online" && args[1] != "offline") {
		return errUsage
	}
	tvID, online := args[0], args[1] == "online"

	if err := a.store.SetTvOnlineStatus(ctx, tvID, online, nil); err != nil {
		return fmt.Errorf("set status of %s: %w", tvID, err)
	}
	return a.producer.NotifyStatusChange(ctx, tvID, online)
}

func (a *app) refreshAdmins(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	return a.producer.NotifyAdmins(ctx)
}

func (a *app) addTv(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	if err := a.store.UpsertTv(ctx, args[0], name); err != nil {
		return err
	}
	return a.producer.NotifyAdmins(ctx)
}

func (a *app) removeTv(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := a.store.DeleteTv(ctx, args[0]); err != nil {
		return fmt.Errorf("remove tv %s: %w", args[0], err)
	}
	return a.producer.NotifyAdmins(ctx)
}

func (a *app) addGroup(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	if err := a.store.UpsertGroup(ctx, args[0], name); err != nil {
		return err
	}
	return a.producer.NotifyAdmins(ctx)
}

// assign and unassign change what a TV shows, so the TV is pushed as well.
func (a *app) assign(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := a.store.AddTvToGroup(ctx, args[1], args[0]); err != nil {
		return err
	}
	return errors.Join(a.producer.NotifyTv(ctx, args[0]), a.producer.NotifyAdmins(ctx))
}

func (a *app) unassign(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := a.store.RemoveTvFromGroup(ctx, args[1], args[0]); err != nil {
		return fmt.Errorf("unassign %s from %s: %w", args[0], args[1], err)
	}
	return errors.Join(a.producer.NotifyTv(ctx, args[0]), a.producer.NotifyAdmins(ctx))
}

func (a *app) list(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	tvs, err := a.store.ListTvs(ctx)
	if err != nil {
		return err
	}
	groups, err := a.store.ListGroups(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TV\tNAME\tONLINE\tLAST SEEN")
	for _, tv := range tvs {
		lastSeen := "-"
		if tv.LastSeen != nil {
			lastSeen = tv.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", tv.ID, tv.Name, tv.IsOnline, lastSeen)
	}
	_ = w.Flush()

	fmt.Fprintln(a.out)
	w = tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tNAME\tMEMBERS")
	for _, g := range groups {
		members, err := a.store.GetTvsByGroupID(ctx, g.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", g.ID, g.Name, len(members))
	}
	return w.Flush()
}
