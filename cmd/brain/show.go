package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/ingest"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

var (
	showTurns   int
	showOffline bool
)

var showCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event with its log",
	Long: `Show an event's participants, dispatch history and latest log turns.

The running Brain is asked first so open huddle questions are included.
When it cannot be reached the event is read from the store instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().IntVarP(&showTurns, "turns", "n", 20, "Number of latest log turns to print (0 for all)")
	showCmd.Flags().BoolVar(&showOffline, "offline", false, "Read from the store without asking the running Brain")
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	id := args[0]

	if !showOffline {
		client := newBrainClient(ingest.SettingsFromConfig(cfg.Server).URL())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		live, err := client.Event(ctx, id)
		var apiErr *apiError
		switch {
		case err == nil:
			printEvent(os.Stdout, &live.Event, live.Huddles, showTurns)
			return nil
		case errors.As(err, &apiErr):
			return err
		}
		// Unreachable: fall through to the store.
	}

	db, err := openStore(cfg)
	if errors.Is(err, errNoStore) {
		return fmt.Errorf("unknown event %s", id)
	}
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := db.GetEvent(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("unknown event %s", id)
	}
	printEvent(os.Stdout, e, nil, showTurns)
	return nil
}

func printEvent(w io.Writer, e *models.Event, huddles []huddleBody, turns int) {
	fmt.Fprintf(w, "%s %s\n", idStyle.Render(e.ID), stateBadge(e.State))
	fmt.Fprintf(w, "  Source: %s\n", e.Source)
	fmt.Fprintf(w, "  Domain: %s", e.Domain)
	if e.Signature != "" {
		fmt.Fprintf(w, " (signature %s)", e.Signature)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Content: %s\n", e.Content)

	ids := make([]string, 0, len(e.Participants))
	for pid := range e.Participants {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		fmt.Fprintln(w, "  Participants:")
		for _, pid := range ids {
			p := e.Participants[pid]
			fmt.Fprintf(w, "    %s (%s via %s)\n", p.ID, p.Role, p.Channel)
		}
	}

	if e.Escalation != nil {
		fmt.Fprintf(w, "  Escalation: %s to %s: %s\n", e.Escalation.Kind, e.Escalation.Notified, e.Escalation.Reason)
	}
	if e.PendingQuestion != "" {
		fmt.Fprintf(w, "  Pending question: %s\n", e.PendingQuestion)
	}
	if e.PendingConfirmation != "" {
		fmt.Fprintf(w, "  Awaiting confirmation from %s\n", e.PendingConfirmation)
	}
	if e.State == models.StateDeferred && e.Deferral != nil {
		fmt.Fprintf(w, "  Deferred: %s, wakes %s (deferral %d)\n",
			e.Deferral.Reason, e.Deferral.WakeAt.Local().Format(time.Kitchen), e.Deferral.Count)
	}

	if len(e.History) > 0 {
		fmt.Fprintln(w, "  Dispatches:")
		for _, r := range e.History {
			fmt.Fprintf(w, "    %s %-9s %s", r.ID, r.Outcome, r.Plan)
			if r.Summary != "" {
				fmt.Fprintf(w, ": %s", truncate(r.Summary, 70))
			}
			fmt.Fprintln(w)
		}
	}

	if len(huddles) > 0 {
		fmt.Fprintln(w, "  Open huddles:")
		for _, h := range huddles {
			fmt.Fprintf(w, "    %s from %s: %s\n", h.ID, h.From, h.Question)
		}
	}

	log := e.Turns
	if turns > 0 && len(log) > turns {
		log = log[len(log)-turns:]
	}
	if len(log) > 0 {
		fmt.Fprintln(w, "  Log:")
		for _, t := range log {
			actor := t.Actor
			if actor == "" {
				actor = "-"
			}
			fmt.Fprintf(w, "    %s %s %-9s %-10s %s\n",
				dimStyle.Render(fmt.Sprintf("%4d", t.Seq)),
				t.At.Local().Format("15:04:05"),
				t.Kind, actor, t.Text)
		}
	}
}
