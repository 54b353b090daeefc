package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/config"
	"github.com/ShayCichocki/opsbrain/internal/state"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

var (
	statusAll    bool
	statusSource string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List events and where they stand",
	Long: `List events from the store, newest activity first.

Shows, per event:
  - lifecycle state and Cynefin domain
  - primary authority
  - open escalation, pending question or wake time

Closed events are hidden unless --all is given.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include closed events")
	statusCmd.Flags().StringVar(&statusSource, "source", "", "Only events from this source")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Maximum number of events")
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	idStyle     = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	stateStyles = map[models.State]lipgloss.Style{
		models.StateNew:             lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		models.StateActive:          lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		models.StateWaitingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		models.StateDeferred:        lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StateResolved:        lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StateClosed:          lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// stateBadge renders a fixed-width state label.
func stateBadge(s models.State) string {
	style, ok := stateStyles[s]
	if !ok {
		style = dimStyle
	}
	return style.Width(16).Render(string(s))
}

// errNoStore means no event has ever been stored at the configured path.
var errNoStore = errors.New("no event store")

// openStore opens an existing store. It never creates one.
func openStore(cfg *config.Config) (*state.DB, error) {
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil, errNoStore
	}
	db, err := state.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	filter := state.EventFilter{Source: models.Source(statusSource), Limit: statusLimit}
	if filter.Source != "" && !filter.Source.Valid() {
		return fmt.Errorf("unknown source %q", statusSource)
	}
	if !statusAll {
		filter.States = []models.State{
			models.StateNew, models.StateActive, models.StateWaitingApproval,
			models.StateDeferred, models.StateResolved,
		}
	}

	db, err := openStore(cfg)
	if errors.Is(err, errNoStore) {
		fmt.Println("No events yet. Run 'brain serve' to start.")
		return nil
	}
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.ListEvents(filter)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No open events.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("Events (%d)", len(events))))
	now := time.Now()
	for _, e := range events {
		fmt.Println(formatEventLine(e, now))
	}
	return nil
}

// formatEventLine renders one status row.
func formatEventLine(e *models.Event, now time.Time) string {
	primary := "-"
	if p := e.Primary(); p != nil {
		primary = p.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-12s %-10s %-10s %s",
		idStyle.Render(e.ID),
		stateBadge(e.State),
		e.Domain,
		e.Source,
		primary,
		truncate(e.Content, 48))

	if note := eventNote(e, now); note != "" {
		b.WriteString("  ")
		b.WriteString(dimStyle.Render(note))
	}
	return b.String()
}

// eventNote is the one thing an operator most needs to know about e.
func eventNote(e *models.Event, now time.Time) string {
	switch {
	case e.Escalation != nil:
		return fmt.Sprintf("escalated (%s): %s", e.Escalation.Kind, truncate(e.Escalation.Reason, 60))
	case e.PendingQuestion != "":
		return "awaiting: " + truncate(e.PendingQuestion, 60)
	case e.PendingConfirmation != "":
		return "awaiting confirmation from " + e.PendingConfirmation
	case e.State == models.StateDeferred && e.Deferral != nil:
		return fmt.Sprintf("wakes in %s (%s)", formatDuration(e.Deferral.WakeAt.Sub(now)), e.Deferral.Reason)
	default:
		return "updated " + formatDuration(now.Sub(e.UpdatedAt)) + " ago"
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
