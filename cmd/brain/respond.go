package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/internal/ingest"
)

var (
	respondAs      string
	respondVerdict string
	respondText    string
	respondHuddle  string
	respondClose   bool
	respondAck     bool
)

var respondCmd = &cobra.Command{
	Use:   "respond <event-id>",
	Short: "Answer an event as a participant",
	Long: `Send a participant's answer to the running Brain.

Actions (pick one):
  --verdict approve|reject|confirm|guidance [--text ...]
  --close                request to close a resolved event
  --ack                  acknowledge an open escalation
  --huddle <id> --text   answer an agent's open question

With no action on an interactive terminal, a form asks for one.`,
	Args: cobra.ExactArgs(1),
	RunE: runRespond,
}

func init() {
	respondCmd.Flags().StringVarP(&respondAs, "as", "p", "", "Participant id to answer as")
	respondCmd.Flags().StringVar(&respondVerdict, "verdict", "", "approve, reject, confirm or guidance")
	respondCmd.Flags().StringVarP(&respondText, "text", "m", "", "Free text or huddle answer")
	respondCmd.Flags().StringVar(&respondHuddle, "huddle", "", "Huddle id to answer")
	respondCmd.Flags().BoolVar(&respondClose, "close", false, "Request close")
	respondCmd.Flags().BoolVar(&respondAck, "ack", false, "Acknowledge the escalation")
}

// response is one resolved respond action.
type response struct {
	Action      string // a verdict, "close", "ack" or "huddle"
	Participant string
	Text        string
	HuddleID    string
}

func (r response) validate() error {
	if r.Participant == "" {
		return errors.New("a participant is required (--as)")
	}
	switch r.Action {
	case "approve", "reject", "confirm", "close", "ack":
	case "guidance":
		if strings.TrimSpace(r.Text) == "" {
			return errors.New("guidance needs --text")
		}
	case "huddle":
		if r.HuddleID == "" || strings.TrimSpace(r.Text) == "" {
			return errors.New("a huddle answer needs --huddle and --text")
		}
	case "":
		return errors.New("no action given")
	default:
		return fmt.Errorf("unknown verdict %q", r.Action)
	}
	return nil
}

// responseFromFlags builds the action from flags. ok is false when no
// action flag was given.
func responseFromFlags() (response, bool, error) {
	r := response{Participant: respondAs, Text: respondText}
	n := 0
	if respondVerdict != "" {
		r.Action = strings.ToLower(respondVerdict)
		n++
	}
	if respondClose {
		r.Action = "close"
		n++
	}
	if respondAck {
		r.Action = "ack"
		n++
	}
	if respondHuddle != "" {
		r.Action, r.HuddleID = "huddle", respondHuddle
		n++
	}
	if n > 1 {
		return r, true, errors.New("pick one of --verdict, --close, --ack or --huddle")
	}
	return r, n == 1, nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	id := args[0]
	client := newBrainClient(ingest.SettingsFromConfig(cfg.Server).URL())

	r, given, err := responseFromFlags()
	if err != nil {
		return err
	}
	if !given {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("no action given and stdin is not a terminal")
		}
		if r, err = promptResponse(client, id, r); err != nil {
			return err
		}
	}
	if err := r.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer cancel()
	return send(ctx, client, id, r)
}

func send(ctx context.Context, client *brainClient, id string, r response) error {
	ok := color.New(color.FgGreen).SprintFunc()
	fwd := color.New(color.FgYellow).SprintFunc()

	var decision string
	var err error
	switch r.Action {
	case "close":
		decision, err = client.Close(ctx, id, r.Participant)
	case "ack":
		err = client.Acknowledge(ctx, id, r.Participant)
	case "huddle":
		err = client.AnswerHuddle(ctx, id, r.HuddleID, r.Participant, r.Text)
	default:
		decision, err = client.Reply(ctx, id, r.Participant, r.Action, r.Text)
	}
	if err != nil {
		return err
	}

	if decision == string(authority.NeedsConfirmation) {
		fmt.Printf("%s %s: forwarded to the primary authority for confirmation\n", fwd("→"), id)
		return nil
	}
	fmt.Printf("%s %s: %s sent\n", ok("✓"), id, r.Action)
	return nil
}

// promptResponse asks for the action interactively, offering open huddles
// when the Brain reports any.
func promptResponse(client *brainClient, id string, r response) (response, error) {
	options := []huh.Option[string]{
		huh.NewOption("Approve", "approve"),
		huh.NewOption("Reject", "reject"),
		huh.NewOption("Confirm resolution", "confirm"),
		huh.NewOption("Send guidance", "guidance"),
		huh.NewOption("Request close", "close"),
		huh.NewOption("Acknowledge escalation", "ack"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	live, err := client.Event(ctx, id)
	cancel()
	if err != nil {
		return r, err
	}
	for _, h := range live.Huddles {
		label := fmt.Sprintf("Answer %s: %s", h.From, truncate(h.Question, 50))
		options = append(options, huh.NewOption(label, "huddle:"+h.ID))
	}

	var fields []huh.Field
	if r.Participant == "" {
		fields = append(fields, huh.NewInput().
			Title("Answer as").
			Description("Your participant id").
			Value(&r.Participant))
	}
	var choice string
	fields = append(fields,
		huh.NewSelect[string]().
			Title(fmt.Sprintf("%s (%s)", id, live.State)).
			Description(truncate(live.Content, 70)).
			Options(options...).
			Value(&choice),
		huh.NewText().
			Title("Text").
			Description("Guidance or huddle answer; optional otherwise").
			Value(&r.Text),
	)

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return r, errors.New("aborted")
		}
		return r, err
	}

	if hid, ok := strings.CutPrefix(choice, "huddle:"); ok {
		r.Action, r.HuddleID = "huddle", hid
	} else {
		r.Action = choice
	}
	return r, nil
}
