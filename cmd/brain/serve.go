package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/ingest"
	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
	"github.com/ShayCichocki/opsbrain/internal/version"
)

var (
	serveAddr  string
	serveInbox string
	serveQuiet bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Brain with its HTTP and inbox ingestion surfaces",
	Long: `Start the Brain, resume every open event from the store and accept new
events over HTTP and, when configured, from an inbox directory.

HTTP endpoints (default 127.0.0.1:8088):
  POST /events                      ingest an event
  GET  /events[?state=..&source=..] list events
  GET  /events/{id}                 read one event with open huddles
  POST /events/{id}/reply           approve, reject, confirm or guide
  POST /events/{id}/close           request close
  POST /events/{id}/ack             acknowledge an escalation
  POST /events/{id}/defer           defer while CI or a sync runs
  POST /events/{id}/wake            wake a deferred event early
  POST /events/{id}/huddles/{hid}   answer an agent's question

Inbox files must be written elsewhere and renamed into the directory.
Processed files move to processed/, rejected ones to failed/.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "Inbox directory to watch (overrides server.inbox)")
	serveCmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Do not print progress notices")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveInbox != "" {
		cfg.Server.Inbox = serveInbox
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go drainNotices(rt.brain.Notices(), logger, serveQuiet)

	if err := rt.restore(ctx, logger); err != nil {
		return err
	}

	settings := ingest.SettingsFromConfig(cfg.Server)
	srv := ingest.NewServer(settings, rt.brain, ingest.WithLogger(rt.debug))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Printf("brain %s listening on http://%s", version.Get(), srv.Addr())

	if settings.Inbox != "" {
		inbox := ingest.NewInbox(settings.Inbox, rt.brain, rt.debug, settings.PollInterval)
		go func() {
			if err := inbox.Run(ctx); err != nil {
				logger.Printf("inbox stopped: %v", err)
			}
		}()
		logger.Printf("watching inbox %s", settings.Inbox)
	}

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// drainNotices prints progress notices until the Brain closes the stream.
// The stream is drained even when quiet so the emitter never backs up.
func drainNotices(notices <-chan orchestrator.Notice, logger *log.Logger, quiet bool) {
	for n := range notices {
		if quiet {
			continue
		}
		logger.Print(formatNotice(n))
	}
}

func formatNotice(n orchestrator.Notice) string {
	c := noticeColor(n.Type)
	line := fmt.Sprintf("%s %s", c.Sprintf("%-17s", n.Type), n.EventID)
	if n.State != "" {
		line += " [" + string(n.State) + "]"
	}
	if n.Message != "" {
		line += " " + n.Message
	}
	if n.Err != nil {
		line += ": " + n.Err.Error()
	}
	return line
}

func noticeColor(t orchestrator.NoticeType) *color.Color {
	switch t {
	case orchestrator.NoticeFault, orchestrator.NoticeEscalated:
		return color.New(color.FgRed, color.Bold)
	case orchestrator.NoticeHuddle, orchestrator.NoticeNotified:
		return color.New(color.FgYellow)
	case orchestrator.NoticeStateChanged:
		return color.New(color.FgCyan)
	case orchestrator.NoticeDispatchFinished:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgWhite)
	}
}
