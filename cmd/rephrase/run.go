package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/jobclient"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
	"github.com/spf13/cobra"
)

// localUser owns runs saved from the terminal.
const localUser = "local"

const saveTimeout = 5 * time.Second

var errCanceled = errors.New("rephrase canceled")

var (
	runStyles string
	runJSON   bool
	runSave   bool
)

var runCmd = &cobra.Command{
	Use:   "run [text]",
	Short: "Rephrase text and stream every style to the terminal",
	Long: `Submit text to the rephrase service and print each style's output as it
streams. Text is read from the arguments, or from stdin when none are given.
Press Ctrl-C to cancel the job.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runStyles, "styles", "", "comma-separated subset of style ids")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final state as JSON instead of streaming")
	runCmd.Flags().BoolVar(&runSave, "save", false, "save the run to local history")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	text, err = session.ValidateText(text, cfg.MaxInputChars)
	if err != nil {
		return err
	}

	catalog, err := style.Load(cfg.StylesFile)
	if err != nil {
		return err
	}
	if catalog, err = selectStyles(catalog, runStyles); err != nil {
		return err
	}

	jobs, err := jobclient.New(cfg.APIURL,
		jobclient.WithTimeout(cfg.RequestTimeout),
		jobclient.WithUserAgent("rephrase-cli/"+Version),
	)
	if err != nil {
		return err
	}

	ctrl := session.New(jobs, jobs, catalog,
		session.WithLogger(slog.Default()),
		session.WithRefusalTexts(cfg.RefusalTexts...),
	)
	saved := make(chan struct{})
	if runSave {
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer repo.Close()
		var once sync.Once
		ctrl.OnFinish(func(res session.Result) {
			once.Do(func() {
				defer close(saved)
				if err := repo.SaveRun(context.Background(), res.Record(localUser, "cli")); err != nil {
					slog.Warn("Failed to save run", "error", err)
				}
			})
		})
	} else {
		close(saved)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p *printer
	if !runJSON {
		p = newPrinter(cmd.OutOrStdout(), ctrl)
	}
	snap := watch(ctx, ctrl, text, p)

	// Let an interrupted job's cancel request reach the service before exit.
	settleCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := ctrl.Settle(settleCtx); err != nil {
		slog.Warn("Cancel request still pending at exit", "error", err)
	}

	select {
	case <-saved:
	case <-time.After(saveTimeout):
		slog.Warn("Timed out saving run")
	}
	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			session.Snapshot
			Timeline []session.StyleState `json:"timeline"`
		}{snap, session.Timeline(catalog, snap, ctrl.IsRefusal)})
	}
	if snap.Status == session.StatusCanceled {
		return errCanceled
	}
	return nil
}

// watch runs one session to completion, printing its progress to p when
// set. Once ctx is done the session is canceled.
func watch(ctx context.Context, ctrl *session.Controller, text string, p *printer) session.Snapshot {
	ctrl.Start(context.WithoutCancel(ctx), text)

	interrupted := false
	for {
		snap, changed := ctrl.Observe()
		if p != nil {
			p.update(snap)
		}
		switch snap.Status {
		case session.StatusDone, session.StatusCanceled:
			if p != nil {
				p.finish(snap)
			}
			return snap
		case session.StatusProcessing:
			if interrupted {
				ctrl.Cancel(context.Background())
				continue
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				slog.Info("Canceling rephrase")
				ctrl.Cancel(context.Background())
			}
			// ctx stays done; only wake on state changes from here.
			<-changed
		}
	}
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// selectStyles narrows catalog to the comma-separated ids in list, keeping
// catalog order.
func selectStyles(catalog *style.Catalog, list string) (*style.Catalog, error) {
	if strings.TrimSpace(list) == "" {
		return catalog, nil
	}
	want := make(map[string]bool)
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := catalog.Lookup(id); !ok {
			return nil, fmt.Errorf("unknown style %q (have %s)", id, strings.Join(catalog.IDs(), ", "))
		}
		want[id] = true
	}
	var picked []style.Style
	for _, s := range catalog.Styles() {
		if want[s.ID] {
			picked = append(picked, s)
		}
	}
	return style.New(picked...)
}
