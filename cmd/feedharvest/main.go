// Command feedharvest reads an RPDE feed from the start, or from a saved
// position, and prints each item as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openbooking/internal/api"
	"openbooking/internal/rpde"

	"github.com/spf13/cobra"
)

type options struct {
	ClientID string
	MaxPages int
	Follow   bool
	Interval time.Duration
	Timeout  time.Duration
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "feedharvest <feed-url>",
		Short: "Harvest an RPDE feed",
		Long:  "Follows next links from feed-url until an empty page, writing every item to stdout as a JSON line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Follow && opts.Interval <= 0 {
				return fmt.Errorf("invalid interval %s: must be positive with --follow", opts.Interval)
			}
			return harvest(cmd.Context(), out, cmd.ErrOrStderr(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "test client id, required for orders feeds")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "stop after this many pages (0 = no limit)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep polling for new changes after the last page")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 10*time.Second, "poll interval with --follow")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-page request timeout")

	return cmd
}

func harvest(ctx context.Context, out, status io.Writer, feedURL string, opts *options) error {
	h := &rpde.Harvester{
		Client:   &http.Client{Timeout: opts.Timeout},
		Header:   http.Header{},
		MaxPages: opts.MaxPages,
	}
	if opts.ClientID != "" {
		h.Header.Set(api.HeaderClientID, opts.ClientID)
	}

	enc := json.NewEncoder(out)
	next := feedURL
	for {
		res, err := h.Harvest(ctx, next, func(item rpde.HarvestedItem) error {
			return enc.Encode(item)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(status, "harvested %d items from %d pages; next %s\n", res.Items, res.Pages, res.Next)
		next = res.Next
		if !opts.Follow {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.Interval):
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
