package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/dispatch"
	"github.com/scanforge/scanforge/internal/scheduler"
	"github.com/scanforge/scanforge/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var (
		configPath string
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths of a running deployment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), configPath, noColor)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

func runStatus(ctx context.Context, configPath string, noColor bool) error {
	if noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	cfg, cfgErr := config.LoadConfig(configPath)
	if cfgErr != nil {
		return cfgErr
	}

	log := newLogger(false)

	s, storeErr := openStore(cfg, log)
	if storeErr != nil {
		return storeErr
	}
	defer func() { _ = s.Close() }()

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Queue", "Depth"})

	total, coreErr := appendQueueRows(tbl, s, dispatch.SubmissionQueue, dispatch.FileQueue)
	if coreErr != nil {
		return coreErr
	}

	serviceTotal, svcErr := appendServiceRows(tbl, s, cfg)
	if svcErr != nil {
		return svcErr
	}

	total += serviceTotal

	tbl.AppendFooter(table.Row{"Total", humanize.Comma(total)})
	fmt.Fprintln(os.Stdout, tbl.Render())

	if total == 0 {
		color.New(color.FgGreen).Fprintln(os.Stdout, "All queues drained")
	} else {
		color.New(color.FgYellow).Fprintf(os.Stdout, "%s messages in flight\n", humanize.Comma(total))
	}

	return nil
}

// appendQueueRows adds one row per named queue and returns their combined
// depth.
func appendQueueRows(tbl table.Writer, s store.Store, names ...string) (int64, error) {
	var total int64

	for _, name := range names {
		depth, lenErr := s.Queue(name).Length()
		if lenErr != nil {
			return 0, fmt.Errorf("queue %s: %w", name, lenErr)
		}

		tbl.AppendRow(table.Row{name, humanize.Comma(depth)})
		total += depth
	}

	return total, nil
}

// appendServiceRows adds a row per catalog service queue. Without a catalog
// file the service queues cannot be enumerated and are skipped.
func appendServiceRows(tbl table.Writer, s store.Store, cfg *config.Config) (int64, error) {
	if cfg.Catalog.Path == "" {
		return 0, nil
	}

	services, loadErr := scheduler.LoadCatalogFile(cfg.Catalog.Path)
	if loadErr != nil {
		return 0, loadErr
	}

	names := make([]string, 0, len(services))
	for _, service := range services {
		if service.Enabled {
			names = append(names, dispatch.ServiceQueueName(service.Name))
		}
	}

	return appendQueueRows(tbl, s, names...)
}
