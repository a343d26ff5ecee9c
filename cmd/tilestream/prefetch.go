package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tilestream/internal/bulk"
	"tilestream/internal/catalog"
	"tilestream/internal/geo"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <dataset>",
	Short: "Download every missing tile of a region into the file store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ds, sector, resolution, err := region(a, cmd.Flags(), args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []bulk.Option{
			bulk.WithLogger(a.log),
			bulk.WithPollDelay(cfg.BulkPollDelay),
		}
		if cfg.BulkRate > 0 {
			opts = append(opts, bulk.WithRate(cfg.BulkRate))
		}
		if n, _ := cmd.Flags().GetInt("max-attempts"); n > 0 {
			opts = append(opts, bulk.WithMaxAttempts(n))
		}

		h, err := ds.Tiled.MakeLocal(ctx, sector, resolution, opts...)
		if err != nil {
			return err
		}
		a.log.Info("Prefetch started",
			zap.String("job", h.ID()),
			zap.String("dataset", ds.Name()),
			zap.Stringer("sector", sector),
			zap.Int("level", h.Level()))

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.Done():
				p := h.Progress()
				err := h.Wait()
				a.log.Info("Prefetch finished",
					zap.String("state", string(h.State())),
					zap.Int64("tiles", p.CurrentCount),
					zap.String("size", humanize.Bytes(uint64(p.CurrentSize))))
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-ticker.C:
				p := h.Progress()
				a.log.Info("Prefetch progress",
					zap.Int64("tiles", p.CurrentCount),
					zap.Int64("total", p.TotalCount),
					zap.String("percent", fmt.Sprintf("%.1f", p.Percent())),
					zap.String("size", humanize.Bytes(uint64(p.CurrentSize))))
			}
		}
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <dataset>",
	Short: "Estimate the bytes a prefetch would download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ds, sector, resolution, err := region(a, cmd.Flags(), args[0])
		if err != nil {
			return err
		}
		size := ds.Tiled.EstimatedMissingDataSize(sector, resolution)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ds.Name(), sector, humanize.Bytes(uint64(max(size, 0))))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{prefetchCmd, estimateCmd} {
		c.Flags().Float64Slice("sector", nil, "min_lat,max_lat,min_lon,max_lon (default: the dataset sector)")
		c.Flags().Int("level", -1, "target level (default: --resolution)")
		c.Flags().Float64("resolution", 0, "target resolution in radians per texel")
		rootCmd.AddCommand(c)
	}
	prefetchCmd.Flags().Int("max-attempts", 0, "give up on a tile after this many transient failures (0: keep trying)")
}

// region resolves the dataset, sector and resolution named on the command line.
func region(a *app, fs *pflag.FlagSet, name string) (*catalog.Dataset, geo.Sector, float64, error) {
	ds, err := a.dataset(name)
	if err != nil {
		return nil, geo.Sector{}, 0, err
	}
	if ds.Tiled == nil {
		return nil, geo.Sector{}, 0, fmt.Errorf("dataset %q is a %s dataset and cannot be prefetched", name, ds.Descriptor.Kind)
	}

	sector := ds.Levels.Sector()
	if fs.Changed("sector") {
		v, _ := fs.GetFloat64Slice("sector")
		if len(v) != 4 {
			return nil, geo.Sector{}, 0, fmt.Errorf("--sector needs four values, got %d", len(v))
		}
		if sector, err = geo.NewSector(v[0], v[1], v[2], v[3]); err != nil {
			return nil, geo.Sector{}, 0, err
		}
	}

	resolution, _ := fs.GetFloat64("resolution")
	if n, _ := fs.GetInt("level"); n >= 0 {
		l := ds.Levels.Level(n)
		if l == nil {
			return nil, geo.Sector{}, 0, fmt.Errorf("dataset %q has no level %d", name, n)
		}
		resolution = l.TexelSize()
	}
	return ds, sector, resolution, nil
}
