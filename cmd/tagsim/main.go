// v0
// cmd/tagsim/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/config"
	"nrgchamp/tagfusion/internal/mqttio"
	"nrgchamp/tagfusion/internal/simulator"
)

type options struct {
	tags        []string
	interval    time.Duration
	period      time.Duration
	steps       int
	noise       float64
	dropRate    float64
	temperature float64
	seed        int64
	verbose     bool
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "tagsim",
		Short:         "Synthetic BLE receiver traffic for tagfusion",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags := cmd.PersistentFlags()
	flags.StringSliceVar(&opts.tags, "tags", []string{"AA:BB:CC:DD:EE:01"}, "tag MAC addresses to simulate")
	flags.DurationVar(&opts.interval, "interval", time.Second, "time between advertisements")
	flags.DurationVar(&opts.period, "lap", time.Minute, "time for a tag to complete one lap")
	flags.IntVar(&opts.steps, "steps", 0, "number of advertisement rounds, 0 runs until interrupted")
	flags.Float64Var(&opts.noise, "noise", 2, "RSSI noise standard deviation in dBm")
	flags.Float64Var(&opts.dropRate, "drop-rate", 0.1, "probability that a receiver misses an advertisement")
	flags.Float64Var(&opts.temperature, "temperature", 5, "mean tag temperature in Celsius")
	flags.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	flags.BoolVar(&opts.verbose, "verbose", false, "log every published reading")

	cmd.AddCommand(
		newPublish(opts),
		newPrint(opts),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newPublish(opts *options) *cobra.Command {
	var broker, prefix string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish readings to the MQTT votes topic",
		Long: `Publish connects to the broker configured for tagfusion (or --broker) and
sends one JSON reading per receiver and advertisement on <prefix>/<receiver_id>.
Receivers are the anchors from the tagfusion configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, gen, log, err := prepare(opts)
			if err != nil {
				return err
			}
			if broker == "" {
				broker = cfg.MQTTBroker
			}
			if prefix == "" {
				prefix = votesPrefix(cfg.VotesTopic)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := mqttio.Dial(ctx, mqttio.Config{
				Broker:   broker,
				ClientID: "tagsim-" + uuid.NewString(),
				Username: cfg.MQTTUsername,
				Password: cfg.MQTTPassword,
				QoS:      cfg.MQTTQoS,
			}, log)
			if err != nil {
				return err
			}
			defer bus.Close()

			log.Info("sim_started",
				slog.String("broker", broker),
				slog.String("topic_prefix", prefix),
				slog.Int("receivers", len(cfg.Anchors)),
				slog.Int("tags", len(opts.tags)),
			)
			return ignoreCancel(gen.Run(ctx, clock.Real(), bus, prefix, opts.interval, opts.steps, log))
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker URL, defaults to the configured mqtt_broker")
	cmd.Flags().StringVar(&prefix, "prefix", "", "topic prefix, defaults to the configured votes topic without its wildcard")
	return cmd
}

func newPrint(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Write readings as newline-delimited JSON to stdout",
		Long: `Print writes the same readings publish would send, one JSON object per line.
The output can be posted to the tagfusion /sightings endpoint as-is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, gen, log, err := prepare(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ignoreCancel(gen.Run(ctx, clock.Real(), lineWriter{w: cmd.OutOrStdout()}, "", opts.interval, opts.steps, log))
		},
	}
}

func prepare(opts *options) (config.Config, *simulator.Generator, *slog.Logger, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(slog.String("component", "tagsim"))

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	gen, err := simulator.New(simulator.Config{
		Receivers:        cfg.Anchors,
		Tags:             opts.tags,
		ReferencePower:   cfg.ReferencePower,
		PathLossExponent: cfg.PathLossExponent,
		NoiseStdDev:      opts.noise,
		DropRate:         opts.dropRate,
		Period:           opts.period,
		Temperature:      opts.temperature,
		Seed:             opts.seed,
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, gen, log, nil
}

func votesPrefix(filter string) string {
	filter = strings.TrimSuffix(filter, "/#")
	return strings.TrimSuffix(filter, "/+")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type lineWriter struct {
	w io.Writer
}

func (l lineWriter) Publish(_ context.Context, _ string, payload []byte) error {
	_, err := fmt.Fprintf(l.w, "%s\n", payload)
	return err
}
