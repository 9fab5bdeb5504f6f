package consume

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands"
	"github.com/hashicorp-forge/hermes-committer/pkg/committer"
	"github.com/hashicorp-forge/hermes-committer/pkg/consumer"
	"github.com/hashicorp-forge/hermes-committer/pkg/kafka"
)

type Command struct {
	*base.Command

	flagConfig      string
	flagMetricsAddr string
	flagFromStart   bool
}

func (c *Command) Synopsis() string {
	return "Consume document events from Kafka/Redpanda and commit them"
}

func (c *Command) Help() string {
	return `Usage: hermes-committer consume -config=committer.hcl

  Read document events from the configured topic into the operation queue
  and flush the queue to the backend every flush_interval. Brokers, topic
  and consumer group may be overridden with REDPANDA_BROKERS, DOCUMENT_TOPIC
  and CONSUMER_GROUP.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("consume", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[HERMES_COMMITTER_CONFIG] Path to the HCL configuration file",
	)
	f.StringVar(
		&c.flagMetricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on, such as :9102",
	)
	f.BoolVar(
		&c.flagFromStart, "from-start", false,
		"Read a new consumer group from the beginning of the topic",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfg, err := commands.LoadConfig(c.flagConfig)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			c.Log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cm, err := committer.New(*cfg,
		committer.WithLogger(c.Log),
		committer.WithRegisterer(reg),
	)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating committer: %v", err))
		return 1
	}

	cons, err := consumer.New(consumer.Config{
		Brokers:          kafka.GetBrokers(cfg.Kafka),
		Topic:            kafka.GetDocumentTopic(cfg.Kafka),
		ConsumerGroup:    kafka.GetConsumerGroup(cfg.Kafka),
		ConsumeFromStart: c.flagFromStart || (cfg.Kafka != nil && cfg.Kafka.ConsumeFromStart),
		Sink:             cm,
		Logger:           c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating consumer: %v", err))
		cm.Close()
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := cons.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return cm.Run(gctx)
	})

	var srv *http.Server
	if c.flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:              c.flagMetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			c.Log.Info("serving metrics", "addr", c.flagMetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	cons.Stop()

	exitCode := 0
	if runErr != nil {
		c.UI.Error(fmt.Sprintf("consumer failed: %v", runErr))
		exitCode = 1
	}
	if err := cm.Close(); err != nil {
		c.UI.Error(fmt.Sprintf("error closing committer, %d operations remain queued: %v", cm.Size(), err))
		exitCode = 1
	}

	c.Log.Info("hermes-committer stopped")
	return exitCode
}
