package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

var errGatewayStopped = errors.New("gateway closed the session; see logs for the close code")

// eventLine is one line of tail output.
type eventLine struct {
	Op    string          `json:"op"`
	Seq   *int64          `json:"s,omitempty"`
	Event string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

func tailCmd(flags *rootFlags) *cobra.Command {
	var (
		dispatchOnly bool
		events       []string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect and print received events",
		Long: `Connect to the configured gateway and print every received payload as a
JSON line on stdout until interrupted. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			gw := gateway.New(gatewayConfig(cfg, logger, registry))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Ops.Addr != "" {
				srv := &http.Server{
					Addr:              cfg.Ops.Addr,
					Handler:           opsRouter(gw, registry),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("ops server failed", "addr", cfg.Ops.Addr, "error", err)
					}
				}()
				defer srv.Close()
				logger.Info("ops server listening", "addr", cfg.Ops.Addr)
			}

			opts := &kephasgate.ConnectOptions{
				Presence: cfg.Gateway.ProtocolPresence(),
				Shard:    cfg.Gateway.ProtocolShard(),
			}
			if err := gw.Connect(ctx, cfg.Gateway.URL, opts); err != nil {
				return err
			}

			filter := eventFilter(dispatchOnly, events)
			done := make(chan error, 1)
			go func() { done <- printEvents(cmd.OutOrStdout(), gw.Events(), filter) }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-done:
				if err != nil {
					return err
				}
				// Events only closes on its own after a non-recoverable close code.
				return errGatewayStopped
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return gw.Disconnect(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&dispatchOnly, "dispatch-only", false, "print only dispatch events")
	cmd.Flags().StringSliceVar(&events, "event", nil, "print only these event names (repeatable)")
	return cmd
}

// eventFilter selects which payloads are printed.
func eventFilter(dispatchOnly bool, events []string) func(*protocol.Payload) bool {
	names := make(map[string]bool, len(events))
	for _, e := range events {
		names[e] = true
	}
	return func(p *protocol.Payload) bool {
		if dispatchOnly && p.Op != protocol.OpDispatch {
			return false
		}
		if len(names) > 0 && !names[p.Event] {
			return false
		}
		return true
	}
}

// printEvents writes every accepted payload as a JSON line until events is
// closed.
func printEvents(w io.Writer, events <-chan *protocol.Payload, accept func(*protocol.Payload) bool) error {
	enc := json.NewEncoder(w)
	for p := range events {
		if !accept(p) {
			continue
		}
		line := eventLine{Op: p.Op.String(), Seq: p.Seq, Event: p.Event}
		if len(p.Raw) > 0 && string(p.Raw) != "null" {
			line.Data = p.Raw
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
