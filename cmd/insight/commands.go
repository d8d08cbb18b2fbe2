package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"insight/internal/ledger"
	"insight/internal/server/bootstrap"
	"insight/internal/shared/config"
	"insight/internal/shared/logging"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

type rootOptions struct {
	configFile string
	// lookup is replaced in tests.
	lookup config.EnvLookup
}

func (o *rootOptions) loader() *config.Loader {
	opts := []config.LoaderOption{config.WithLoaderLogger(logging.Nop())}
	if o.configFile != "" {
		opts = append(opts, config.WithConfigFile(o.configFile))
	}
	if o.lookup != nil {
		opts = append(opts, config.WithEnvLookup(o.lookup))
	}
	return config.NewLoader(opts...)
}

func (o *rootOptions) load(ctx context.Context) (config.Config, error) {
	return o.loader().Load(ctx)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{})
}

func newRootCommandWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "insight",
		Short:         "Run and operate the insight forecasting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: search ., ~/.insight, /etc/insight)")

	root.AddCommand(
		newServeCommand(opts),
		newLedgerCommand(opts),
		newConfigCommand(opts),
		newBusCommand(opts),
	)
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, bus, and agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bootstrap.RunServer(cmd.Context(), bootstrap.ServerOptions{Loader: opts.loader()})
		},
	}
}

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "ledger database (default: ledger_path from config)")

	open := func(ctx context.Context) (*ledger.Ledger, error) {
		if path == "" {
			cfg, err := opts.load(ctx)
			if err != nil {
				return nil, err
			}
			path = cfg.Ledger.Path
		}
		return ledger.Open(ctx, ledger.Options{Path: path, PoolSize: 1, Logger: logging.Nop()})
	}

	var n int
	var asJSON bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent ledger records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()
			records, err := l.Tail(cmd.Context(), n)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			writeRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of records")
	tail.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	root := &cobra.Command{
		Use:   "root",
		Short: "Print the Merkle root over every ledger digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()
			digest, err := l.Root(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}

	cmd.AddCommand(tail, root)
	return cmd
}

func writeRecords(w io.Writer, records []ledger.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, gray("(ledger is empty)"))
		return
	}
	for _, rec := range records {
		payload, err := rec.Envelope.PayloadJSON()
		if err != nil {
			payload = []byte(red(err.Error()))
		}
		fmt.Fprintf(w, "%s %s %s -> %s %s %s\n",
			bold(fmt.Sprintf("#%d", rec.Seq)),
			gray(rec.Envelope.Time().UTC().Format(time.RFC3339)),
			cyan(rec.Envelope.Sender()),
			cyan(rec.Envelope.Recipient()),
			payload,
			gray(shortDigest(rec.Digest)),
		)
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	})
	return cmd
}

func newBusCommand(opts *rootOptions) *cobra.Command {
	var addr string
	var token string
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Operate the message bus of a running server",
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the bus failure counter and leave degraded mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				if cfg, err := opts.load(cmd.Context()); err == nil {
					token = cfg.API.Token
				}
			}
			state, err := postBusReset(cmd.Context(), addr, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s failures=%d degraded=%t\n", green("bus reset"), state.Failures, state.Degraded)
			return nil
		},
	}
	reset.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "API server base URL")
	reset.Flags().StringVar(&token, "token", "", "API token (default: api_token from config)")
	cmd.AddCommand(reset)
	return cmd
}

type busState struct {
	Failures int  `json:"failures"`
	Degraded bool `json:"degraded"`
}

func postBusReset(ctx context.Context, addr, token string) (busState, error) {
	url := strings.TrimRight(addr, "/") + "/bus/reset"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return busState{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return busState{}, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return busState{}, fmt.Errorf("POST %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	var state busState
	if err := json.Unmarshal(body, &state); err != nil {
		return busState{}, fmt.Errorf("decode bus state: %w", err)
	}
	return state, nil
}
