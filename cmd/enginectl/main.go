// enginectl is the operator CLI for the audience engine: compile flows,
// drive campaigns by hand, run scans and maintenance outside the worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ignite/audience-engine/internal/app"
	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error("enginectl", "error", err)
		os.Exit(1)
	}
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operate the audience engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.yaml")

	root.AddCommand(
		c.compileFlowCmd(),
		c.materializeCmd(),
		c.sendCmd(),
		c.scanCmd(),
		c.processCmd(),
		c.rebuildInsightsCmd(),
		c.digestCmd(),
		c.enrollCmd(),
		c.restartCmd(),
		c.suppressCmd(),
	)
	return root
}

// withApp wires the engine for commands that touch the database.
func (c *cli) withApp(fn func(ctx context.Context, a *app.App, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromEnv(c.configPath)
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd.OutOrStdout())
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) compileFlowCmd() *cobra.Command {
	var (
		tenant, name string
		save, enable bool
	)
	cmd := &cobra.Command{
		Use:   "compile-flow FILE",
		Short: "Validate a visual flow graph and print the linear step list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := compileFlow(data, tenant, name, enable)
			if err != nil {
				return err
			}
			if !save {
				return printJSON(cmd.OutOrStdout(), a)
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required with --save")
			}
			return c.withApp(func(ctx context.Context, ap *app.App, out io.Writer) error {
				if err := ap.Automations.SaveAutomation(ctx, a); err != nil {
					return err
				}
				return printJSON(out, a)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required with --save)")
	cmd.Flags().StringVar(&name, "name", "", "automation name")
	cmd.Flags().BoolVar(&save, "save", false, "store the compiled automation")
	cmd.Flags().BoolVar(&enable, "enable", false, "store it enabled")
	return cmd
}

// compileFlow turns graph JSON into an automation ready to store.
func compileFlow(data []byte, tenant, name string, enabled bool) (*domain.Automation, error) {
	g, err := automation.ParseGraph(data)
	if err != nil {
		return nil, err
	}
	compiled, err := automation.Compile(g)
	if err != nil {
		return nil, err
	}
	return &domain.Automation{
		TenantID:      tenant,
		Name:          name,
		TriggerType:   compiled.TriggerType,
		TriggerConfig: compiled.TriggerConfig,
		IsEnabled:     enabled,
		Steps:         compiled.Steps,
	}, nil
}

func (c *cli) materializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize CAMPAIGN_ID",
		Short: "Freeze a campaign's recipient list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				res, err := a.Materializer.Materialize(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, res)
			})(cmd, args)
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send CAMPAIGN_ID",
		Short: "Materialize and send a SENDING campaign under its campaign lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				rep, err := a.Dispatcher.Run(ctx, args[0])
				if rep != nil {
					printJSON(out, rep)
				}
				return err
			})(cmd, args)
		},
	}
}

func (c *cli) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "scan no-purchase|abandoned-checkout",
		Short:     "Run a trigger scanner once",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"no-purchase", "abandoned-checkout"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "no-purchase" && args[0] != "abandoned-checkout" {
				return fmt.Errorf("unknown scanner %q", args[0])
			}
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				scan := a.NoPurchase.Scan
				if args[0] == "abandoned-checkout" {
					scan = a.Abandoned.Scan
				}
				st, err := scan(ctx)
				if st != nil {
					printJSON(out, st)
				}
				return err
			})(cmd, args)
		},
	}
}

func (c *cli) processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Advance due automation states once",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			st, err := a.Engine.ProcessDue(ctx)
			if st != nil {
				printJSON(out, st)
			}
			return err
		}),
	}
}

func (c *cli) rebuildInsightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-insights TENANT_ID",
		Short: "Recompute customer insight rows from paid orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				n, err := a.Insights.Rebuild(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "rebuilt %d insight rows\n", n)
				return nil
			})(cmd, args)
		},
	}
}

func (c *cli) digestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest TENANT_ID",
		Short: "Ensure this month's digest campaign exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				camp, created, err := a.Digest.Ensure(ctx, args[0], a.Clock.Now())
				if err != nil {
					return err
				}
				if camp == nil {
					fmt.Fprintln(out, "tenant has no digest segment and template")
					return nil
				}
				fmt.Fprintf(out, "campaign %s period %s created=%t\n", camp.ID, camp.PeriodKey, created)
				return nil
			})(cmd, args)
		},
	}
}

func (c *cli) enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll TENANT_ID CONTACT_ID AUTOMATION_ID",
		Short: "Enroll a contact into an automation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				ok, err := a.Engine.Enroll(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "enrolled=%t\n", ok)
				return nil
			})(cmd, args)
		},
	}
}

func (c *cli) restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart TENANT_ID CONTACT_ID AUTOMATION_ID",
		Short: "Reset a contact's automation state to the first step and clear its ledger",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				if err := a.Automations.Restart(ctx, args[0], args[1], args[2], a.Clock.Now()); err != nil {
					return err
				}
				fmt.Fprintln(out, "restarted")
				return nil
			})(cmd, args)
		},
	}
}

func (c *cli) suppressCmd() *cobra.Command {
	var typ, reason string
	var remove bool
	cmd := &cobra.Command{
		Use:   "suppress TENANT_ID EMAIL",
		Short: "Add (or with --remove, lift) a suppression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
				if remove {
					return a.Suppressions.Remove(ctx, args[0], args[1])
				}
				return a.Suppressions.Suppress(ctx, args[0], args[1], domain.SuppressionType(typ), reason)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.SuppressionManual), "HARD_BOUNCE, SPAM_COMPLAINT or MANUAL")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the suppression instead")
	return cmd
}
