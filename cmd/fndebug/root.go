package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fnproject/fndebug/api/agent"
	"github.com/fnproject/fndebug/api/common"
	"github.com/fnproject/fndebug/api/config"
	"github.com/fnproject/fndebug/api/debugger"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/platform"
	"github.com/fnproject/fndebug/api/sandbox"
	"github.com/fnproject/fndebug/api/sandbox/docker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// latency buckets in ms, shared by all views
var latencyDist = []float64{1, 10, 50, 100, 250, 500, 1000, 5000, 10000, 30000, 60000}

// knobs without a flag
const (
	envStatsPeriod     = "FNDEBUG_STATS_PERIOD"
	envPlatformRetries = "FNDEBUG_PLATFORM_RETRIES"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "fndebug <action> [source]",
		Short: "Debug a deployed serverless action on this machine",
		Long: `fndebug replaces a deployed action with a forwarding agent and runs every
activation it receives in a local container, with a debugger port open.
The original action is put back on exit.`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setArgs(v, args)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runDebug(cmd.Context(), cfg)
		},
	}
	addFlags(root.PersistentFlags(), root.Flags())
	bindFlags(v, root)

	restore := &cobra.Command{
		Use:   "restore <action>",
		Short: "Put back an action left holding a debug agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setArgs(v, args)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runRestore(cmd.Context(), cfg)
		},
	}
	root.AddCommand(restore)
	return root
}

// addFlags registers connection and logging flags on persistent, session
// flags on local.
func addFlags(persistent, local *pflag.FlagSet) {
	persistent.String(config.EnvAPIHost, "", "platform api host")
	persistent.String(config.EnvAuth, "", "platform credentials, user:password")
	persistent.String(config.EnvNamespace, "", "namespace, _ for the default one")
	persistent.Bool(config.EnvInsecure, false, "skip tls verification")
	persistent.String(config.EnvEnvFile, ".env", "env file with WSK_* settings")
	persistent.String(config.EnvPropsFile, "", "properties file, default ~/.wskprops")
	persistent.String(config.EnvLogLevel, "info", "log level: debug, info, warn, error")
	persistent.String(config.EnvLogFormat, "text", "log format: text or json")
	persistent.String(config.EnvLogDest, "", "log file, default stderr")
	persistent.Bool(config.EnvCleanup, false, "delete the backup and helper actions on exit")

	local.String(config.EnvMain, "", "entry function of the local source")
	local.String(config.EnvKind, "", "override the action kind")
	local.String(config.EnvImage, "", "override the runtime image")
	local.Int(config.EnvInternalPort, 0, "debug port inside the container")
	local.Int(config.EnvPort, 0, "debug port on this machine, default the internal port")
	local.String(config.EnvCommand, "", "override the container debug command")
	local.String(config.EnvDockerArgs, "", "extra docker run arguments (-e, -v, -p, --network, -m, --entrypoint)")
	local.String(config.EnvCondition, "", "only forward activations matching this expression")
	local.Bool(config.EnvTunnel, false, "receive activations through a tunnel instead of polling")
	local.String(config.EnvRelayURL, config.DefaultRelayURL, "websocket relay carrying the tunnel, empty to listen directly")
	local.String(config.EnvTunnelAddr, config.DefaultTunnelAddr, "address the tunnel listener binds")
	local.String(config.EnvTunnelURL, "", "url the agent reaches the tunnel listener at, default the bound address")
	local.Int(config.EnvAgentTimeout, int(config.DefaultAgentTimeout/time.Second), "agent timeout in seconds")
	local.String(config.EnvOnBuild, "", "shell command run before the container starts")
	local.String(config.EnvOnStart, "", "shell command run once the session is ready")
	local.StringSlice(config.EnvWatch, nil, "paths to watch for changes")
	local.String(config.EnvInvokeParams, "", "JSON params to invoke the action with after a change")
	local.String(config.EnvInvokeAction, "", "action to invoke after a change, default the debugged one")
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	bind := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			logrus.WithError(err).WithField("flag", f.Name).Fatal("cannot bind flag")
		}
	}
	cmd.PersistentFlags().VisitAll(bind)
	cmd.Flags().VisitAll(bind)
}

func setArgs(v *viper.Viper, args []string) {
	if len(args) > 0 {
		v.Set(config.EnvAction, args[0])
	}
	if len(args) > 1 {
		v.Set(config.EnvSource, args[1])
	}
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if cfg != nil {
		common.SetLogLevel(cfg.LogLevel)
		common.SetLogFormat(cfg.LogFormat)
		common.SetLogDest(cfg.LogDest)
	}
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel == logrus.DebugLevel.String() {
		common.RegisterLogExporter(common.GetEnvDuration(envStatsPeriod, time.Minute))
	}
	return cfg, nil
}

func newPlatform(cfg *config.Config) (platform.Client, error) {
	return platform.NewClient(platform.Options{
		APIHost:   cfg.APIHost,
		Auth:      cfg.Auth,
		Namespace: cfg.Namespace,
		Insecure:  cfg.Insecure,
		Retries:   uint64(common.GetEnvInt(envPlatformRetries, 3)),
	})
}

func registerViews() {
	platform.RegisterViews(latencyDist)
	sandbox.RegisterViews(latencyDist)
	docker.RegisterViews(latencyDist)
	agent.RegisterViews(latencyDist)
	debugger.RegisterViews(latencyDist)
}

func runDebug(ctx context.Context, cfg *config.Config) error {
	registerViews()

	client, err := newPlatform(cfg)
	if err != nil {
		return err
	}
	rt, err := docker.New(ctx)
	if err != nil {
		return fmt.Errorf("docker is required: %w", err)
	}
	rt.Stdout, rt.Stderr = os.Stdout, os.Stderr

	d := debugger.New(debugger.Options{
		Config:   cfg,
		Platform: client,
		Runtime:  rt,
		Out:      os.Stdout,
	})
	return d.Debug(ctx)
}

func runRestore(ctx context.Context, cfg *config.Config) error {
	client, err := newPlatform(cfg)
	if err != nil {
		return err
	}
	return restoreAction(ctx, client, cfg, os.Stdout)
}

// restoreAction puts the backup of a leftover agent back into its slot.
// With cleanup the backup and the helpers of the crashed session go too.
func restoreAction(ctx context.Context, client platform.Client, cfg *config.Config, out io.Writer) error {
	m := agent.New(client, agent.Options{Action: cfg.Action, Cleanup: cfg.Cleanup, Out: out})
	a, err := m.Peek(ctx)
	if err != nil {
		return err
	}
	if m.State() != agent.StateInstalled {
		fmt.Fprintf(out, "%s holds no debug agent\n", a.String())
		return nil
	}
	if _, err := m.ReadWithCode(ctx); err != nil {
		return err
	}
	if cfg.Cleanup {
		for _, name := range []string{
			models.BackupName(cfg.Action),
			models.InvokedHelperName(cfg.Action),
			models.CompletedHelperName(cfg.Action),
		} {
			if err := client.DeleteAction(ctx, name); err != nil && !platform.IsNotFound(err) {
				return err
			}
		}
	}
	fmt.Fprintf(out, "%s restored\n", a.String())
	return nil
}
