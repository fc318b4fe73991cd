package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/overmindtech/registrar/logging"
	"github.com/overmindtech/registrar/registration"
	"github.com/overmindtech/registrar/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "registrar [flags] [-- command [args...]]",
	Short:        "Registers this instance with its orchestrator",
	SilenceUsage: true,
	Long: `Waits for the network to come up, then listens for orchestrator
heartbeats and registers this instance with the orchestrator's instance
listener. The parameters it sends back are set as environment variables.

Readiness is served on /healthz/ready. If a command is given after --, it
replaces the registrar once the instance is registered and inherits the
parameters through its environment.
`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer tracing.LogRecoverToReturn(ctx, "registrar.root")

		config, err := registration.ConfigFromViper()
		if err != nil {
			log.WithError(err).Error("Could not get registrar config from viper")
			return fmt.Errorf("could not get registrar config from viper: %w", err)
		}

		log.WithFields(registration.MapFromConfig(config)).WithField("version", tracing.Version()).Info("Got config")

		r, err := registration.NewRegistrar(config)
		if err != nil {
			sentry.CaptureException(err)
			log.WithError(err).Error("Error initializing registrar")
			return fmt.Errorf("error initializing registrar: %w", err)
		}
		r.OnRegistered = registration.HookFunc(func(ctx context.Context, params registration.ParameterMap) {
			sentry.AddBreadcrumb(&sentry.Breadcrumb{
				Category: "registration",
				Message:  "Registered with orchestrator",
				Data: map[string]any{
					"identity":   r.Identity(),
					"parameters": params.Keys(),
				},
			})
		})

		return run(ctx, r, config, viper.GetInt("health-port"), args)
	},
}

// run serves the health probes and registers, until ctx is done or the
// workload is started. Running out of attempts, or never getting an address,
// does not end the run: the instance stays unready and keeps serving probes
func run(ctx context.Context, r *registration.Registrar, config *registration.Config, healthPort int, workload []string) error {
	defer func() {
		if err := r.Close(); err != nil {
			log.WithError(err).Error("Error closing registrar")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if healthPort > 0 {
		server := &http.Server{
			Addr:    fmt.Sprintf(":%v", healthPort),
			Handler: r.HealthHandler(),
			// due to https://github.com/securego/gosec/pull/842
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			defer sentry.Recover()

			log.WithFields(log.Fields{
				"port":      healthPort,
				"liveness":  registration.LivenessPath,
				"readiness": registration.ReadinessPath,
			}).Debug("Starting health probe server")

			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("port", healthPort).Error("Could not start HTTP server for health probes")
				return fmt.Errorf("health probe server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer tracing.LogRecoverToReturn(ctx, "registrar.register")

		if err := start(ctx, r, config); err != nil {
			if errors.Is(err, registration.ErrAddressAcquisitionTimeout) {
				<-ctx.Done()
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			sentry.CaptureException(err)
			return err
		}

		if err := r.Wait(ctx); err != nil {
			// Shutting down before we were registered
			return nil
		}

		if len(workload) == 0 {
			<-ctx.Done()
			return nil
		}

		// Release the heartbeat port before handing the process over
		if err := r.Close(); err != nil {
			log.WithError(err).Warn("Error closing registrar")
		}
		tracing.ShutdownTracer(ctx)

		return execWorkload(workload)
	})

	err := g.Wait()

	log.Info("Stopped")

	return err
}

func start(ctx context.Context, r *registration.Registrar, config *registration.Config) error {
	if config.Acquire {
		return r.StartWithAcquirer(ctx, &registration.InterfaceWaiter{Name: config.InterfaceName})
	}

	iface, err := registration.LookupInterface(config.InterfaceName)
	if err != nil {
		return fmt.Errorf("could not find a configured interface: %w", err)
	}

	return r.Start(ctx, iface, config.ListenPort)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	var logLevel string

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/registrar/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	cobra.CheckErr(viper.BindEnv("log", "REGISTRAR_LOG", "LOG")) // fallback to global config
	rootCmd.PersistentFlags().Bool("json-log", true, "Set to false to emit logs as text for easier reading in development.")
	cobra.CheckErr(viper.BindEnv("json-log", "REGISTRAR_JSON_LOG", "JSON_LOG")) // fallback to global config
	rootCmd.PersistentFlags().Int("health-port", 8089, "The port on which to serve health probes (/healthz/alive, /healthz/ready). 0 disables them")
	cobra.CheckErr(viper.BindEnv("health-port", "REGISTRAR_HEALTH_PORT"))
	rootCmd.PersistentFlags().String("termination-log", "/dev/termination-log", "Where fatal errors are written for the container runtime. Empty disables it")

	// registration flags
	registration.AddRegistrarFlags(rootCmd)

	// tracing
	rootCmd.PersistentFlags().String("honeycomb-api-key", "", "If specified, configures opentelemetry libraries to submit traces to honeycomb")
	cobra.CheckErr(viper.BindEnv("honeycomb-api-key", "REGISTRAR_HONEYCOMB_API_KEY", "HONEYCOMB_API_KEY")) // fallback to global config
	rootCmd.PersistentFlags().String("sentry-dsn", "", "If specified, configures sentry libraries to capture errors")
	cobra.CheckErr(viper.BindEnv("sentry-dsn", "REGISTRAR_SENTRY_DSN", "SENTRY_DSN")) // fallback to global config
	rootCmd.PersistentFlags().String("run-mode", "release", "Set the run mode for this service, 'release', 'debug' or 'test'. Defaults to 'release'.")
	rootCmd.PersistentFlags().Bool("stdout-trace-dump", false, "Dump all otel traces to stdout for debugging")
	rootCmd.PersistentFlags().Bool("detect-ec2", false, "Detect EC2 instance metadata for traces. Adds up to 10s to startup outside EC2")

	// Bind these to viper
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))

	// Run this before we do anything to set up the loglevel
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Bind flags that haven't been set to the values from viper of we have them
		var bindErr error
		cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
			// Bind the flag to viper only if it has a non-empty default
			if f.DefValue != "" || f.Changed {
				if err := viper.BindPFlag(f.Name, f); err != nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			log.WithError(bindErr).Error("could not bind flag to viper")
			return fmt.Errorf("could not bind flag to viper: %w", bindErr)
		}

		if err := logging.Configure(log.StandardLogger(), viper.GetString("log"), viper.GetBool("json-log")); err != nil {
			log.SetLevel(log.InfoLevel)
			log.WithError(err).Error("Could not parse log level")
		}

		if path := viper.GetString("termination-log"); path != "" {
			log.AddHook(TerminationLogHook{Path: path})
		}
		log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
			log.AllLevels[:log.GetLevel()+1]...,
		)))

		if err := tracing.InitTracerWithUpstreams("registrar", viper.GetString("honeycomb-api-key"), viper.GetString("sentry-dsn")); err != nil {
			log.WithError(err).Error("could not init tracer")
			return fmt.Errorf("could not init tracer: %w", err)
		}
		return nil
	}

	// shut down tracing at the end of the process
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		tracing.ShutdownTracer(context.Background())
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetConfigFile(cfgFile)

	replacer := strings.NewReplacer("-", "_")

	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix("REGISTRAR")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Infof("Using config file: %v", viper.ConfigFileUsed())
	}
}

// TerminationLogHook A hook that logs fatal errors to the termination log
type TerminationLogHook struct {
	Path string
}

func (t TerminationLogHook) Levels() []log.Level {
	return []log.Level{log.FatalLevel}
}

func (t TerminationLogHook) Fire(e *log.Entry) error {
	tLog, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer tLog.Close()

	message := e.Message
	for k, v := range e.Data {
		message = fmt.Sprintf("%v %v=%v", message, k, v)
	}

	_, err = tLog.WriteString(message + "\n")

	return err
}
