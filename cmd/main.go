package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cmd_commons "github.com/cyverse/imageloader/cmd/commons"
	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service"
	log "github.com/sirupsen/logrus"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imageloader [flags] <resource>...",
	Short: "Warm the image loader caches",
	Long:  "Load images from HTTP, local or iRODS resources into the image loader memory and disk caches.",
	RunE:  processCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func processCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processCommand",
	})

	config, options, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	return run(config, options, args)
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
		FullTimestamp:   true,
	})

	log.SetLevel(log.InfoLevel)

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	// attach common flags
	cmd_commons.SetCommonFlags(rootCmd)

	err := Execute()
	if err != nil {
		logger.Fatal(err)
		os.Exit(1)
	}
}

// run warms the caches with the resources
func run(config *commons.Config, options *cmd_commons.CommandOptions, resourceIDs []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "run",
	})

	versionInfo := commons.GetVersion()
	logger.Infof("Image loader version - %s, commit - %s", versionInfo.ServiceVersion, versionInfo.GitCommit)

	// make work dirs required
	err := config.MakeWorkDirs()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return err
	}

	// profile
	if config.Profile && config.ProfileServicePort > 0 {
		go func() {
			profileServiceAddr := fmt.Sprintf(":%d", config.ProfileServicePort)

			logger.Infof("Starting profile service at %s", profileServiceAddr)
			http.ListenAndServe(profileServiceAddr, nil)
		}()

		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	}

	var prometheusExporterServer *http.Server
	if config.PrometheusExporterPort > 0 {
		prometheusExporterAddr := fmt.Sprintf(":%d", config.PrometheusExporterPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		prometheusExporterServer = &http.Server{Addr: prometheusExporterAddr, Handler: mux}

		go func() {
			logger.Infof("Starting prometheus exporter at %s", prometheusExporterAddr)
			prometheusExporterServer.ListenAndServe()
		}()
	}

	params, err := service.NewParamsBuilder().SetRequestSize(options.Width, options.Height).Build()
	if err != nil {
		logger.WithError(err).Error("invalid request size")
		return err
	}

	svc, err := service.NewImageLoaderService(config, service.Default())
	if err != nil {
		logger.WithError(err).Error("failed to create the service")
		return err
	}

	defer func() {
		if prometheusExporterServer != nil {
			prometheusExporterServer.Shutdown(context.TODO())
		}

		svc.Destroy()
	}()

	err = svc.Start()
	if err != nil {
		logger.WithError(err).Error("failed to start the service")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results := svc.Warm(ctx, resourceIDs, params)
	for _, result := range results {
		if result.Err != nil {
			logger.Infof("%s - %s (%s) - %v", result.ResourceID, result.State.String(), result.Elapsed, result.Err)
			continue
		}
		logger.Infof("%s - %s (%s) - %d bytes decoded", result.ResourceID, result.State.String(), result.Elapsed, result.ByteSize)
	}

	counts := service.CountWarmResults(results)
	logger.Infof("Warmed %d resources - %d succeeded, %d failed, %d canceled", len(results), counts[service.LoadStateSucceeded], counts[service.LoadStateFailed], counts[service.LoadStateCanceled])

	svc.GetManager().CollectPrometheusMetrics()
	logger.Info(svc.GetManager().Report())

	if options.Keep {
		// wait
		<-ctx.Done()
	}

	return service.FirstWarmError(results)
}
