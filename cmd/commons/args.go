package commons

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyverse/imageloader/commons"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func SetCommonFlags(command *cobra.Command) {
	command.Flags().BoolP("version", "v", false, "Print version")
	command.Flags().BoolP("help", "h", false, "Print help")
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().BoolP("profile", "", false, "Enable profiling")
	command.Flags().BoolP("envconfig", "e", false, "Read config from environmental variables")
	command.Flags().BoolP("keep", "k", false, "Keep running after warming until interrupted")

	command.Flags().StringP("config", "c", "", "Set config file (yaml)")
	command.Flags().StringP("log", "", "", "Set log file path")
	command.Flags().Int64P("memory_cache_size_max", "", commons.MemoryCacheSizeMaxDefault, "Set memory cache max size")
	command.Flags().Int64P("disk_cache_size_max", "", commons.DiskCacheSizeMaxDefault, "Set disk cache max size")
	command.Flags().StringP("disk_cache_root", "", commons.DiskCacheRootPathDefault, "Set disk cache root path")
	command.Flags().BoolP("multi_range", "", false, "Fetch large HTTP resources in parallel ranges")
	command.Flags().IntP("width", "", 0, "Set requested width, 0 keeps the original size")
	command.Flags().IntP("height", "", 0, "Set requested height, 0 keeps the original size")

	command.Flags().IntP("profile_port", "", commons.ProfileServicePortDefault, "Set profile service port")
	command.Flags().IntP("prometheus_exporter_port", "", commons.PrometheusExporterPortDefault, "Set prometheus exporter port")
}

// CommandOptions are the flags that do not belong to the config
type CommandOptions struct {
	Keep   bool
	Width  int
	Height int
}

func getBoolFlag(command *cobra.Command, name string) bool {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return false
	}

	value, err := strconv.ParseBool(flag.Value.String())
	if err != nil {
		return false
	}
	return value
}

func getIntFlag(command *cobra.Command, name string) (int64, bool, error) {
	flag := command.Flags().Lookup(name)
	if flag == nil || !flag.Changed {
		return 0, false, nil
	}

	value, err := strconv.ParseInt(flag.Value.String(), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to convert %q of flag %q to int64 - %v", flag.Value.String(), name, err)
	}
	return value, true, nil
}

func getStringFlag(command *cobra.Command, name string) (string, bool) {
	flag := command.Flags().Lookup(name)
	if flag == nil || !flag.Changed {
		return "", false
	}
	return flag.Value.String(), true
}

func ProcessCommonFlags(command *cobra.Command) (*commons.Config, *CommandOptions, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	debug := getBoolFlag(command, "debug")
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if getBoolFlag(command, "help") {
		PrintHelp(command)
		return nil, nil, nil, false, nil // stop here
	}

	if getBoolFlag(command, "version") {
		PrintVersion(command)
		return nil, nil, nil, false, nil // stop here
	}

	readConfig := false
	var config *commons.Config

	if configPath, ok := getStringFlag(command, "config"); ok && len(configPath) > 0 {
		yamlBytes, err := os.ReadFile(configPath)
		if err != nil {
			logger.Error(err)
			return nil, nil, nil, false, err // stop here
		}

		yamlConfig, err := commons.NewConfigFromYAML(yamlBytes)
		if err != nil {
			logger.Error(err)
			return nil, nil, nil, false, err // stop here
		}

		// overwrite config
		config = yamlConfig
		readConfig = true
	}

	if !readConfig && getBoolFlag(command, "envconfig") {
		envConfig, err := commons.NewConfigFromENV()
		if err != nil {
			logger.Error(err)
			return nil, nil, nil, false, err // stop here
		}

		config = envConfig
		readConfig = true
	}

	// default config
	if !readConfig {
		config = commons.NewDefaultConfig()
	}

	// prioritize command-line flag over config files
	if debug {
		config.Debug = true
	}

	if getBoolFlag(command, "profile") {
		config.Profile = true
	}

	if getBoolFlag(command, "multi_range") {
		config.MultiRangeFetch = true
	}

	if logPath, ok := getStringFlag(command, "log"); ok {
		config.LogPath = logPath
	}

	if diskCacheRoot, ok := getStringFlag(command, "disk_cache_root"); ok && len(diskCacheRoot) > 0 {
		config.DiskCacheRootPath = diskCacheRoot
	}

	int64Flags := map[string]*int64{
		"memory_cache_size_max": &config.MemoryCacheSizeMax,
		"disk_cache_size_max":   &config.DiskCacheSizeMax,
	}

	for name, target := range int64Flags {
		value, ok, err := getIntFlag(command, name)
		if err != nil {
			logger.Error(err)
			return nil, nil, nil, false, err // stop here
		}

		if ok && value > 0 {
			*target = value
		}
	}

	intFlags := map[string]*int{
		"profile_port":             &config.ProfileServicePort,
		"prometheus_exporter_port": &config.PrometheusExporterPort,
	}

	for name, target := range intFlags {
		value, ok, err := getIntFlag(command, name)
		if err != nil {
			logger.Error(err)
			return nil, nil, nil, false, err // stop here
		}

		if ok && value > 0 {
			*target = int(value)
		}
	}

	options := &CommandOptions{
		Keep: getBoolFlag(command, "keep"),
	}

	width, _, err := getIntFlag(command, "width")
	if err != nil {
		logger.Error(err)
		return nil, nil, nil, false, err // stop here
	}

	height, _, err := getIntFlag(command, "height")
	if err != nil {
		logger.Error(err)
		return nil, nil, nil, false, err // stop here
	}

	options.Width = int(width)
	options.Height = int(height)

	err = config.Validate()
	if err != nil {
		logger.Error(err)
		return nil, nil, nil, false, err // stop here
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	var logWriter io.WriteCloser
	if config.LogPath == "-" || len(config.LogPath) == 0 {
		log.SetOutput(os.Stderr)
	} else {
		fileLogWriter, logFilePath := getLogWriter(config.LogPath)
		logWriter = fileLogWriter

		// use multi output - to output to file and stdout
		mw := io.MultiWriter(os.Stderr, fileLogWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %s", logFilePath)
	}

	return config, options, logWriter, true, nil // continue
}

func PrintVersion(command *cobra.Command) error {
	info, err := commons.GetVersionJSON()
	if err != nil {
		return err
	}

	fmt.Println(info)
	return nil
}

func PrintHelp(command *cobra.Command) error {
	return command.Usage()
}

func getLogWriter(logPath string) (io.WriteCloser, string) {
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}, logPath
}
