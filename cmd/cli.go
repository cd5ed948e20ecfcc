// SPDX-License-Identifier: MIT
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
	"github.com/mandersson1024/intonation-toy-sub007/pkg/build"
)

// Options is the parsed command line: the effective configuration plus
// the selected run mode.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Watch      bool

	// Command is "run" or "analyze"; empty when a builtin such as
	// help or version handled the invocation.
	Command     string
	AnalyzePath string
}

// ParseArgs parses os.Args into Options. Flags the user set explicitly
// override the loaded configuration, so the precedence is defaults,
// file, environment, flags.
func ParseArgs() (*Options, error) {
	buildInfo := build.GetBuildFlags()
	opts := &Options{}

	var (
		configPath string
		watch      bool
		device     int
		sampleRate float64
		channels   int
		lowLatency bool
		blockSize  int
		logLevel   string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = "run"
			return nil
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	analyzeCmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Run the analysis pipeline over a WAV, MP3 or Ogg Vorbis file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = "analyze"
			opts.AnalyzePath = args[0]
			return nil
		},
	}
	rootCmd.AddCommand(analyzeCmd)

	pf := rootCmd.PersistentFlags()

	// Configuration source
	pf.StringVarP(&configPath, "config", "f", "",
		"Path to the YAML configuration file")
	pf.BoolVarP(&watch, "watch", "w", false,
		"Reload the configuration file when it changes")

	// Audio device configuration
	pf.IntVarP(&device, "device", "d", -1,
		"Input device ID, -1 selects the system default")
	pf.Float64VarP(&sampleRate, "sample-rate", "s", 48000,
		"Sample rate, measured in Hertz (Hz)")
	pf.IntVarP(&channels, "channels", "c", 1,
		"Number of channels to capture (1=mono, 2=stereo)")
	pf.BoolVarP(&lowLatency, "low-latency", "l", true,
		"Use the device's low latency profile")

	// Analysis configuration
	pf.IntVarP(&blockSize, "block-size", "b", 1024,
		"Analysis block size in samples")

	// Debug configuration
	pf.StringVar(&logLevel, "log-level", "info",
		"Log level (trace, debug, info, warn, error)")
	pf.BoolVarP(&debug, "debug", "v", false,
		"Enable debug logging")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	if opts.Command == "" {
		// A builtin such as help or version already answered.
		return opts, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if pf.Changed("device") {
		cfg.Audio.InputDevice = device
	}
	if pf.Changed("sample-rate") {
		cfg.Audio.SampleRate = sampleRate
		cfg.Volume.SampleRate = sampleRate
	}
	if pf.Changed("channels") {
		cfg.Audio.InputChannels = channels
	}
	if pf.Changed("low-latency") {
		cfg.Audio.LowLatency = lowLatency
	}
	if pf.Changed("block-size") {
		cfg.Analyzer.BlockSize = blockSize
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if pf.Changed("debug") {
		cfg.Debug = debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts.Config = cfg
	opts.ConfigPath = configPath
	opts.Watch = watch
	return opts, nil
}
