package main

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cognitedata/extractor-utils-go/internal/config"
	"github.com/cognitedata/extractor-utils-go/internal/logger"
	"github.com/cognitedata/extractor-utils-go/internal/runtime"
)

// newRootCmd builds the command tree. Flags can also be set through
// EXTRACTOR_ environment variables, e.g. EXTRACTOR_CONFIG.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "extractor",
		Short:         "Sample extractor built on the extractor runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newRunCmd(v), newConfigCmd(v))
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extractor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtime.Options{
				ConfigPath:       v.GetString("config"),
				Factory:          newSampleExtractor,
				MetricsNamespace: v.GetString("metrics-namespace"),
			}
			if level := v.GetString("log-level"); level != "" {
				log, err := logger.New(config.LoggerConfig{Level: level, Format: v.GetString("log-format")})
				if err != nil {
					return err
				}
				opts.Logger = log
			}

			rt, err := runtime.New(opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error during cleanup: %v\n", err)
				}
			}()
			return rt.Run(cmd.Context())
		},
	}
	cmd.Flags().String("log-level", "", "override the configured log level")
	cmd.Flags().String("log-format", "console", "log format used with --log-level (console or json)")
	cmd.Flags().String("metrics-namespace", "extractor", "prefix for metric names")
	_ = v.BindPFlag("log-level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("log-format", cmd.Flags().Lookup("log-format"))
	_ = v.BindPFlag("metrics-namespace", cmd.Flags().Lookup("metrics-namespace"))
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration files",
	}

	defaults := &cobra.Command{
		Use:   "defaults",
		Short: "Write a configuration file with every default filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := cfg.Extractor.Encode(defaultSampleSettings()); err != nil {
				return fmt.Errorf("encoding extractor defaults: %w", err)
			}

			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshaling config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := config.Save(cfg, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", out)
			return nil
		},
	}
	defaults.Flags().StringP("out", "o", "", "file to write (default stdout)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration file is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			settings := defaultSampleSettings()
			if err := cfg.DecodeExtractor(settings); err != nil {
				return err
			}
			if err := validator.New().Struct(settings); err != nil {
				return fmt.Errorf("invalid extractor configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%s configuration)\n", path, cfg.Type)
			return nil
		},
	}

	cmd.AddCommand(defaults, validate)
	return cmd
}
