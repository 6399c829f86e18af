package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/location"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relayd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.relayd/" + relayd.DefaultConfigFileName
	if dir, err := relayd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, relayd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default relayd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := relayd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, relayd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names.
type configDefaults struct {
	Listen             string                  `yaml:"listen"`
	ReusePort          bool                    `yaml:"reuse-port"`
	ReadBuffer         string                  `yaml:"read-buffer"`
	IdleTimeout        string                  `yaml:"idle-timeout"`
	Scheduler          string                  `yaml:"scheduler"`
	ConnsPerServer     int                     `yaml:"conns-per-server"`
	MaxAge             string                  `yaml:"max-age"`
	MaxRetries         int                     `yaml:"max-retries"`
	RetryNonIdempotent bool                    `yaml:"retry-nonidempotent"`
	QueueSize          int                     `yaml:"queue-size"`
	OnError            string                  `yaml:"on-error"`
	OnErrorLog         bool                    `yaml:"on-error-log"`
	OnAttack           string                  `yaml:"on-attack"`
	OnAttackLog        bool                    `yaml:"on-attack-log"`
	BufferThreshold    string                  `yaml:"buffer-threshold"`
	MaxPipeline        int                     `yaml:"max-pipeline"`
	SweepInterval      string                  `yaml:"sweep-interval"`
	ShutdownTimeout    string                  `yaml:"shutdown-timeout"`
	ConnguardEnabled   bool                    `yaml:"connguard-enabled"`
	MetricsListen      string                  `yaml:"metrics-listen"`
	LogLevel           string                  `yaml:"log-level"`
	Groups             []relayd.GroupConfig    `yaml:"groups"`
	Locations          []location.Spec         `yaml:"locations"`
	ResponseBodies     map[string]string       `yaml:"response-bodies,omitempty"`
	Static             []relayd.StaticResponse `yaml:"static,omitempty"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:          relayd.DefaultListen,
		ReadBuffer:      humanizeBytes(relayd.DefaultReadBuffer),
		IdleTimeout:     relayd.DefaultIdleTimeout.String(),
		Scheduler:       relayd.DefaultScheduler,
		ConnsPerServer:  relayd.DefaultConnsPerServer,
		MaxAge:          relayd.DefaultMaxAge.String(),
		MaxRetries:      relayd.DefaultMaxRetries,
		OnError:         relayd.DefaultOnError,
		OnErrorLog:      true,
		OnAttack:        relayd.DefaultOnAttack,
		OnAttackLog:     true,
		BufferThreshold: humanizeBytes(relayd.DefaultBufferThreshold),
		SweepInterval:   relayd.DefaultSweepInterval.String(),
		ShutdownTimeout: relayd.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
		Groups: []relayd.GroupConfig{
			{Name: relayd.DefaultGroup, Servers: []string{"127.0.0.1:8000"}},
		},
		Locations: []location.Spec{
			{Name: "default", Prefix: "/", Group: relayd.DefaultGroup},
		},
		Static: []relayd.StaticResponse{
			{Path: "/robots.txt", ContentType: "text/plain; charset=utf-8", Body: "User-agent: *\nDisallow:\n"},
		},
	}
	var buf bytes.Buffer
	buf.WriteString("# relayd configuration\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&defaults); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}
