package main

import (
	"errors"

	"github.com/joinflow/joinflow/types/config"
	"github.com/spf13/pflag"
)

// Options holds the command line flags. Every flag left unset keeps the value from the config file.
type Options struct {
	ConfigPath string
	Instance   string
	Workers    int
	LogLevel   string
	OpsListen  string
}

func NewOptions() *Options {
	return &Options{ConfigPath: "joinflow.yaml"}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Path to the YAML config file.")
	fs.StringVar(&opts.Instance, "instance", opts.Instance, "Instance name, used as the claim owner of queue entries.")
	fs.IntVar(&opts.Workers, "workers", opts.Workers, "Parallel workers per process batch.")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug, info, warn or error.")
	fs.StringVar(&opts.OpsListen, "ops-listen", opts.OpsListen, "Listen address of the ops HTTP server.")
}

func (opts *Options) Validate() error {
	if opts.ConfigPath == "" {
		return errors.New("--config is required")
	}
	if opts.Workers < 0 {
		return errors.New("--workers must not be negative")
	}
	return nil
}

// Overrides turns the flags that were set into config options applied after the file.
func (opts *Options) Overrides() []config.ContainerOption {
	var overrides []config.ContainerOption
	if opts.Instance != "" {
		overrides = append(overrides, config.WithInstance(opts.Instance))
	}
	if opts.Workers > 0 {
		overrides = append(overrides, config.WithWorkerCount(opts.Workers))
	}
	if opts.LogLevel != "" {
		level := opts.LogLevel
		overrides = append(overrides, func(c *config.JoinflowConfig) error {
			c.Log.Level = level
			return nil
		})
	}
	if opts.OpsListen != "" {
		listen := opts.OpsListen
		overrides = append(overrides, func(c *config.JoinflowConfig) error {
			c.Ops.Listen = listen
			return nil
		})
	}
	return overrides
}
