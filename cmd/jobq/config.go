package main

import (
	"fmt"

	"github.com/machpc/jobq/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// override binds a config field to its environment variable and an
// optional command flag. Flags win over the environment, which wins over
// the config file.
type override struct {
	key  string
	env  string
	flag string
	set  func(v *viper.Viper, key string, cfg *model.Config) error
}

var overrides = []override{
	{key: "state_dir", env: "JOBQ_STATE_DIR", set: func(v *viper.Viper, key string, cfg *model.Config) error {
		cfg.StateDir = v.GetString(key)
		return nil
	}},
	{key: "shell", env: "JOBQ_SHELL", set: func(v *viper.Viper, key string, cfg *model.Config) error {
		cfg.Shell = v.GetString(key)
		return nil
	}},
	{key: "log", env: "JOBQ_LOG", set: func(v *viper.Viper, key string, cfg *model.Config) error {
		cfg.Log = v.GetString(key)
		return nil
	}},
	{key: "verbose", env: "JOBQ_VERBOSE", set: func(v *viper.Viper, key string, cfg *model.Config) error {
		cfg.Verbose = v.GetBool(key)
		return nil
	}},
	{key: "max_running", env: "JOBQ_MAX_RUNNING", flag: "max-running", set: func(v *viper.Viper, key string, cfg *model.Config) error {
		n := v.GetInt(key)
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %q", key, v.GetString(key))
		}
		cfg.Scheduler.MaxRunning = n
		return nil
	}},
	{key: "poll_interval", env: "JOBQ_POLL_INTERVAL", flag: "poll-interval", set: duration(func(cfg *model.Config) *model.Duration {
		return &cfg.Scheduler.PollInterval
	})},
	{key: "grace_period", env: "JOBQ_GRACE_PERIOD", set: duration(func(cfg *model.Config) *model.Duration {
		return &cfg.Scheduler.GracePeriod
	})},
	{key: "default_timeout", env: "JOBQ_DEFAULT_TIMEOUT", set: duration(func(cfg *model.Config) *model.Duration {
		return &cfg.Scheduler.DefaultTimeout
	})},
}

func duration(field func(*model.Config) *model.Duration) func(*viper.Viper, string, *model.Config) error {
	return func(v *viper.Viper, key string, cfg *model.Config) error {
		d, err := model.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		if d <= 0 && key != "default_timeout" {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
		*field(cfg) = model.Duration(d)
		return nil
	}
}

// applyOverrides updates cfg from JOBQ_* environment variables and from
// flags of cmd which were set explicitly.
func applyOverrides(cmd *cobra.Command, cfg *model.Config) error {
	v := viper.New()
	for _, o := range overrides {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return fmt.Errorf("binding %s: %w", o.env, err)
		}
		if o.flag == "" {
			continue
		}
		if f := cmd.Flags().Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", o.flag, err)
			}
		}
	}

	for _, o := range overrides {
		if !v.IsSet(o.key) {
			continue
		}
		if err := o.set(v, o.key, cfg); err != nil {
			return err
		}
	}
	return nil
}
