// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// shopctl is the operator CLI for shoprag-server.
//
// Settings resolve in order: flags, SHOPCTL_* environment variables, then
// $HOME/.shopctl.yaml (or --config).
//
//	shopctl ask "which stroller folds one-handed?" --child-age 9
//	shopctl history 7f3c... --limit 10
//	shopctl cache purge
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultServer  = "http://localhost:12210"
	defaultTimeout = 2 * time.Minute
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd wires every subcommand to settings held in v.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "shopctl",
		Short:         "Ask questions and manage sessions on a ShopRAG server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.shopctl.yaml)")
	flags.String("server", defaultServer, "shoprag-server base URL")
	flags.String("token", "", "API bearer token")
	flags.Duration("timeout", defaultTimeout, "request timeout")
	flags.Bool("no-color", false, "disable styled output")
	for _, name := range []string{"server", "token", "timeout"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("SHOPCTL")
	v.AutomaticEnv()

	clientFn := func() *Client {
		return NewClient(v.GetString("server"), v.GetString("token"), v.GetDuration("timeout"))
	}

	root.AddCommand(
		newAskCmd(clientFn),
		newSessionsCmd(clientFn),
		newHistoryCmd(clientFn),
		newMemoryCmd(clientFn),
		newForgetCmd(clientFn),
		newProductCmd(clientFn),
		newCacheCmd(clientFn),
		newHealthCmd(clientFn),
	)
	return root
}

// loadSettings reads the config file. A missing default file is fine; a
// missing explicit --config is not.
func loadSettings(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(".shopctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
