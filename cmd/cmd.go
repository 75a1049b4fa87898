// Copyright © 2021 Obol Technologies Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements grinbox's command-line interface.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// defaultConfigFilename is the name of our config file, without the file extension because
// viper supports many different config file languages.
const defaultConfigFilename = "grinbox"

// envBindings pairs each serve flag with the exact environment variable name the relay's
// operational contract fixes (no shared prefix, unlike the CLI stack's usual convention).
var envBindings = map[string]string{
	"broker-uri":         "BROKER_URI",
	"broker-user":        "RABBITMQ_DEFAULT_USER",
	"broker-pass":        "RABBITMQ_DEFAULT_PASS",
	"bind-address":       "BIND_ADDRESS",
	"monitoring-address": "MONITORING_ADDRESS",
	"domain":             "GRINBOX_DOMAIN",
	"network":            "GRINBOX_NETWORK",
	"require-broker":     "REQUIRE_BROKER",
}

// New returns a new root cobra command that handles grinbox's command line tool.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:   "grinbox",
		Short: "grinbox - a non-custodial MimbleWimble slate relay",
		Long: `grinbox relays encrypted MimbleWimble transaction slates between wallets that
cannot reach each other directly, without ever custodying or inspecting the slates it carries.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeConfig(cmd)
		},
	}

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(),
	)

	return root
}

// initializeConfig sets up the general viper config and binds the cobra flags to viper.
func initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	v.SetConfigName(defaultConfigFilename)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	for flag, env := range envBindings {
		if cmd.Flags().Lookup(flag) == nil {
			continue
		}

		if err := v.BindEnv(flag, env); err != nil {
			return err
		}
	}

	return bindFlags(cmd, v)
}

// bindFlags binds each cobra flag to its associated viper configuration (fixed environment
// variable name, then config file, in that priority order); a flag set explicitly on the command
// line is left alone, and a flag with neither source keeps its own default.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var lastErr error

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		if !v.IsSet(f.Name) {
			return
		}

		val := v.Get(f.Name)
		if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
			lastErr = err
		}
	})

	return lastErr
}
