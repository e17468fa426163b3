// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rpcmux is a small client for checking that endpoints can be
// reached through an rpcmux instance.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bufbuild/rpcmux/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const logLevelKey = "Log.Level"

// env is the shared state set up by the root command before any
// subcommand runs.
type env struct {
	props  *config.Properties
	logger zerolog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	state := &env{}
	var configFile string
	root := &cobra.Command{
		Use:           "rpcmux",
		Short:         "Client tooling for the rpcmux transport core",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.init(cmd, configFile)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "property file to load (yaml, json or toml)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	root.AddCommand(newProbeCommand(state))
	return root
}

func (e *env) init(cmd *cobra.Command, configFile string) error {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		return err
	}
	if configFile != "" {
		props, err := config.Load(configFile)
		if err != nil {
			return err
		}
		e.props = props
	} else {
		e.props = config.New()
	}
	if err := e.props.BindFlag(logLevelKey, cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(e.props.String(logLevelKey, "info")))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	e.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return nil
}
