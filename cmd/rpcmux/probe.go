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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bufbuild/rpcmux"
	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/spf13/cobra"
)

type probeFlags struct {
	timeout  time.Duration
	ordered  bool
	compress bool
	payload  string
	metrics  bool
}

func newProbeCommand(state *env) *cobra.Command {
	var flags probeFlags
	cmd := &cobra.Command{
		Use:   "probe HOST:PORT...",
		Short: "Establish a connection to one of the given endpoints",
		Long: `Resolve the given endpoints and connect to the first one that accepts,
the same way a proxy would. With --payload, the payload is also sent over
the connection.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, state, flags, args)
		},
	}
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "how long to wait for the connection")
	cmd.Flags().BoolVar(&flags.ordered, "ordered", false, "try endpoints in the given order instead of randomly")
	cmd.Flags().BoolVar(&flags.compress, "compress", false, "request compression")
	cmd.Flags().StringVar(&flags.payload, "payload", "", "payload to send once connected")
	cmd.Flags().BoolVar(&flags.metrics, "metrics", false, "print metrics in Prometheus text format when done")
	return cmd
}

func runProbe(cmd *cobra.Command, state *env, flags probeFlags, args []string) (retErr error) {
	endpoints := make([]endpoint.Endpoint, 0, len(args))
	for _, arg := range args {
		ep, err := endpoint.ParseTCP(arg, endpoint.WithTimeout(flags.timeout))
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	instance, err := rpcmux.NewInstanceFromProperties(state.props, rpcmux.WithLogger(state.logger))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
		defer cancel()
		if err := instance.Destroy(ctx); err != nil {
			retErr = errors.Join(retErr, fmt.Errorf("shutting down: %w", err))
		}
	}()

	opts := []rpcmux.ReferenceOption{rpcmux.WithInvocationTimeout(flags.timeout)}
	if flags.ordered {
		opts = append(opts, rpcmux.WithEndpointSelection(endpoint.Ordered))
	}
	if cmd.Flags().Changed("compress") {
		opts = append(opts, rpcmux.WithCompress(flags.compress))
	}
	proxy, err := instance.NewProxy(endpoints, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	start := time.Now()
	conn, err := proxy.GetConnection(ctx)
	if err != nil {
		return err
	}
	state.logger.Info().
		Str("connector", conn.Connector().String()).
		Str("endpoint", conn.Endpoint().String()).
		Dur("elapsed", time.Since(start)).
		Msg("connected")
	fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", conn.Connector())

	if flags.payload != "" {
		inv := proxy.Invoke(ctx, []byte(flags.payload))
		if err := inv.Wait(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes (%s)\n", len(flags.payload), inv.Status())
	}
	if flags.metrics {
		instance.WriteMetrics(cmd.OutOrStdout())
	}
	return nil
}
