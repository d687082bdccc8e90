/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"tabstream.io/tabstream/go/tds"
)

var Ping = &cobra.Command{
	Use:   "ping",
	Short: "Connects to the server, runs a trivial query and reports the session.",
	Args:  cobra.NoArgs,
	RunE:  commandPing,
}

func commandPing(cmd *cobra.Command, args []string) error {
	params, err := connParams()
	if err != nil {
		return err
	}
	auth, err := authenticator()
	if err != nil {
		return err
	}

	conn, err := tds.Connect(params, auth)
	if err != nil {
		return fmt.Errorf("cannot connect to %v: %w", params.Host, err)
	}
	defer conn.Close()

	if err := conn.Ping(timeout); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	progName, version := conn.ServerInfo()
	fmt.Fprintf(cmd.OutOrStdout(), "%v %d.%d.%d.%d (session %v, packet size %v)\n",
		progName,
		version>>24, (version>>16)&0xFF, (version>>8)&0xFF, version&0xFF,
		conn.SessionID(), conn.PacketSize())
	return nil
}

func init() {
	Root.AddCommand(Ping)
}
