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
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tabstream.io/tabstream/go/tds"
	"tabstream.io/tabstream/go/tdsconnpool"
)

var Exec = &cobra.Command{
	Use:   "exec <sql> [<sql> ...]",
	Short: "Runs one or more SQL batches and prints their results.",
	Long: "Runs each argument as its own SQL batch on a pooled connection " +
		"and prints the last result set of each batch. Batches without a " +
		"result set print their affected row count instead.",
	Args: cobra.MinimumNArgs(1),
	RunE: commandExec,
}

func init() {
	Root.AddCommand(Exec)
}

func commandExec(cmd *cobra.Command, args []string) error {
	params, err := connParams()
	if err != nil {
		return err
	}
	auth, err := authenticator()
	if err != nil {
		return err
	}

	pool := tdsconnpool.NewConnectionPool(1, 0, 0)
	pool.Open(params, auth)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("cannot connect to %v: %w", params.Host, err)
	}
	defer conn.Recycle()

	for _, sql := range args {
		result, err := conn.Query(sql, timeout)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), result)
	}
	return nil
}

func printResult(w io.Writer, result *tds.Result) {
	if len(result.Columns) == 0 {
		fmt.Fprintf(w, "(%v rows affected)\n", result.RowsAffected)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for i, col := range result.Columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, col.Name)
	}
	fmt.Fprintln(tw)

	for r, row := range result.Rows {
		for i := range result.Columns {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, result.Columns[i].FormatValue(row[i], result.Nulls[r][i]))
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintf(w, "(%v rows)\n", len(result.Rows))
}
