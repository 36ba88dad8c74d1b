// Command rpcping is a small smoke-test client for github.com/anonnet/rpcclient.
//
// It connects using the default search path, issues one request, and
// prints the peer's reply.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anonnet/rpcclient"
)

var (
	connectPointPath string
	requestBody      string
)

var rootCmd = &cobra.Command{
	Use:   "rpcping",
	Short: "Connect to the service and execute one RPC request",
	RunE:  runPing,
}

func init() {
	rootCmd.Flags().StringVar(&connectPointPath, "connect-point", "", "path to a connect point file (prepended to the search path)")
	rootCmd.Flags().StringVar(&requestBody, "request", `{"obj":"session","method":"ping"}`, "JSON request body to execute")
}

func runPing(cmd *cobra.Command, args []string) error {
	builder := rpcclient.NewBuilder()
	if connectPointPath != "" {
		builder.PrependEntry(rpcclient.EntryExpandablePath, connectPointPath)
	}

	ctx := cmd.Context()
	conn, err := builder.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "connected: session_id=%s\n", conn.SessionID())

	reply, err := conn.Execute(ctx, json.RawMessage(requestBody))
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "reply: %s\n", string(reply))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
