// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	gkv put users/42 '"alice"'        --server http://localhost:8080
//	gkv get users/42                  --server http://localhost:8080
//	gkv delete users/42                --server http://localhost:8080
//	gkv scan users                     --server http://localhost:8080
//	gkv watch users                    --server http://localhost:8080
//	gkv cluster peers                  --server http://localhost:8080
//	gkv sync                           --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gossipkv/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "gkv",
		Short: "CLI client for a gossipkv node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "gossipkv node address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), scanCmd(), watchCmd(), syncCmd(), strategyCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── put ──────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> <json-value>",
		Short: "Store a value at a path (value must be valid JSON)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("value must be valid JSON: %w", err)
			}
			c := client.New(serverAddr, timeout)
			resp, err := c.Put(context.Background(), args[0], value)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Retrieve the value at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Get(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("path %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── delete ─────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

// ─── scan ───────────────────────────────────────────────────────────────────

func scanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan <prefix>",
		Short: "List every path under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c := client.New(serverAddr, timeout)
			entries, err := c.Scan(context.Background(), prefix, limit)
			if err != nil {
				return err
			}
			prettyPrint(entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to return (0 = unlimited)")
	return cmd
}

// ─── watch ──────────────────────────────────────────────────────────────────

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <prefix>",
		Short: "Stream live commits under a prefix until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c := client.New(serverAddr, 0) // subscriptions are long-lived; no client timeout
			return c.Subscribe(cmd.Context(), prefix, func(ev client.SubscribeEvent) {
				if ev.Name != "commit" {
					return
				}
				fmt.Println(ev.Data)
			})
		},
	}
}

// ─── sync ───────────────────────────────────────────────────────────────────

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Manually trigger an anti-entropy pass against all peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.RunAntiEntropy(context.Background()); err != nil {
				return err
			}
			fmt.Println("anti-entropy triggered")
			return nil
		},
	}
}

// ─── strategy ───────────────────────────────────────────────────────────────

func strategyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategy <prefix> <name>",
		Short: "Set the conflict strategy for a path prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.SetConflictStrategy(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("strategy updated")
			return nil
		},
	}
}

// ─── cluster ────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster introspection commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "List peers this node has handshaken with",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/cluster/peers")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	return cmd
}

// ─── helpers ────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
