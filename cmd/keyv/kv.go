package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print the JSON value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer k.Close()

			value, found, err := k.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
}

func newSetCmd(c *cli) *cobra.Command {
	var ttl uint64

	cmd := &cobra.Command{
		Use:   "set [key] [json]",
		Short: "Store a JSON value under a key",
		Example: `  keyv set greeting '"hello"'
  keyv set session '{"user":42}' --ttl 3600`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer k.Close()

			value := json.RawMessage(args[1])
			if cmd.Flags().Changed("ttl") {
				err = k.SetWithTTL(cmd.Context(), args[0], value, ttl)
			} else {
				err = k.Set(cmd.Context(), args[0], value)
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ttl") {
				fmt.Fprintf(cmd.OutOrStdout(), "set %s (ttl %s)\n", args[0], k.TTLPolicy())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&ttl, "ttl", 0, "time to live in seconds")
	return cmd
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm [key]...",
		Aliases: []string{"del"},
		Short:   "Remove one or more keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer k.Close()

			if len(args) == 1 {
				err = k.Remove(cmd.Context(), args[0])
			} else {
				err = k.RemoveMany(cmd.Context(), args...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d key(s)\n", len(args))
			return nil
		},
	}
}

func newClearCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every key in the configured table, collection or namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer k.Close()

			if err := k.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		},
	}
}
