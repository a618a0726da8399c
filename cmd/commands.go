package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/beyondbrewing/walkv/kv"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

func parseKey(s string) (kv.Key, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return kv.Key(n), nil
}

func newCreateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "create <json>",
		Short: "Store a value under a new key and print the key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(func(e *kv.Engine) error {
				var key kv.Key
				err := e.Update(func(tx *kv.Transaction) error {
					var err error
					key, err = tx.Create(json.RawMessage(args[0]))
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return g.withEngine(func(e *kv.Engine) error {
				v, ok := e.Get(key)
				if !ok {
					return fmt.Errorf("key %d: %w", key, kv.ErrNotFound)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return nil
			})
		},
	}
}

func newSetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Replace the value of an existing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return g.withEngine(func(e *kv.Engine) error {
				return e.Update(func(tx *kv.Transaction) error {
					return tx.Set(key, json.RawMessage(args[1]))
				})
			})
		},
	}
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return g.withEngine(func(e *kv.Engine) error {
				return e.Update(func(tx *kv.Transaction) error {
					return tx.Delete(key)
				})
			})
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every value in key order, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(func(e *kv.Engine) error {
				for _, v := range e.GetAll() {
					fmt.Fprintln(cmd.OutOrStdout(), string(v))
				}
				return nil
			})
		},
	}
}

func newLogCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the operation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(func(e *kv.Engine) error {
				return writeLog(cmd.OutOrStdout(), e.Log().GetLog(), format)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

// writeLog renders the log as indented JSON or as YAML. Values are decoded
// first so YAML shows them as documents rather than raw bytes.
func writeLog(w io.Writer, l kv.Log, format string) error {
	buf, err := json.Marshal(l)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		var out any
		if err := json.Unmarshal(buf, &out); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		var out map[string]any
		if err := json.Unmarshal(buf, &out); err != nil {
			return err
		}
		y, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		_, err = w.Write(y)
		return err
	default:
		return fmt.Errorf("unknown format %q, want json or yaml", format)
	}
}

func newUndoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recent logged transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(func(e *kv.Engine) error {
				return e.Log().UndoLast(e)
			})
		},
	}
}

func newCheckpointCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a snapshot and truncate the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(func(e *kv.Engine) error {
				return e.Checkpoint()
			})
		},
	}
}
