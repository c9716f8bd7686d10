package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"raffle-bot/pkg/store"
	"time"

	"github.com/disgoorg/json"
	"github.com/spf13/cobra"
)

var mergeFields bool

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read and write documents in the configured store",
}

var recordGetCmd = &cobra.Command{
	Use:   "get <path> <id>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd.Context(), func(ctx context.Context, adapter *store.Adapter) error {
			rec, err := adapter.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), "", rec)
		})
	},
}

var recordPutCmd = &cobra.Command{
	Use:   "put <path> <id> key=value...",
	Short: "Write a document",
	Long: `Write a document. Values that are valid JSON literals (numbers, booleans, null, quoted
strings, arrays and objects) are stored decoded; anything else is stored as a string.
Without --merge the document is replaced by the given fields.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[2:])
		if err != nil {
			return err
		}
		return withAdapter(cmd.Context(), func(ctx context.Context, adapter *store.Adapter) error {
			if !mergeFields {
				return adapter.Put(ctx, args[0], args[1], fields)
			}
			return adapter.Update(ctx, args[0], args[1], func(current map[string]any) error {
				maps.Copy(current, fields)
				return nil
			})
		})
	},
}

var recordWatchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Print every change in a collection until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd.Context(), func(ctx context.Context, adapter *store.Adapter) error {
			for change := range adapter.Watch(ctx, args[0]) {
				if err := printRecord(cmd.OutOrStdout(), change.Kind.String(), change.Record); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	recordPutCmd.Flags().BoolVar(&mergeFields, "merge", false, "merge the fields into the existing document")
	recordCmd.AddCommand(recordGetCmd, recordPutCmd, recordWatchCmd)
}

func withAdapter(ctx context.Context, fn func(ctx context.Context, adapter *store.Adapter) error) error {
	cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	adapter := store.NewAdapter(backend)
	defer adapter.Close()
	return fn(ctx, adapter)
}

type recordOutput struct {
	Kind       string         `json:"kind,omitempty"`
	Path       string         `json:"path"`
	ID         string         `json:"id"`
	UpdateTime time.Time      `json:"updateTime"`
	Fields     map[string]any `json:"fields"`
}

func printRecord(w io.Writer, kind string, rec store.Record) error {
	b, err := json.Marshal(recordOutput{
		Kind:       kind,
		Path:       rec.Path,
		ID:         rec.ID,
		UpdateTime: rec.UpdateTime,
		Fields:     rec.Fields,
	})
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out.String())
	return err
}
