package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsmend/opsmend/internal/signal"
)

var analyzeService string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <logfile.json>",
	Short: "Run one detection pass over a JSON log batch",
	Long: `Reads a JSON array of log entries from a file (or - for stdin),
runs the full classify-record-heal pipeline once, and prints the result.
Useful for trying out detection without running the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeService, "service", "", "override the service name for the whole batch")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read log batch: %w", err)
	}

	var entries []signal.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse log batch: %w", err)
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.IngestLogs(ctx, analyzeService, entries)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
