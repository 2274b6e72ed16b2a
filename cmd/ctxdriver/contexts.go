package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/webview"
)

var contextsOpts struct {
	detailed bool
	wait     time.Duration
}

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "List the native context and every debuggable webview",
	Long: `List the contexts available on the device.

With --detailed each webview is reported with its process, browser engine
and open pages. Output is JSON when stdout is not a terminal or --json is set.`,
	RunE: runContexts,
}

func init() {
	contextsCmd.Flags().BoolVarP(&contextsOpts.detailed, "detailed", "d", false, "Include process, engine and page details")
	contextsCmd.Flags().DurationVar(&contextsOpts.wait, "wait", 0, "Keep polling until a webview appears or this much time passes")
}

func runContexts(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.log.Debug("listing contexts", zap.Stringer("device", rt))

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if !contextsOpts.detailed {
		ids, err := rt.registry.Contexts(ctx)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(out, ids)
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	descs, err := rt.registry.DetailedContexts(ctx, contextsOpts.wait)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return writeJSON(out, descs)
	}
	return writeContextTable(out, descs)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeContextTable(w io.Writer, descs []webview.ContextDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tPROCESS\tPID\tBROWSER\tPAGES")
	for _, d := range descs {
		browser := "-"
		if d.EngineInfo != nil && d.EngineInfo.Browser != "" {
			browser = d.EngineInfo.Browser
		}
		pages := "-"
		if d.OpenPages != nil {
			pages = fmt.Sprint(len(d.OpenPages))
		}
		process := d.ProcessName
		if process == "" {
			process = "-"
		}
		pid := "-"
		if d.ProcessID > 0 {
			pid = strconv.Itoa(d.ProcessID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ContextID, process, pid, browser, pages)
	}
	return tw.Flush()
}
