package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:     "create <module> <parameter>",
	Short:   "Create a process from a JSON parameter",
	Example: `  espalier create counter.wasm '{"initial":0}' --config espalier.yaml`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		result, err := a.host.Create(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <module> <process-id> <event>",
	Short:   "Apply a JSON event to a stored process",
	Example: `  espalier update counter.wasm 6f1c... '{"Add":1}' --config espalier.yaml`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		result, err := a.host.Update(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Manage stored processes",
	Long:  `List, inspect, and remove processes held by the configured store.`,
}

var processLsCmd = &cobra.Command{
	Use:   "ls <module>",
	Short: "List the processes of a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		ids, err := a.host.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No processes found.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, "- "+id)
		}
		return nil
	},
}

var processInspectCmd = &cobra.Command{
	Use:   "inspect <module> <process-id>",
	Short: "Print the stored state of a process",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		result, err := a.host.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("error loading process '%s': %w", args[1], err)
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var processRmCmd = &cobra.Command{
	Use:   "rm <module> <process-id>...",
	Short: "Remove one or more processes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		module := args[0]
		failed := 0
		for _, id := range args[1:] {
			if err := a.host.Delete(cmd.Context(), module, id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", id, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed process '%s'\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d processes could not be removed", failed, len(args)-1)
		}
		return nil
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the modules found in the modules directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		for _, name := range a.host.Modules() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd, updateCmd, modulesCmd, processCmd)
	processCmd.AddCommand(processLsCmd, processInspectCmd, processRmCmd)
}

func appFor(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
