package standard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/hostagent/internal/cli/client"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
)

// commandTimeout bounds a single lifecycle call. Stop retries for up to
// five minutes on the daemon side.
const commandTimeout = 6 * time.Minute

func newVMsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vms",
		Short: "Manage VMs on this host",
	}

	cmd.AddCommand(newVMsListCmd())
	cmd.AddCommand(newVMsGetCmd())
	cmd.AddCommand(newVMsStartCmd())
	cmd.AddCommand(newVMsStopCmd())
	cmd.AddCommand(newVMsRebootCmd())
	cmd.AddCommand(newVMsMigrateCmd())
	cmd.AddCommand(newVMsPrepareCmd())
	return cmd
}

func newVMsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked VMs and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			vms, err := api.ListVMs(ctx)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return encodeAsJSON(cmd.OutOrStdout(), vms)
			}
			if len(vms) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No VMs tracked")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-10s\n", "NAME", "STATE")
			for _, vm := range vms {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-10s\n", vm.Name, vm.State)
			}
			return nil
		},
	}
}

func newVMsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show the state of one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			vm, err := api.GetVM(ctx, args[0])
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return encodeAsJSON(cmd.OutOrStdout(), vm)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Name: %s\nState: %s\n", vm.Name, vm.State)
			return nil
		},
	}
}

// specFromFlags loads a VMSpec from --spec when given, then applies the
// scalar flags on top of it.
func specFromFlags(cmd *cobra.Command, name string) (client.VMSpec, error) {
	var spec client.VMSpec
	if path, _ := cmd.Flags().GetString("spec"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return spec, fmt.Errorf("read spec: %w", err)
		}
		if err := json.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("parse spec %s: %w", path, err)
		}
	}
	if name != "" {
		spec.Name = name
	}
	if cmd.Flags().Changed("cpus") || spec.CPUs == 0 {
		spec.CPUs, _ = cmd.Flags().GetInt("cpus")
	}
	if cmd.Flags().Changed("memory") || spec.MemoryMB == 0 {
		spec.MemoryMB, _ = cmd.Flags().GetInt("memory")
	}
	if cmd.Flags().Changed("system") {
		if system, _ := cmd.Flags().GetBool("system"); system {
			spec.Type = executor.TypeSystem
		}
	}
	if spec.Type == "" {
		spec.Type = executor.TypeUser
	}
	if spec.Name == "" {
		return spec, fmt.Errorf("vm name required")
	}
	return spec, nil
}

func addSpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("spec", "", "JSON file with the full VM spec (disks, NICs, boot args)")
	cmd.Flags().Int("cpus", 1, "Number of virtual CPUs")
	cmd.Flags().Int("memory", 512, "Memory (MB)")
	cmd.Flags().Bool("system", false, "Start as a system VM (attaches the system ISO and probes the control IP)")
}

func reportResult(cmd *cobra.Command, verb, name string, res executor.Result, vncPort int) error {
	if wantJSON(cmd) {
		if err := encodeAsJSON(cmd.OutOrStdout(), executor.StartResult{Result: res, VNCPort: vncPort}); err != nil {
			return err
		}
	} else if res.Success {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: ok", verb, name)
		if vncPort > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " (vnc port %d)", vncPort)
		}
		if res.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " - %s", res.Message)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	if !res.Success {
		return fmt.Errorf("%s %s failed: %s", verb, name, res.Message)
	}
	return nil
}

func newVMsStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Create and start a VM",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			spec, err := specFromFlags(cmd, name)
			if err != nil {
				return err
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := api.StartVM(ctx, spec)
			if err != nil {
				return err
			}
			return reportResult(cmd, "start", spec.Name, res.Result, res.VNCPort)
		},
	}
	addSpecFlags(cmd)
	return cmd
}

func newVMsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop and undefine a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := api.StopVM(ctx, args[0])
			if err != nil {
				return err
			}
			return reportResult(cmd, "stop", args[0], *res, 0)
		},
	}
}

func newVMsRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reboot <name>",
		Short: "Reboot a running VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := api.RebootVM(ctx, args[0])
			if err != nil {
				return err
			}
			return reportResult(cmd, "reboot", args[0], res.Result, res.VNCPort)
		},
	}
}

func newVMsMigrateCmd() *cobra.Command {
	var destHost, destIP string
	cmd := &cobra.Command{
		Use:   "migrate <name>",
		Short: "Live-migrate a VM to another pool member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := api.MigrateVM(ctx, args[0], client.MigrateRequest{DestHostID: destHost, DestIP: destIP})
			if err != nil {
				return err
			}
			return reportResult(cmd, "migrate", args[0], *res, 0)
		},
	}
	cmd.Flags().StringVar(&destHost, "dest-host", "", "Destination host identifier")
	cmd.Flags().StringVar(&destIP, "dest-ip", "", "Destination host address")
	_ = cmd.MarkFlagRequired("dest-host")
	return cmd
}

func newVMsPrepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare [name]",
		Short: "Prepare this host to receive a migrating VM",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			spec, err := specFromFlags(cmd, name)
			if err != nil {
				return err
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			res, err := api.PrepareForMigration(ctx, spec)
			if err != nil {
				return err
			}
			return reportResult(cmd, "prepare", spec.Name, *res, 0)
		},
	}
	addSpecFlags(cmd)
	return cmd
}
