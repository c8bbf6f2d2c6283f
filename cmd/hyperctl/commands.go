package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newCreateCmd() *cobra.Command {
	var (
		vmID, name, internalName, os_, bridge string
		cpuCores, ramGB, diskGB               int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create and boot a new VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"vmId":         vmID,
				"name":         name,
				"internalName": internalName,
				"os":           os_,
				"cpuCores":     cpuCores,
				"ramGb":        ramGB,
				"bridge":       bridge,
				"disks":        []vmconfig.Disk{{SizeGB: diskGB}},
			}
			var out interface{}
			if err := apiCall("POST", "/vms", body, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&vmID, "id", "", "vm id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&internalName, "internal-name", "", "internal name (required)")
	cmd.Flags().StringVar(&os_, "os", "", "guest os family")
	cmd.Flags().StringVar(&bridge, "bridge", "br0", "network bridge")
	cmd.Flags().IntVar(&cpuCores, "cpus", 2, "cpu core count")
	cmd.Flags().IntVar(&ramGB, "ram", 4, "ram in gb")
	cmd.Flags().IntVar(&diskGB, "disk", 20, "primary disk size in gb")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("internal-name")
	return cmd
}

func simpleVMCmd(use, short, path, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <vm-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := apiCall(method, "/vms/"+args[0]+path, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newStartCmd() *cobra.Command   { return simpleVMCmd("start", "start a stopped VM", "/start", "POST") }
func newStopCmd() *cobra.Command    { return simpleVMCmd("stop", "gracefully stop a running VM", "/stop", "POST") }
func newRestartCmd() *cobra.Command { return simpleVMCmd("restart", "restart a VM", "/restart", "POST") }
func newSuspendCmd() *cobra.Command { return simpleVMCmd("suspend", "suspend a running VM", "/suspend", "POST") }
func newResumeCmd() *cobra.Command  { return simpleVMCmd("resume", "resume a suspended VM", "/resume", "POST") }
func newResetCmd() *cobra.Command   { return simpleVMCmd("reset", "hard-reset a running VM", "/reset", "POST") }
func newDestroyCmd() *cobra.Command { return simpleVMCmd("destroy", "permanently tear down a VM", "", "DELETE") }
func newStatusCmd() *cobra.Command  { return simpleVMCmd("status", "show a VM's reconciled live status", "", "GET") }

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "run an on-demand crash-recovery sweep over every VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := apiCall("POST", "/reconcile", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <vm-id>",
		Short: "stream a VM's lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents(context.Background(), "/vms/"+args[0]+"/events", func(topic string, data []byte) {
				fmt.Printf("%s %s\n", topic, data)
			})
		},
	}
}
