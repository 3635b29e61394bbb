package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and revoke trusted devices",
}

var trustStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether this device skips the second factor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if env.provider.MFA().IsDeviceTrusted(cmd.Context()) {
			fmt.Fprintln(cmd.OutOrStdout(), "This device is trusted.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "This device is not trusted.")
		}
		return nil
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices trusted by the logged-in user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		devices, err := env.provider.MFA().ListTrustedDevices(cmd.Context(), u.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), devices)
		}
		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No trusted devices.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tBROWSER\tEXPIRES\tACTIVE")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n", d.ID, d.Name, d.DeviceType, d.Browser, d.ExpiresAt.Local().Format(time.DateOnly), d.Active)
		}
		return w.Flush()
	},
}

var trustRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Revoke a trusted device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		removed, err := env.provider.MFA().RemoveTrustedDevice(cmd.Context(), u.ID, args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("device %s not found", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Device removed.")
		return nil
	},
}

var trustPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired device records from the database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := env.mfa.PurgeExpiredDevices(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired devices.\n", n)
		return nil
	},
}

func init() {
	trustCmd.AddCommand(trustStatusCmd, trustListCmd, trustRemoveCmd, trustPurgeCmd)
	rootCmd.AddCommand(trustCmd)
}
