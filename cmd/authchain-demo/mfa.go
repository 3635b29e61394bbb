package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/spf13/cobra"
)

var (
	flagMethodType  string
	flagDestination string
	flagTOTPCode    string
	flagHistory     bool
)

var mfaCmd = &cobra.Command{
	Use:   "mfa",
	Short: "Manage second factors of the logged-in user",
}

var mfaEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add an authenticator app, SMS number or email address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		ctx := clientContext(cmd.Context())
		p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
		out := cmd.OutOrStdout()

		e, err := env.provider.MFA().NewEnrollment(u.ID, u.Email)
		if err != nil {
			return err
		}
		typ := authchain.MethodType(strings.ToLower(flagMethodType))
		if err := e.ChooseMethod(typ); err != nil {
			return fmt.Errorf("unknown method type %q, want totp, sms or email", flagMethodType)
		}

		if typ == authchain.MethodTOTP {
			setup, err := e.SetupTOTP(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Add this key to your authenticator app:")
			fmt.Fprintf(out, "  Key: %s\n  URL: %s\n", setup.ManualEntryKey, setup.QRCodeURL)
		} else {
			dest := flagDestination
			if dest == "" {
				if dest, err = p.line("Destination: "); err != nil {
					return err
				}
			}
			if err := e.SetupDestination(ctx, dest); err != nil {
				return err
			}
			fmt.Fprintln(out, "A code was sent.")
		}

		verified := false
		for attempt := 0; attempt < maxCodeAttempts && !verified; attempt++ {
			code, err := p.line("Code: ")
			if err != nil {
				return err
			}
			verified, err = e.Verify(ctx, code)
			if err != nil && !errors.Is(err, authchain.ErrVerificationFailed) && !errors.Is(err, authchain.ErrInvalidCodeFormat) {
				return err
			}
			if !verified {
				fmt.Fprintln(p.out, "That code did not match.")
			}
		}
		if !verified {
			return authchain.ErrVerificationFailed
		}

		if e.Step() == authchain.EnrollBackup {
			fmt.Fprintln(out, "Backup codes, each usable once. Store them somewhere safe:")
			for _, c := range e.BackupCodes() {
				fmt.Fprintf(out, "  %s\n", c)
			}
			ans, err := p.line("Saved them? [y/N] ")
			if err != nil {
				return err
			}
			if !strings.EqualFold(ans, "y") && !strings.EqualFold(ans, "yes") {
				return authchain.ErrBackupCodesNotAcknowledged
			}
			if err := e.AcknowledgeBackupCodes(); err != nil {
				return err
			}
		}

		m, err := e.Complete(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Enabled %s (%s).\n", m.Name, m.ID)
		return nil
	},
}

var mfaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled methods",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		methods, err := env.provider.MFA().ListMethods(cmd.Context(), u.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), methods)
		}
		if len(methods) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No second factors enrolled.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tNAME\tPRIMARY\tLAST USED")
		for _, m := range methods {
			last := "never"
			if m.LastUsedAt != nil {
				last = m.LastUsedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", m.ID, m.Type, m.Name, m.Primary, last)
		}
		return w.Flush()
	},
}

var mfaDisableCmd = &cobra.Command{
	Use:   "disable <method-id>",
	Short: "Remove an enrolled method",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		if err := env.provider.MFA().DisableMFAMethod(cmd.Context(), u.ID, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Method removed.")
		return nil
	},
}

var mfaPrimaryCmd = &cobra.Command{
	Use:   "primary <method-id>",
	Short: "Make a method the default for login challenges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		if err := env.provider.MFA().SetPrimaryMethod(cmd.Context(), u.ID, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Primary method updated.")
		return nil
	},
}

var mfaBackupCodesCmd = &cobra.Command{
	Use:   "backup-codes",
	Short: "Replace all backup codes; needs a current authenticator code",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		code := flagTOTPCode
		if code == "" {
			p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			if code, err = p.line("Authenticator code: "); err != nil {
				return err
			}
		}
		codes, err := env.provider.MFA().RegenerateBackupCodes(cmd.Context(), u.ID, code)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), codes)
		}
		for _, c := range codes {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

var mfaSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show methods, trusted devices, backup codes left and recent logins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		s, err := env.provider.MFA().SecuritySettings(cmd.Context(), u.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), s)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "MFA enabled:        %v\n", s.MFAEnabled)
		fmt.Fprintf(w, "Methods:            %d\n", len(s.Methods))
		fmt.Fprintf(w, "Trusted devices:    %d\n", len(s.TrustedDevices))
		fmt.Fprintf(w, "Backup codes left:  %d\n", s.BackupCodesRemaining)
		if !flagHistory {
			return nil
		}
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tSTRATEGY\tRESULT\tMFA\tDEVICE")
		for _, h := range s.LoginHistory {
			result := "ok"
			if !h.Success {
				result = "failed: " + h.FailureReason
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", h.Timestamp.Local().Format(time.DateTime), h.Strategy, result, h.MFAUsed, h.Device)
		}
		return tw.Flush()
	},
}

func init() {
	mfaEnrollCmd.Flags().StringVar(&flagMethodType, "type", "totp", "Method type: totp, sms or email")
	mfaEnrollCmd.Flags().StringVar(&flagDestination, "destination", "", "Phone number or email address for sms and email")
	mfaBackupCodesCmd.Flags().StringVar(&flagTOTPCode, "code", "", "Current authenticator code")
	mfaSettingsCmd.Flags().BoolVar(&flagHistory, "history", false, "Include recent logins")

	mfaCmd.AddCommand(mfaEnrollCmd, mfaListCmd, mfaDisableCmd, mfaPrimaryCmd, mfaBackupCodesCmd, mfaSettingsCmd)
	rootCmd.AddCommand(mfaCmd)
}
