package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/credential"
	"github.com/spf13/cobra"
)

var (
	flagPassword   string
	flagCode       string
	flagBackupCode string
	flagMethodID   string
	flagTrust      bool
	flagName       string
	flagAvatar     string
)

const maxCodeAttempts = 3

// clientContext labels this process for trusted devices and login history.
func clientContext(ctx context.Context) context.Context {
	ctx = authchain.WithUserAgent(ctx, "authchain-demo/1.0 ("+runtime.GOOS+"; "+runtime.GOARCH+")")
	return authchain.WithDeviceName(ctx, "authchain-demo on "+runtime.GOOS)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in, answering the second-factor challenge when one is due",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := clientContext(cmd.Context())
		p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())

		secret := flagPassword
		if secret == "" {
			var err error
			if secret, err = p.secret("Password: "); err != nil {
				return err
			}
		}

		res, err := env.provider.Login(ctx, authchain.Credentials{Identifier: args[0], Secret: secret})
		if err != nil {
			if res != nil && res.Error != "" {
				return errors.New(res.Error)
			}
			return err
		}
		if res.MFARequired {
			if res, err = answerChallenge(ctx, p, res.Challenge); err != nil {
				return err
			}
		}
		return printUser(cmd, res.User)
	},
}

// answerChallenge verifies one code for the pending login and commits it.
// The login is abandoned when no code verifies.
func answerChallenge(ctx context.Context, p *prompter, ch *authchain.Challenge) (*authchain.AuthResult, error) {
	res, err := verifyChallenge(ctx, p, ch)
	if err != nil {
		_ = env.provider.AbandonMFA(ctx)
		return nil, err
	}
	if res.TrustToken != "" {
		fmt.Fprintln(p.out, "This device is now trusted.")
	} else if res.Message != "" && res.Message != "Verification successful" {
		fmt.Fprintln(p.out, res.Message)
	}
	return env.provider.CompleteMFA(ctx, ch)
}

func verifyChallenge(ctx context.Context, p *prompter, ch *authchain.Challenge) (*authchain.VerificationResponse, error) {
	if flagBackupCode != "" {
		resp, err := ch.VerifyBackupCode(ctx, flagBackupCode, flagTrust)
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, errors.New(resp.Message)
		}
		return resp, nil
	}

	if flagMethodID != "" {
		if err := ch.Select(flagMethodID); err != nil {
			return nil, err
		}
	}
	method := ch.Selected()
	if method == nil {
		methods := ch.Methods()
		if len(methods) == 0 {
			return nil, authchain.ErrMFANotConfigured
		}
		if err := ch.Select(methods[0].ID); err != nil {
			return nil, err
		}
		method = ch.Selected()
	}

	if method.Type != authchain.MethodTOTP {
		err := ch.SendCode(ctx)
		switch {
		case errors.Is(err, authchain.ErrCooldownActive):
			fmt.Fprintf(p.out, "A code was sent recently; a new one can be sent in %s.\n", ch.ResendAvailableIn().Round(time.Second))
		case err != nil:
			return nil, err
		default:
			fmt.Fprintf(p.out, "Code sent to %s.\n", method.Name)
		}
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := flagCode
		if code == "" || attempt > 0 {
			var err error
			if code, err = p.line(fmt.Sprintf("Code from %s: ", method.Name)); err != nil {
				return nil, err
			}
		}
		resp, err := ch.Verify(ctx, code, flagTrust)
		if errors.Is(err, authchain.ErrInvalidCodeFormat) {
			fmt.Fprintln(p.out, "Codes are 6 digits.")
			continue
		}
		if err != nil {
			return nil, err
		}
		if resp.Success {
			return resp, nil
		}
		fmt.Fprintln(p.out, resp.Message)
	}
	return nil, authchain.ErrVerificationFailed
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if env.provider.CurrentUser() == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}
		if err := env.provider.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := env.requireUser()
		if err != nil {
			return err
		}
		return printUser(cmd, u)
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Change the display name or avatar of the logged-in user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var update authchain.ProfileUpdate
		if cmd.Flags().Changed("name") {
			update.DisplayName = &flagName
		}
		if cmd.Flags().Changed("avatar") {
			update.AvatarURL = &flagAvatar
		}
		u, err := env.provider.UpdateProfile(cmd.Context(), update)
		if err != nil {
			return err
		}
		return printUser(cmd, u)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a fresh access token for the current session",
	Long: `token mints a short-lived access token. It needs a signing secret from
the config file or the AUTHCHAIN_JWT_SECRET environment variable.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tok, err := env.provider.RefreshToken(cmd.Context())
		if errors.Is(err, authchain.ErrCapabilityUnsupported) {
			return errors.New("no signing secret configured, set AUTHCHAIN_JWT_SECRET")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:         "accounts",
	Short:       "List the built-in demo accounts",
	Annotations: map[string]string{"offline": "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		accounts := credential.DefaultDemoAccounts()
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), accounts)
		}
		for _, a := range accounts {
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-14s %s\n", a.Email, a.Password, a.Role)
		}
		return nil
	},
}

func printUser(cmd *cobra.Command, u *authchain.User) error {
	if u == nil {
		return errNotLoggedIn
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), u)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Logged in as %s (%s)\n", u.Email, u.ID)
	if u.DisplayName != "" {
		fmt.Fprintf(w, "  Name:     %s\n", u.DisplayName)
	}
	if u.Role != "" {
		fmt.Fprintf(w, "  Role:     %s\n", u.Role)
	}
	fmt.Fprintf(w, "  Strategy: %s\n", env.provider.ActiveStrategy())
	return nil
}

func init() {
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "Password (prompted when omitted)")
	loginCmd.Flags().StringVar(&flagCode, "code", "", "Second-factor code (prompted when omitted)")
	loginCmd.Flags().StringVar(&flagBackupCode, "backup-code", "", "Spend a backup code instead of a method code")
	loginCmd.Flags().StringVar(&flagMethodID, "method", "", "Second-factor method ID (default: primary)")
	loginCmd.Flags().BoolVar(&flagTrust, "trust", false, "Trust this device and skip the second factor next time")

	profileCmd.Flags().StringVar(&flagName, "name", "", "New display name")
	profileCmd.Flags().StringVar(&flagAvatar, "avatar", "", "New avatar URL")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, profileCmd, tokenCmd, accountsCmd)
}
