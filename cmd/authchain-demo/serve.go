package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/metrics/export/prometheus"
	"github.com/MrEthical07/authchain/middleware"
	"github.com/spf13/cobra"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a token login endpoint, a guarded /me route and /metrics",
	Long: `serve exposes the provider over HTTP for local experiments:

  POST /login    {"email","password","code","backup_code"} -> access token
  GET  /me       bearer token required, echoes the verified claims
  GET  /metrics  Prometheus text format

A signing secret is required (config file or AUTHCHAIN_JWT_SECRET).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if env.issuer == nil {
			return errors.New("no signing secret configured, set AUTHCHAIN_JWT_SECRET")
		}

		srv := &http.Server{
			Addr:              flagAddr,
			Handler:           newServeMux(env),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Printf("authchain-demo: listening on %s", flagAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newServeMux(e *demoEnv) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", prometheus.NewExporter(e.provider).Handler())
	mux.Handle("GET /me", middleware.RequireAccess(e.issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.ClaimsFromContext(r.Context())
		writeJSON(w, http.StatusOK, claims)
	})))
	mux.HandleFunc("POST /login", e.handleLogin)
	return mux
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Code       string `json:"code"`
	BackupCode string `json:"backup_code"`
}

type loginResponse struct {
	User        *authchain.User `json:"user,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	MFARequired bool            `json:"mfa_required,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (e *demoEnv) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Error: "invalid JSON body"})
		return
	}
	ctx := authchain.WithUserAgent(r.Context(), r.UserAgent())
	ctx = authchain.WithClientIP(ctx, r.RemoteAddr)

	res, err := e.provider.Login(ctx, authchain.Credentials{Identifier: req.Email, Secret: req.Password})
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, loginResponse{Error: "invalid credentials"})
		return
	}

	if res.MFARequired {
		if res, err = e.answerOverHTTP(ctx, res.Challenge, req); err != nil {
			_ = e.provider.AbandonMFA(ctx)
			writeJSON(w, http.StatusUnauthorized, loginResponse{MFARequired: true, Error: err.Error()})
			return
		}
	}

	tok, err := e.provider.RefreshToken(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, loginResponse{Error: "token unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, AccessToken: tok})
}

// answerOverHTTP verifies the code carried by the login request. TOTP and
// backup codes are supported; SMS and email need the interactive CLI.
func (e *demoEnv) answerOverHTTP(ctx context.Context, ch *authchain.Challenge, req loginRequest) (*authchain.AuthResult, error) {
	var (
		resp *authchain.VerificationResponse
		err  error
	)
	switch {
	case req.BackupCode != "":
		resp, err = ch.VerifyBackupCode(ctx, req.BackupCode, false)
	case req.Code != "":
		if m := ch.Selected(); m == nil || m.Type != authchain.MethodTOTP {
			return nil, errors.New("primary method is not an authenticator app, use a backup code")
		}
		resp, err = ch.Verify(ctx, req.Code, false)
	default:
		return nil, errors.New("second factor required")
	}
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Message)
	}
	return e.provider.CompleteMFA(ctx, ch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1:8080", "Listen address")
	serveCmd.Flags().BoolVar(&flagMetrics, "metrics", true, "Collect in-process metrics for /metrics")
	rootCmd.AddCommand(serveCmd)
}
