// Command console is the Unreal console: it connects a wallet, registers it
// with the backend for a bearer token and uses that token for inference. It
// runs one command and exits, or serves the local HTTP API with "serve".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/config"
	"github.com/unreal-ai/unreal-console/internal/console"
	"github.com/unreal-ai/unreal-console/internal/httpapi"
	"github.com/unreal-ai/unreal-console/internal/logger"
	"github.com/unreal-ai/unreal-console/internal/session"
)

const usageText = `usage: console [-config dir] <command> [args]

commands:
  serve                  run the local HTTP API
  connect                connect the wallet and register if needed
  register -calls N      buy N calls (0 registers without payment)
  status                 show the session and payment token balance
  keys                   list API keys
  keys create NAME       create an API key
  keys delete HASH       delete an API key
  airdrop                claim the airdrop and wait for confirmation
  chat PROMPT            stream a completion for PROMPT
  pricing                show per-model inference pricing
  logout                 forget the stored token
`

var errUsage = errors.New("invalid usage")

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usageText) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := console.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("console init failed", zap.Error(err))
	}
	defer c.Close()

	if err := run(ctx, c, cfg, log, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *console.Console, cfg *config.Config, log *zap.Logger, args []string, out io.Writer) error {
	switch args[0] {
	case "serve":
		return serve(ctx, c, cfg.Server.Port, log)

	case "connect":
		snap, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, snap)

	case "register":
		calls, err := parseRegister(args[1:])
		if err != nil {
			return err
		}
		if _, err := c.ConnectWallet(ctx); err != nil {
			return err
		}
		res, err := c.Register(ctx, calls)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]any{
			"address": res.Address,
			"chainId": res.ChainID,
			"calls":   res.Payload.CallQuota,
			"permit":  res.Permit != nil,
		})

	case "status":
		return status(ctx, c, out)

	case "keys":
		return keys(ctx, c, args[1:], out)

	case "airdrop":
		if _, err := c.ConnectWallet(ctx); err != nil {
			return err
		}
		attempt, err := c.ClaimAirdrop(ctx)
		if attempt != nil {
			_ = printJSON(out, attempt)
		}
		return err

	case "chat":
		prompt := strings.TrimSpace(strings.Join(args[1:], " "))
		if prompt == "" {
			return fmt.Errorf("%w: chat needs a prompt", errUsage)
		}
		if _, err := c.Chat(ctx, "", prompt, out); err != nil {
			return err
		}
		fmt.Fprintln(out)
		return nil

	case "pricing":
		if _, err := c.ConnectWallet(ctx); err != nil {
			return err
		}
		raw, err := c.Pricing(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, raw)

	case "logout":
		return c.Logout(ctx)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parseRegister(args []string) (int64, error) {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	calls := fs.Int64("calls", -1, "number of calls to buy")
	if err := fs.Parse(args); err != nil {
		return 0, fmt.Errorf("%w: %v", errUsage, err)
	}
	if *calls < 0 {
		return 0, fmt.Errorf("%w: register needs -calls N with N >= 0", errUsage)
	}
	return *calls, nil
}

func status(ctx context.Context, c *console.Console, out io.Writer) error {
	snap, err := c.ConnectWallet(ctx)
	if err != nil {
		return err
	}
	report := map[string]any{"session": snap}
	if snap.Authenticated {
		if _, err := c.Verify(ctx); err != nil && !errors.Is(err, backend.ErrTokenInvalid) {
			return err
		}
		report["session"] = c.Session()
	}
	if bal, err := c.Balance(ctx); err == nil {
		report["balance"] = bal
	} else {
		report["balanceError"] = err.Error()
	}
	if allowance, err := c.Allowance(ctx); err == nil {
		report["allowance"] = allowance.String()
	} else {
		report["allowanceError"] = err.Error()
	}
	return printJSON(out, report)
}

func keys(ctx context.Context, c *console.Console, args []string, out io.Writer) error {
	if len(args) == 0 {
		list, err := c.ListKeys(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, list)
	}
	if len(args) != 2 {
		return fmt.Errorf("%w: keys [create NAME | delete HASH]", errUsage)
	}
	switch args[0] {
	case "create":
		created, err := c.CreateKey(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(out, created)
	case "delete":
		return c.DeleteKey(ctx, args[1])
	default:
		return fmt.Errorf("%w: unknown keys subcommand %q", errUsage, args[0])
	}
}

func serve(ctx context.Context, c *console.Console, port int, log *zap.Logger) error {
	c.Subscribe(func(s session.Snapshot) {
		log.Debug("session changed",
			zap.String("address", s.Address.Hex()),
			zap.Bool("authenticated", s.Authenticated),
			zap.Int64("remaining", s.Remaining),
		)
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	httpapi.NewHandler(c, log).Register(r.Group("/api"))

	// The API signs with the local wallet, so it only listens on loopback.
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	}

	log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
