// Command otr-peer is a demo two-party chat binary exercising the
// engine end to end: it races a listen against a dial to establish a
// transport (C1), runs the signed-DH handshake (C6), and then drives
// the session controller (C8) off stdin/stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/briarhollow/otrwire/clock"
	"github.com/briarhollow/otrwire/identity"
	"github.com/briarhollow/otrwire/session"
	"github.com/briarhollow/otrwire/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otr-peer",
		Short: "Two-party signed-DH secure chat over a raw TCP connection",
	}
	cmd.PersistentFlags().String("addr", "127.0.0.1:4443", "peer address to race listen/connect against")
	cmd.PersistentFlags().String("identity", "", "path to the identity file (own-private / peer-public hex lines)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "path to a YAML config file supplying the settings above (flags set on the command line take precedence)")
	_ = viper.BindPFlags(cmd.PersistentFlags())
	viper.SetEnvPrefix("OTR_PEER")
	viper.AutomaticEnv()

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if configPath := viper.GetString("config"); configPath != "" {
			viper.SetConfigFile(configPath)
			viper.SetConfigType("yaml")
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}
		return runChat(cmd.Context())
	}
	return cmd
}

func runChat(ctx context.Context) error {
	logger, logFile := setupLogging(viper.GetBool("debug"))
	defer func() { _ = logFile.Close() }()

	addr := viper.GetString("addr")
	identityPath := viper.GetString("identity")
	if identityPath == "" {
		return fmt.Errorf("--identity is required")
	}
	idp := identity.FileProvider{Path: identityPath}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("establishing transport", "addr", addr)
	est, err := transport.NewDialer(addr).Establish(ctx)
	if err != nil {
		return fmt.Errorf("establish: %w", err)
	}
	logger.Info("transport established", "role", est.Role.String())

	sink := session.SinkFunc(func(plaintext []byte, inbound bool, at time.Time) {
		if inbound {
			fmt.Printf("\rpeer> %s\n> ", plaintext)
		}
	})

	ctrl, err := session.Establish(est.Conn, est.Role, idp, sink, clock.Real{}, session.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer func() { _ = ctrl.Close() }()
	logger.Info("session established")

	var wg conc.WaitGroup
	wg.Go(func() { watchEvents(ctrl, logger) })
	wg.Go(func() { readStdinAndSend(ctx, ctrl) })

	wg.Wait()
	return nil
}

func watchEvents(ctrl *session.Controller, logger *slog.Logger) {
	for ev := range ctrl.Events() {
		switch ev.Kind {
		case session.Offline:
			logger.Warn("session went offline", "reason", ev.Reason)
		case session.RekeyCompleted:
			logger.Info("rekey completed")
		case session.MacFailureCounted:
			logger.Warn("dropped a record with a bad mac")
		default:
			logger.Info("session event", "kind", ev.Kind.String())
		}
	}
}

func readStdinAndSend(ctx context.Context, ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if err := ctrl.Send([]byte(line)); err != nil {
			fmt.Printf("send failed: %v\n", err)
			return
		}
		fmt.Print("> ")
	}
}

func setupLogging(debug bool) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("otr-peer.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := devlog.NewHandler(os.Stdout, &devlog.Options{Level: levelVar(level)})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func levelVar(l slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(l)
	return v
}

// multiHandler fans out slog records to multiple handlers, exactly as
// the teacher's cmd/tor-client does for its debug-file/pretty-stdout
// split.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
