package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/portal/internal/config"
	"github.com/hms/portal/internal/domain/booking"
	"github.com/hms/portal/internal/platform/apiclient"
	"github.com/hms/portal/internal/platform/auth"
	"github.com/hms/portal/internal/platform/db"
	"github.com/hms/portal/internal/platform/notification"
	"github.com/hms/portal/internal/platform/session"
)

func main() {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hms-portal",
		Short:        "Hospital patient portal client",
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(doctorsCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(rescheduleCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(appointmentsCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(prescriptionsCmd())
	rootCmd.AddCommand(prescriptionPDFCmd())
	rootCmd.AddCommand(navigateCmd())
	rootCmd.AddCommand(sandboxCmd())

	return rootCmd
}

// newLogger writes JSON to w, or console output in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// portal holds the wired client-side components for one command run.
type portal struct {
	cfg       *config.Config
	logger    zerolog.Logger
	out       io.Writer
	notifier  notification.Notifier
	store     *session.Store
	client    *apiclient.Client
	auth      *session.Authenticator
	navigator *auth.Navigator
	closers   []func()
}

func (p *portal) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// openPortal loads the configuration and wires the session store, API client
// and guards.
func openPortal(ctx context.Context, cmd *cobra.Command) (*portal, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &portal{
		cfg:    cfg,
		logger: newLogger(cfg, cmd.ErrOrStderr()),
		out:    cmd.OutOrStdout(),
	}
	p.notifier = notification.Multi(
		notification.NewConsoleNotifier(p.out),
		notification.NewLogNotifier(p.logger),
	)

	kv, err := p.openKV(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.store, err = session.NewStore(ctx, kv, p.logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	store := p.store
	p.client, err = apiclient.New(cfg.APIURL, store, p.logger,
		apiclient.WithTimeout(cfg.HTTPTimeout()),
		apiclient.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apiclient.WithUnauthorizedHandler(func() {
			if err := store.Clear(context.Background()); err != nil {
				p.logger.Warn().Err(err).Msg("failed to clear session after 401")
			}
		}),
	)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.auth = session.NewAuthenticator(p.client, p.store, p.logger)
	guard := auth.Chain(auth.NewAuthGuard(p.logger), auth.NewRoleGuard(p.notifier, p.logger))
	p.navigator = auth.NewNavigator(auth.DefaultRoutes(), p.store, guard, p.logger)
	return p, nil
}

func (p *portal) openKV(ctx context.Context) (session.KV, error) {
	cfg := p.cfg
	switch cfg.SessionBackend {
	case config.SessionBackendMemory:
		return session.NewMemoryKV(), nil

	case config.SessionBackendRedis:
		client, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = client.Close() })
		return session.NewRedisKV(client, cfg.SessionNamespace, 0), nil

	case config.SessionBackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pool.Close)

		kv := session.NewPGKVFromPool(pool, cfg.SessionNamespace)
		if err := kv.Migrate(ctx); err != nil {
			return nil, err
		}
		if stats, err := db.Check(ctx, pool); err == nil {
			p.logger.Debug().Object("pool", stats).Msg("session database ready")
		}
		return kv, nil

	default:
		return session.NewFileKV(cfg.SessionFile), nil
	}
}

// requireRoute runs the guard chain for path and fails when the navigation
// is redirected.
func (p *portal) requireRoute(path string) error {
	res := p.navigator.Navigate(path)
	if !res.Decision.Allowed {
		return fmt.Errorf("%s is not available for the current session (redirected to %s)", path, res.Path)
	}
	return nil
}

// runPortal opens the portal, runs fn and releases resources.
func runPortal(cmd *cobra.Command, fn func(ctx context.Context, p *portal) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := openPortal(ctx, cmd)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

func printAppointment(w io.Writer, a booking.Appointment) {
	fmt.Fprintf(w, "#%d  %s %s  %-10s  %s", a.ID, a.Date(), a.Time(), a.Status, a.Doctor.Name)
	if a.Doctor.Specialty != "" {
		fmt.Fprintf(w, " (%s)", a.Doctor.Specialty)
	}
	if a.Reason != "" {
		fmt.Fprintf(w, "  %s", a.Reason)
	}
	fmt.Fprintln(w)
}
