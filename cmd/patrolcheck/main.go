// Command patrolcheck smoke-tests a running Waste Patrol backend: health,
// authority registration and login, reports and dashboard stats.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v4"

	"waste-inference-service/client"
)

type CLI struct {
	BaseURL    string        `env:"PATROL_BASE_URL" default:"http://localhost:5000" help:"Backend root URL, /api is appended"`
	Email      string        `env:"PATROL_EMAIL" default:"authority@example.com" help:"Test account email"`
	Password   string        `env:"PATROL_PASSWORD" default:"testpass123" help:"Test account password"`
	Name       string        `default:"Test Authority" help:"Display name used when registering"`
	Role       string        `default:"authority" help:"Role used when registering"`
	Timeout    time.Duration `default:"10s" help:"Per-request timeout"`
	HealthWait time.Duration `default:"0s" help:"Keep retrying the health check this long before giving up"`
}

func (c *CLI) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	backend := client.NewBackend(c.BaseURL, c.Timeout)
	check(ctx, os.Stdout, backend, *c)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("patrolcheck"),
		kong.Description("Checks that the Waste Patrol backend is up and that authority accounts can read reports and dashboard stats."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// check runs the steps in order. It stops only when the backend cannot be
// reached and skips authenticated steps without a token.
func check(ctx context.Context, out io.Writer, backend *client.Backend, cli CLI) {
	fmt.Fprintln(out, "Testing Waste Patrol Backend at", backend.URL())
	fmt.Fprintln(out, "========================================")

	if !checkHealth(ctx, out, backend, cli.HealthWait) {
		return
	}
	fmt.Fprintln(out)

	token := checkAuth(ctx, out, backend, cli)
	fmt.Fprintln(out)

	if token != "" {
		checkReports(ctx, out, backend, token)
		fmt.Fprintln(out)
		checkDashboard(ctx, out, backend, token)
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Testing complete.")
	fmt.Fprintln(out, "Reports submitted through the frontend or created in the database show up in the dashboard counts.")
}

func checkHealth(ctx context.Context, out io.Writer, backend *client.Backend, wait time.Duration) bool {
	var health map[string]any
	op := func() error {
		var err error
		health, err = backend.Health(ctx)
		if err != nil && !errors.Is(err, client.ErrUnreachable) {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if wait > 0 {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = wait
		err = backoff.Retry(op, backoff.WithContext(policy, ctx))
	} else {
		err = op()
	}

	var statusErr *client.StatusError
	switch {
	case errors.Is(err, client.ErrUnreachable):
		fmt.Fprintln(out, "[FAIL] Backend is not running. Start the backend server first.")
		return false
	case errors.As(err, &statusErr):
		// the backend answered, so the remaining steps still run
		fmt.Fprintf(out, "[WARN] Health check: %d\n", statusErr.StatusCode)
		return true
	case err != nil:
		fmt.Fprintf(out, "[FAIL] Health check failed: %v\n", err)
		return false
	}
	fmt.Fprintln(out, "[ OK ] Health check: 200")
	fmt.Fprintf(out, "       Response: %v\n", health)
	return true
}

func checkAuth(ctx context.Context, out io.Writer, backend *client.Backend, cli CLI) string {
	outcome, err := backend.Register(ctx, client.Registration{
		Name:     cli.Name,
		Email:    cli.Email,
		Password: cli.Password,
		Role:     cli.Role,
	})
	switch {
	case err != nil:
		fmt.Fprintf(out, "[WARN] Registration: %v\n", err)
	case outcome == client.Registered:
		fmt.Fprintln(out, "[ OK ] Registration: 201")
		fmt.Fprintln(out, "       Authority user registered")
	default:
		fmt.Fprintln(out, "[ OK ] Registration: 400")
		fmt.Fprintln(out, "       User already exists")
	}

	token, err := backend.Login(ctx, cli.Email, cli.Password)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] Login failed: %v\n", err)
		return ""
	}
	fmt.Fprintln(out, "[ OK ] Login: 200")
	return token
}

func checkReports(ctx context.Context, out io.Writer, backend *client.Backend, token string) {
	reports, err := backend.Reports(ctx, token)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] Get reports: %v\n", err)
		return
	}
	fmt.Fprintln(out, "[ OK ] Get reports: 200")
	fmt.Fprintf(out, "       Found %d reports\n", len(reports))
	if len(reports) > 0 {
		r := reports[0]
		fmt.Fprintln(out, "       Sample report:")
		fmt.Fprintf(out, "         ID: %s\n", r.ID)
		fmt.Fprintf(out, "         Status: %s\n", r.Status)
		fmt.Fprintf(out, "         Priority: %s\n", r.Priority)
	}
}

func checkDashboard(ctx context.Context, out io.Writer, backend *client.Backend, token string) {
	overview, err := backend.DashboardStats(ctx, token)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] Dashboard stats: %v\n", err)
		return
	}
	fmt.Fprintln(out, "[ OK ] Dashboard stats: 200")
	fmt.Fprintf(out, "       Total reports: %d\n", overview.TotalReports)
	fmt.Fprintf(out, "       Pending: %d\n", overview.PendingReports)
	fmt.Fprintf(out, "       In Progress: %d\n", overview.InProgressReports)
	fmt.Fprintf(out, "       Resolved: %d\n", overview.ResolvedReports)
}
