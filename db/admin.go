package db

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Admin runs the out-of-band maintenance commands (gbak, gfix) that the wire
// protocol does not cover. It holds its own connection coordinates because
// the command-line tools do not share the driver's DSN format.
type Admin struct {
	log      *slog.Logger
	gbak     string
	gfix     string
	host     string
	port     int
	dbPath   string
	user     string
	password string
	timeout  time.Duration
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAdminLogger sets the slog logger.
func WithAdminLogger(l *slog.Logger) AdminOption {
	return func(a *Admin) {
		if l != nil {
			a.log = l
		}
	}
}

// WithGbakPath overrides the gbak binary location.
func WithGbakPath(p string) AdminOption {
	return func(a *Admin) {
		if p != "" {
			a.gbak = p
		}
	}
}

// WithGfixPath overrides the gfix binary location.
func WithGfixPath(p string) AdminOption {
	return func(a *Admin) {
		if p != "" {
			a.gfix = p
		}
	}
}

// WithAdminTimeout bounds each maintenance command.
func WithAdminTimeout(d time.Duration) AdminOption {
	return func(a *Admin) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdmin builds an Admin for the given database coordinates.
func NewAdmin(host string, port int, dbPath, user, password string, opts ...AdminOption) *Admin {
	a := &Admin{
		log:      slog.Default(),
		gbak:     "gbak",
		gfix:     "gfix",
		host:     host,
		port:     port,
		dbPath:   dbPath,
		user:     user,
		password: password,
		timeout:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// target renders the remote database spec understood by the command-line
// tools: host/port:path.
func (a *Admin) target() string {
	return fmt.Sprintf("%s/%d:%s", a.host, a.port, a.dbPath)
}

// Backup writes a gbak backup of the database to dest.
func (a *Admin) Backup(ctx context.Context, dest string) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("backup path is required")
	}
	dest = filepath.Clean(dest)

	args := []string{
		"-b", "-v",
		"-user", a.user,
		"-password", a.password,
		a.target(),
		dest,
	}
	return a.run(ctx, a.gbak, args, "backup")
}

// Restore recreates a database at dest from the backup file src. With replace
// set, an existing database file at dest is overwritten.
func (a *Admin) Restore(ctx context.Context, src, dest string, replace bool) (string, error) {
	if src == "" || dest == "" {
		return "", fmt.Errorf("backup path and database path are required")
	}

	mode := "-c"
	if replace {
		mode = "-rep"
	}
	args := []string{
		mode, "-v",
		"-user", a.user,
		"-password", a.password,
		filepath.Clean(src),
		filepath.Clean(dest),
	}
	return a.run(ctx, a.gbak, args, "restore")
}

// Validate runs a full gfix validation pass against the database.
func (a *Admin) Validate(ctx context.Context) (string, error) {
	args := []string{
		"-v", "-full",
		"-user", a.user,
		"-password", a.password,
		a.target(),
	}
	return a.run(ctx, a.gfix, args, "validate")
}

func (a *Admin) run(ctx context.Context, bin string, args []string, op string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if err != nil {
		a.log.ErrorContext(ctx, "admin."+op+".fail",
			slog.String("err", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		if output != "" {
			return "", fmt.Errorf("%s failed: %w: %s", op, err, output)
		}
		return "", fmt.Errorf("%s failed: %w", op, err)
	}

	a.log.InfoContext(ctx, "admin."+op+".ok", slog.Duration("elapsed", time.Since(start)))
	return output, nil
}
