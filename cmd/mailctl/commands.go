package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/unclebandit/mailpacer/internal/logger"
	"github.com/unclebandit/mailpacer/internal/service"
)

const usage = `usage: mailctl <command> [args]

commands:
  migrate                               apply database migrations
  import [file]                         import messages from a JSON file
  export [file]                         export every message to a JSON file
  send                                  run one dispatch pass (pending, then retries)
  reset email=<addr> id=<n> ...         return messages to pending
  list                                  list messages by id
  logs dateFrom=<t> dateTo=<t> status=<LEVEL> limit=<n>
                                        print matching log lines`

var errUsage = errors.New(usage)

// Dispatcher runs one scheduler pass.
type Dispatcher interface {
	RunPass(ctx context.Context) (*service.PassResult, error)
}

// cli runs one mailctl command. Fields a command does not use may be nil.
type cli struct {
	admin      *service.AdminService
	scheduler  Dispatcher
	migrate    func() error
	out        io.Writer
	importFile string
	exportFile string
	logFile    string
}

// needsStore reports whether cmd talks to the database.
func needsStore(cmd string) bool {
	switch cmd {
	case "migrate", "import", "export", "send", "reset", "list":
		return true
	}
	return false
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "migrate":
		if err := c.migrate(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Database schema is up to date.")
		return nil
	case "import":
		return c.importCmd(ctx, args)
	case "export":
		return c.exportCmd(ctx, args)
	case "send":
		res, err := c.scheduler.RunPass(ctx)
		if res != nil {
			res.Print(c.out)
		}
		return err
	case "reset":
		return c.resetCmd(ctx, args)
	case "list":
		return c.listCmd(ctx)
	case "logs":
		return c.logsCmd(args)
	case "help", "":
		fmt.Fprintln(c.out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n\n%w", cmd, errUsage)
}

func fileArg(args []string, def string) string {
	if len(args) > 0 && !strings.Contains(args[0], "=") {
		return args[0]
	}
	return def
}

func (c *cli) importCmd(ctx context.Context, args []string) error {
	path := fileArg(args, c.importFile)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	records, err := service.DecodeRecords(f)
	if err != nil {
		return err
	}
	res, err := c.admin.Import(ctx, records)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Imported %d emails from %s in %d batch(es).\n", res.Imported, path, res.Batches)
	for _, r := range res.Rejected {
		fmt.Fprintf(c.out, "  skipped #%d %s: %s\n", r.Index, r.Email, r.Reason)
	}
	return nil
}

func (c *cli) exportCmd(ctx context.Context, args []string) error {
	path := fileArg(args, c.exportFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	n, err := c.admin.Export(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Exported %d emails to %s.\n", n, path)
	return nil
}

func (c *cli) resetCmd(ctx context.Context, args []string) error {
	pairs, err := parsePairs(args)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return errors.New("specify email or id to reset, e.g. reset email=user@mail.com or reset id=15")
	}
	for _, p := range pairs {
		switch p.key {
		case "email":
			n, err := c.admin.ResetByEmail(ctx, p.value)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Status reset for email %s (%d message(s)).\n", p.value, n)
		case "id":
			id, err := strconv.ParseInt(p.value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", p.value)
			}
			if err := c.admin.ResetByID(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Status reset for message id %d.\n", id)
		default:
			fmt.Fprintf(c.out, "Unknown reset parameter: %s\n", p.key)
		}
	}
	return nil
}

func (c *cli) listCmd(ctx context.Context) error {
	msgs, err := c.admin.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "No messages in the database.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tSTATUS\tRETRY_COUNT\tSENT_AT")
	for _, m := range msgs {
		sentAt := "-"
		if m.SentAt != nil {
			sentAt = m.SentAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", m.ID, m.Email, m.Status, m.RetryCount, sentAt)
	}
	return tw.Flush()
}

func (c *cli) logsCmd(args []string) error {
	pairs, err := parsePairs(args)
	if err != nil {
		return err
	}
	var opts logger.FilterOptions
	for _, p := range pairs {
		switch p.key {
		case "dateFrom":
			if opts.From, err = parseTime(p.value); err != nil {
				return err
			}
		case "dateTo":
			if opts.To, err = parseTime(p.value); err != nil {
				return err
			}
		case "status", "level":
			opts.Level = strings.ToUpper(p.value)
		case "limit":
			if opts.Limit, err = strconv.Atoi(p.value); err != nil {
				return fmt.Errorf("invalid limit %q", p.value)
			}
		default:
			return fmt.Errorf("unknown logs parameter %q", p.key)
		}
	}

	f, err := os.Open(c.logFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	entries, err := logger.Filter(f, opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintln(c.out, e.Raw)
	}
	return nil
}

type pair struct {
	key, value string
}

// parsePairs reads key=value arguments in order; keys may repeat.
func parsePairs(args []string) ([]pair, error) {
	out := make([]pair, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		out = append(out, pair{key: key, value: value})
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime accepts RFC 3339 and the shorter forms; zone-less values are UTC.
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
