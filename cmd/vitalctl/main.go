// Command vitalctl records readings and inspects a running vitalwatch
// instance over its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2

	defaultAddr = "127.0.0.1:8080"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"insert-vital", "insert-vital -patient <id> -systolic <n> -diastolic <n> [-taken-at <unix>]", insertVital},
	{"list-vitals", "list-vitals -patient <id> [-limit <n>] [-cursor <c>] [-all]", listVitals},
	{"list-alerts", "list-alerts -patient <id> [-limit <n>] [-cursor <c>] [-all]", listAlerts},
	{"list-messages", "list-messages [-patient <id>]", listMessages},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout, stderr)
		}
	}
	if args[0] != "help" && args[0] != "-h" && args[0] != "--help" {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	}
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: vitalctl <command> [-addr host:port] [-timeout d] [flags]")
	for _, c := range commands {
		fmt.Fprintln(w, "  vitalctl "+c.usage)
	}
}

// common are the flags every subcommand takes.
type common struct {
	addr    string
	timeout time.Duration
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &common{}
	fs.StringVar(&c.addr, "addr", envOr("VITALWATCH_ADDR", defaultAddr), "API address, host:port or base URL")
	fs.DurationVar(&c.timeout, "timeout", 5*time.Second, "per request timeout")
	return fs, c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parse reports the exit code to use when flag parsing stops the command.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return exitUsage, false
	}
	return exitOK, true
}

func insertVital(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("insert-vital", stderr)
	patient := fs.String("patient", "", "patient identifier")
	systolic := fs.Int("systolic", 0, "systolic pressure")
	diastolic := fs.Int("diastolic", 0, "diastolic pressure")
	takenAt := fs.Int64("taken-at", 0, "unix seconds the reading was taken; 0 means now")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *takenAt == 0 {
		*takenAt = time.Now().Unix()
	}

	cl, err := newClient(c.addr, c.timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	v, err := cl.insertVital(ctx, vitalRequest{PatientID: *patient, Systolic: *systolic, Diastolic: *diastolic, TakenAt: *takenAt})
	if err != nil {
		fmt.Fprintln(stderr, "insert vital failed:", err)
		return exitFail
	}
	fmt.Fprintf(stdout, "stored vital id=%s patient=%s bp=%d/%d taken_at=%s received_at=%s abnormal=%t\n",
		v.ID, v.PatientID, v.Systolic, v.Diastolic, stamp(v.TakenAt), stamp(v.ReceivedAt), v.Abnormal)
	return exitOK
}

type pageFlags struct {
	patient *string
	limit   *int
	cursor  *string
	all     *bool
}

func addPageFlags(fs *flag.FlagSet) pageFlags {
	return pageFlags{
		patient: fs.String("patient", "", "patient identifier"),
		limit:   fs.Int("limit", 0, "page size; 0 uses the server default"),
		cursor:  fs.String("cursor", "", "cursor from a previous page"),
		all:     fs.Bool("all", false, "follow cursors until the last page"),
	}
}

// walk fetches one page, or every page with -all.
func walk(ctx context.Context, p pageFlags, fetch func(ctx context.Context, q pageQuery) (string, error)) error {
	q := pageQuery{PatientID: *p.patient, Limit: *p.limit, Cursor: *p.cursor}
	for {
		next, err := fetch(ctx, q)
		if err != nil {
			return err
		}
		if next == "" || !*p.all {
			return nil
		}
		q.Cursor = next
	}
}

func listVitals(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("list-vitals", stderr)
	pf := addPageFlags(fs)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cl, err := newClient(c.addr, c.timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	n := 0
	err = walk(ctx, pf, func(ctx context.Context, q pageQuery) (string, error) {
		page, err := cl.listVitals(ctx, q)
		if err != nil {
			return "", err
		}
		for _, v := range page.Vitals {
			n++
			fmt.Fprintf(stdout, "vital id=%s patient=%s bp=%d/%d taken_at=%s abnormal=%t\n",
				v.ID, v.PatientID, v.Systolic, v.Diastolic, stamp(v.TakenAt), v.Abnormal)
		}
		if page.NextCursor != "" && !*pf.all {
			fmt.Fprintf(stdout, "next cursor: %s\n", page.NextCursor)
		}
		return page.NextCursor, nil
	})
	if err != nil {
		fmt.Fprintln(stderr, "list vitals failed:", err)
		return exitFail
	}
	if n == 0 {
		fmt.Fprintln(stdout, "no vitals")
	}
	return exitOK
}

func listAlerts(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("list-alerts", stderr)
	pf := addPageFlags(fs)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cl, err := newClient(c.addr, c.timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	n := 0
	err = walk(ctx, pf, func(ctx context.Context, q pageQuery) (string, error) {
		page, err := cl.listAlerts(ctx, q)
		if err != nil {
			return "", err
		}
		for _, a := range page.Alerts {
			n++
			fmt.Fprintf(stdout, "alert id=%s patient=%s bp=%d/%d status=%s reason=%q created_at=%s\n",
				a.ID, a.PatientID, a.Systolic, a.Diastolic, a.Status, a.Reason, stamp(a.CreatedAt))
		}
		if page.NextCursor != "" && !*pf.all {
			fmt.Fprintf(stdout, "next cursor: %s\n", page.NextCursor)
		}
		return page.NextCursor, nil
	})
	if err != nil {
		fmt.Fprintln(stderr, "list alerts failed:", err)
		return exitFail
	}
	if n == 0 {
		fmt.Fprintln(stdout, "no alerts")
	}
	return exitOK
}

func listMessages(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("list-messages", stderr)
	patient := fs.String("patient", "", "only this patient's messages")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cl, err := newClient(c.addr, c.timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	msgs, err := cl.listMessages(ctx, *patient)
	if err != nil {
		fmt.Fprintln(stderr, "list messages failed:", err)
		return exitFail
	}
	if len(msgs) == 0 {
		fmt.Fprintln(stdout, "no messages")
		return exitOK
	}
	for _, m := range msgs {
		fmt.Fprintf(stdout, "message id=%d patient=%s status=%s queued_at=%s content=%q\n",
			m.ID, m.PatientID, m.Status, stamp(m.QueuedAt), m.Content)
	}
	return exitOK
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
