// Command workbench is a command-line client for a workbench server.
//
// Sub-commands:
//
//	workbench ls [-tree]             List files
//	workbench cat <path>             Print a file
//	workbench put <path> [file|-]    Save a file from a local file or stdin
//	workbench rm <path>              Delete a file
//	workbench upload <file>...       Upload files; zip archives are expanded
//	workbench exec <command>...      Run a shell command on the server
//	workbench history [-n N]         Show recent commands
//	workbench watch                  Print change events as they happen
//
// The server is taken from -server or WORKBENCH_SERVER.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/pkg/client"
	"github.com/fruitsalade/workbench/pkg/protocol"
	"github.com/fruitsalade/workbench/pkg/tree"
)

type command struct {
	usage string
	run   func(ctx context.Context, c *client.Client, args []string) error
	flags func(fs *flag.FlagSet)
}

var commands = map[string]command{
	"ls":      {usage: "ls [-tree]", run: cmdList, flags: listFlags},
	"cat":     {usage: "cat <path>", run: cmdCat},
	"put":     {usage: "put <path> [file|-]", run: cmdPut},
	"rm":      {usage: "rm <path>", run: cmdRemove},
	"upload":  {usage: "upload <file>...", run: cmdUpload},
	"exec":    {usage: "exec <command>...", run: cmdExec},
	"history": {usage: "history [-n N]", run: cmdHistory, flags: historyFlags},
	"watch":   {usage: "watch", run: cmdWatch},
}

var (
	serverURL string
	verbose   bool
	logger    = zap.NewNop()
)

func main() {
	global := flag.NewFlagSet("workbench", flag.ExitOnError)
	global.StringVar(&serverURL, "server", envOr("WORKBENCH_SERVER", "http://localhost:8080"), "Server URL")
	global.BoolVar(&verbose, "v", false, "Verbose logging")
	global.Usage = usage
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	fs := flag.NewFlagSet(args[0], flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintf(os.Stderr, "usage: workbench %s\n", cmd.usage) }
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	fs.Parse(args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.New(client.Config{BaseURL: serverURL, Logger: logger})
	if err := cmd.run(ctx, c, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "workbench %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage() {
	fmt.Fprintln(os.Stderr, "usage: workbench [-server URL] [-v] <command> [args]")
	fmt.Fprintln(os.Stderr)
	for _, name := range []string{"ls", "cat", "put", "rm", "upload", "exec", "history", "watch"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ─── Files ──────────────────────────────────────────────────────────────────

var listTree *bool

func listFlags(fs *flag.FlagSet) {
	listTree = fs.Bool("tree", false, "Show files as a tree")
}

func cmdList(ctx context.Context, c *client.Client, _ []string) error {
	entries, err := c.ListTree(ctx)
	if err != nil {
		return err
	}

	if *listTree {
		root := tree.Build(entries)
		tree.Walk(root, func(n *tree.Node, depth int) {
			indent := strings.Repeat("  ", depth)
			if n.IsDir {
				fmt.Printf("%s%s/\n", indent, n.Name)
				return
			}
			fmt.Printf("%s%s  %s\n", indent, n.Name, humanize.IBytes(uint64(n.Size)))
		})
		fmt.Printf("\n%d files, %s\n", tree.CountFiles(root), humanize.IBytes(uint64(root.Size)))
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", humanize.IBytes(uint64(e.Size)), modified(e.LastModified), e.Path)
	}
	return tw.Flush()
}

func modified(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func cmdCat(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	entry, err := c.ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, entry.Content)
	return err
}

func cmdPut(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	var src io.Reader = os.Stdin
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	content, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if err := c.Save(ctx, args[0], string(content)); err != nil {
		return err
	}
	fmt.Printf("saved %s (%s)\n", args[0], humanize.IBytes(uint64(len(content))))
	return nil
}

func cmdRemove(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return c.Delete(ctx, args[0])
}

func cmdUpload(ctx context.Context, c *client.Client, args []string) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	files := make([]client.UploadFile, 0, len(args))
	defer func() {
		for _, f := range files {
			err = multierr.Append(err, f.Body.(io.Closer).Close())
		}
	}()
	for _, name := range args {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		files = append(files, client.UploadFile{Name: filepath.Base(name), Body: f})
	}

	entries, err := c.Upload(ctx, files)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", humanize.IBytes(uint64(e.Size)), e.Path)
	}
	return nil
}

// ─── Commands ───────────────────────────────────────────────────────────────

func cmdExec(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	res, err := c.Execute(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Failed() {
		return errors.New(*res.Error)
	}
	return nil
}

var historyLimit *int

func historyFlags(fs *flag.FlagSet) {
	historyLimit = fs.Int("n", 20, "Number of commands to show")
}

func cmdHistory(ctx context.Context, c *client.Client, _ []string) error {
	results, err := c.History(ctx, *historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		when := r.Timestamp
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			when = humanize.Time(ts)
		}
		status := "ok"
		if r.Failed() {
			status = *r.Error
		}
		fmt.Fprintf(tw, "%s\t%dms\t%s\t%s\n", when, r.DurationMs, status, r.Command)
	}
	return tw.Flush()
}

// ─── Watch ──────────────────────────────────────────────────────────────────

const watchPingInterval = 15 * time.Second

// cmdWatch prints events as they arrive, plus a status line whenever the
// server goes offline or comes back.
func cmdWatch(ctx context.Context, c *client.Client, _ []string) error {
	events := client.NewSSEClient(serverURL, logger).Subscribe(ctx)
	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()

	c.Ping(ctx)
	online := c.IsOnline()
	fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), connectionStatus(c, serverURL))

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), describe(ev))
		case <-ticker.C:
			c.Ping(ctx)
			if c.IsOnline() != online {
				online = c.IsOnline()
				fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), connectionStatus(c, serverURL))
			}
		}
	}
}

func connectionStatus(c *client.Client, url string) string {
	if c.IsOnline() {
		return "connected to " + url
	}
	last := c.LastContact()
	if last.IsZero() {
		return url + " is offline, never reached"
	}
	return fmt.Sprintf("%s is offline, last answered %s", url, humanize.Time(last))
}

func describe(ev client.SSEEvent) string {
	switch ev.Type {
	case protocol.EventFilesUploaded:
		var p protocol.FilesUploadedPayload
		if ev.Decode(&p) == nil {
			paths := make([]string, 0, len(p.Files))
			for _, f := range p.Files {
				paths = append(paths, f.Path)
			}
			return fmt.Sprintf("uploaded %s", strings.Join(paths, ", "))
		}
	case protocol.EventFileUpdated:
		var p protocol.FileUpdatedPayload
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("updated %s (%s)", p.Path, humanize.IBytes(uint64(len(p.Content))))
		}
	case protocol.EventFileDeleted:
		var p protocol.FileDeletedPayload
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("deleted %s", p.Path)
		}
	case protocol.EventCommandOutput:
		var p protocol.CommandOutputPayload
		if ev.Decode(&p) == nil {
			status := "ok"
			if p.Output.Failed() {
				status = *p.Output.Error
			}
			return fmt.Sprintf("ran %q: %s", p.Output.Command, status)
		}
	case protocol.EventTreeChanged:
		var p protocol.TreeChangedPayload
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("changed %s", strings.Join(p.Paths, ", "))
		}
	}
	return fmt.Sprintf("%s %s", ev.Type, ev.Data)
}
