// Command paigeant is the operator CLI: workflow inspection, static agent
// discovery, and backend health.
//
// # Usage
//
//	paigeant workflows list [-status pending|running|completed|failed] [-limit n]
//	paigeant workflows show <correlation-id>
//	paigeant discover [-ignore glob]... [path]
//	paigeant health
//
// # Configuration
//
// The CLI resolves its backends the same way workers do: an optional
// paigeant.yaml (or the file named by PAIGEANT_CONFIG) overlaid by the
// PAIGEANT_* environment variables. See the config package for the full
// surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/paigeant/config"
	"goa.design/paigeant/discovery"
	"goa.design/paigeant/repository"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Errorf(ctx, err, "command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}
	switch args[0] {
	case "workflows":
		return workflowsCmd(ctx, args[1:])
	case "discover":
		return discoverCmd(ctx, args[1:])
	case "health":
		return healthCmd(ctx)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: paigeant <command> [arguments]

commands:
  workflows list [-status s] [-limit n]   list recorded workflows
  workflows show <correlation-id>         show one workflow and its steps
  discover [-ignore glob]... [path]       scan Go sources for agents and dispatch sites
  health                                  ping the configured backends`)
}

func workflowsCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: paigeant workflows <list|show>")
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	repo, err := config.NewRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend(ctx, repo)

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("workflows list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", 50, "maximum rows")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		recs, err := repo.ListWorkflows(ctx, repository.Filter{Status: *status, Limit: *limit})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("%s\t%s\t%s\n", rec.CorrelationID, rec.Status, rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	case "show":
		if fs := args[1:]; len(fs) != 1 {
			return fmt.Errorf("usage: paigeant workflows show <correlation-id>")
		}
		return showWorkflow(ctx, repo, args[1])
	default:
		return fmt.Errorf("unknown workflows subcommand %q", args[0])
	}
}

func showWorkflow(ctx context.Context, repo repository.Repository, correlationID string) error {
	rec, err := repo.GetWorkflow(ctx, correlationID)
	if err != nil {
		return err
	}
	steps, err := repo.GetSteps(ctx, correlationID)
	if err != nil {
		return err
	}
	out := struct {
		Workflow *repository.WorkflowRecord `json:"workflow"`
		Steps    []*repository.StepRecord   `json:"steps"`
	}{rec, steps}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func discoverCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	var ignores multiFlag
	fs.Var(&ignores, "ignore", "glob of files to skip, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "."
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	report, err := discovery.Scan(path, discovery.WithIgnore(ignores...))
	if err != nil {
		return err
	}
	for _, a := range report.Agents {
		edit := ""
		if a.CanEditItinerary {
			edit = "\t[edits itinerary]"
		}
		fmt.Printf("agent\t%s\t%s:%d%s\n", a.Name, a.File, a.Line, edit)
	}
	for _, d := range report.Dispatches {
		fmt.Printf("dispatch\t%s\t%s\t%s:%d\n", d.AgentName, d.Call, d.File, d.Line)
	}
	for _, s := range report.Skipped {
		log.Warn(ctx, log.KV{K: "msg", V: "file skipped, parse failed"}, log.KV{K: "file", V: s})
	}
	return nil
}

func healthCmd(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	var pingers []health.Pinger
	repo, err := config.NewRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend(ctx, repo)
	if p, ok := repo.(health.Pinger); ok {
		pingers = append(pingers, p)
	}
	tr, err := config.NewTransport(ctx, cfg)
	if err != nil {
		return err
	}
	if err := tr.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := tr.Disconnect(ctx); err != nil {
			log.Errorf(ctx, err, "disconnect transport")
		}
	}()
	if p, ok := tr.(health.Pinger); ok {
		pingers = append(pingers, p)
	}
	if len(pingers) == 0 {
		fmt.Println("ok (in-memory backends, nothing to ping)")
		return nil
	}

	checker := health.NewChecker(pingers...)
	status, healthy := checker.Check(ctx)
	for name, state := range status.Status {
		fmt.Printf("%s\t%s\n", name, state)
	}
	if !healthy {
		return fmt.Errorf("one or more backends are unhealthy")
	}
	return nil
}

// closeBackend releases repositories that hold connections.
func closeBackend(ctx context.Context, repo repository.Repository) {
	switch c := repo.(type) {
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			log.Errorf(ctx, err, "close repository")
		}
	case interface{ Close() }:
		c.Close()
	}
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
