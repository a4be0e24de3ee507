// betctl is the operator CLI for the betting pipeline daemon.
//
// Usage:
//
//	betctl [-addr URL] trigger [-date YYYY-MM-DD] [-bankroll N]
//	betctl [-addr URL] resume  [-date YYYY-MM-DD] [-bankroll N]
//	betctl [-addr URL] status
//	betctl [-addr URL] history [-limit N]
//	betctl [-addr URL] stop
//	betctl recommendations -file kelly_predictions_<date>_<hhmm>.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dugoutlabs/linedrive/pkg/artifact"
	"github.com/dugoutlabs/linedrive/pkg/client"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/registry"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
	"github.com/dugoutlabs/linedrive/pkg/sizing"
)

var dollars = message.NewPrinter(language.English)

func main() {
	addr := flag.String("addr", "http://localhost:8090", "Pipeline daemon address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := client.New(*addr)

	var err error
	switch args[0] {
	case "trigger":
		err = cmdTrigger(ctx, c, args[1:], false)
	case "resume":
		err = cmdTrigger(ctx, c, args[1:], true)
	case "status":
		err = cmdStatus(ctx, c)
	case "history":
		err = cmdHistory(ctx, c, args[1:])
	case "stop":
		err = cmdStop(ctx, c)
	case "recommendations":
		err = cmdRecommendations(args[1:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "betctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: betctl [-addr URL] <trigger|resume|status|history|stop|recommendations> [flags]")
}

func cmdTrigger(ctx context.Context, c *client.Client, args []string, resume bool) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	date := fs.String("date", time.Now().Format("2006-01-02"), "Target date (YYYY-MM-DD)")
	bankroll := fs.Float64("bankroll", 0, "Bankroll in dollars (0 uses the daemon default)")
	_ = fs.Parse(args)

	req := registry.TriggerRequest{TargetDate: *date, Resume: resume}
	if *bankroll > 0 {
		req.Bankroll = decimal.NewFromFloat(*bankroll)
	}

	snap, err := c.Trigger(ctx, req)
	if err != nil {
		return err
	}

	mode := "run"
	if resume {
		mode = "resume"
	}
	fmt.Printf("Pipeline %s started: %s (target date %s, bankroll $%s)\n",
		mode, snap.ID, snap.TargetDate, snap.Bankroll.StringFixed(2))
	return nil
}

func cmdStatus(ctx context.Context, c *client.Client) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}

	switch {
	case resp.InFlight && resp.Run != nil:
		fmt.Printf("Run %s IN FLIGHT (target date %s, triggered %s)\n",
			resp.Run.ID, resp.Run.TargetDate, resp.Run.TriggeredAt.Format(time.RFC3339))
		printStages(*resp.Run)
	case resp.LastRun != nil:
		fmt.Println("No run in flight. Last run:")
		printRun(*resp.LastRun)
	default:
		fmt.Println("No run in flight and no history.")
	}
	return nil
}

func cmdHistory(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum runs to show")
	_ = fs.Parse(args)

	runs, err := c.History(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs retained.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run", "Date", "Status", "Stages", "Bets", "Staked", "Duration")
	for _, snap := range runs {
		bets, staked := "-", "-"
		if snap.Summary != nil {
			bets = fmt.Sprintf("%d", snap.Summary.BetsRecommended)
			staked = "$" + snap.Summary.TotalStaked.StringFixed(2)
		}
		dur := "-"
		if !snap.FinishedAt.IsZero() {
			dur = snap.FinishedAt.Sub(snap.TriggeredAt).Round(time.Second).String()
		}
		table.Append(snap.ID, snap.TargetDate, string(snap.Overall),
			fmt.Sprintf("%d", len(snap.Stages)), bets, staked, dur)
	}
	table.Render()
	return nil
}

func cmdStop(ctx context.Context, c *client.Client) error {
	resp, err := c.Stop(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Stop requested. %s\n", resp.Detail)
	return nil
}

// cmdRecommendations pretty-prints a recommendations artifact straight from
// disk, no daemon required.
func cmdRecommendations(args []string) error {
	fs := flag.NewFlagSet("recommendations", flag.ExitOnError)
	file := fs.String("file", "", "Path to the recommendations CSV")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("recommendations requires -file")
	}

	recs, err := artifact.ReadRecommendations(*file)
	if err != nil {
		// The summary JSON is a convenience; the CSV alone still carries
		// every decision.
		decisions, csvErr := artifact.ReadDecisionsCSV(*file)
		if csvErr != nil {
			return err
		}
		fmt.Printf("Recommendations from %s (no run summary found)\n", *file)
		printDecisions(decisions)
		return nil
	}

	fmt.Printf("Recommendations for %s (generated %s)\n",
		recs.TargetDate, recs.GeneratedAt.Format(time.RFC3339))
	printDecisions(recs.Decisions)

	dollars.Printf("Total staked: $%.2f of $%.2f (%.1f%% of bankroll)\n",
		recs.TotalStaked.InexactFloat64(), recs.Bankroll.InexactFloat64(),
		recs.UtilizationPercent.InexactFloat64())
	return nil
}

func printDecisions(decisions []sizing.Decision) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Matchup", "Side", "Win Prob", "Odds", "Stake", "EV", "Note")
	for _, d := range decisions {
		stake := "-"
		if d.Stake.IsPositive() {
			stake = "$" + d.Stake.StringFixed(2)
		}
		table.Append(d.Matchup, d.SideToBack,
			fmt.Sprintf("%.1f%%", d.WinProbability*100),
			fmt.Sprintf("%.2f", d.DecimalOdds),
			stake, "$"+d.ExpectedValue.StringFixed(2), d.Note)
	}
	table.Render()
}

func printRun(snap run.Snapshot) {
	fmt.Printf("  %s  %s  %s\n", snap.ID, snap.TargetDate, snap.Overall)
	if snap.Failure != "" {
		fmt.Printf("  failure: %s\n", snap.Failure)
	}
	if snap.Summary != nil {
		dollars.Printf("  %d games, %d bets, $%.2f staked (%.1f%% of bankroll)\n",
			snap.Summary.GamesFound, snap.Summary.BetsRecommended,
			snap.Summary.TotalStaked.InexactFloat64(),
			snap.Summary.BankrollUtilizationPercent.InexactFloat64())
	}
	printStages(snap)
}

func printStages(snap run.Snapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Stage", "Status", "Duration")
	for _, st := range snap.Stages {
		table.Append(st.Name, string(st.Status), st.Duration().Round(time.Millisecond).String())
	}
	table.Render()
}
