// Command creditdiag runs batch diagnostic trials against the credit network
// and reports routing concentration, budget starvation, and invariant
// violations across seeds.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/engine"
	"github.com/talgya/creditnet/internal/persistence"
)

type cliOptions struct {
	trials        int
	steps         int
	scenario      string
	clearEvery    int
	clientBalance float64
	addNodesAt    []int
	jsonOut       string
	mdOut         string
	dbPath        string
	maxSamples    int
}

func parseAddNodesAt(raw string) []int {
	seen := map[int]bool{}
	var steps []int
	for _, part := range strings.Split(raw, ",") {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err != nil {
			continue
		}
		if n > 0 && !seen[n] {
			seen[n] = true
			steps = append(steps, n)
		}
	}
	sort.Ints(steps)
	return steps
}

// scenarioPolicy returns the tick policy for a named scenario. "baseline" is
// the stock greedy router; "ui" matches the interactive defaults with
// stochastic routing and adaptive deltas.
func scenarioPolicy(name string, clearEvery int) engine.Options {
	opts := engine.DefaultOptions()
	opts.ClearEvery = clearEvery
	switch name {
	case "ui", "wave":
		opts.RouteNearBestRatio = 0.75
		opts.RouteTemperature = 0.35
		opts.AdaptiveDeltaFloor = 8
		opts.MaxPaymentRatio = 0.08
		opts.BudgetRefillThreshold = 9000
	}
	return opts
}

// runWaveTrial runs one trial under a demand wave: simplex noise modulates
// the arrival rate over time, so the network sees slow swells and lulls
// instead of a flat Poisson-like load.
func runWaveTrial(trial int, opts cliOptions, policy engine.Options) engine.TrialResult {
	seed := engine.DeriveTrialSeed(engine.DefaultSeed, trial)
	noise := opensimplex.NewNormalized(int64(seed))

	state := engine.NewState(seed)
	state.ClientBalance = opts.clientBalance
	state.Phase = len(engine.GuideSteps)
	state.LastNarrative = "demand wave trial"

	addAt := make(map[int]bool, len(opts.addNodesAt))
	for _, step := range opts.addNodesAt {
		addAt[step] = true
	}

	for step := 1; step <= opts.steps; step++ {
		if addAt[step] {
			id := agent.ID(fmt.Sprintf("N%d", len(state.Agents)+1))
			state.Agents[id] = agent.Bootstrap(id, fmt.Sprintf("Agent-%s", id), state.Agents)
		}

		// Slow wave in [0,1]; ~40-step period.
		wave := noise.Eval2(float64(step)/40, 0.5)
		stepPolicy := policy
		stepPolicy.ArrivalBaseMin = 1 + int(math.Round(wave*2))
		stepPolicy.ArrivalBaseMax = stepPolicy.ArrivalBaseMin + 1 + int(math.Round(wave*2))
		stepPolicy.ArrivalBurstProb = policy.ArrivalBurstProb * (0.5 + wave)

		state = engine.ExecuteAutoTick(state, len(engine.GuideSteps)+step, stepPolicy)
		state.Tick = step
	}

	// Drain in-flight tasks before summarizing.
	drain := policy
	drain.SuspendArrivals = true
	for i := 0; i < 24; i++ {
		state = engine.ExecuteAutoTick(state, state.Phase+1, drain)
	}

	return summarizeWaveTrial(trial, state)
}

func summarizeWaveTrial(trial int, state engine.State) engine.TrialResult {
	result := engine.TrialResult{Trial: trial, ClientBalance: state.ClientBalance, RouteShares: map[agent.ID]float64{}}

	for _, t := range state.Tasks {
		switch t.Status {
		case "COMMITTED":
			result.Committed++
			if t.Payment > 0 {
				result.CommitGross += t.Payment
			}
		case "ABORTED":
			result.Failed++
		case "RESERVE", "DISPATCH", "VALIDATE", "INIT":
			result.Inflight++
		}
	}

	routeCounts := map[agent.ID]int{}
	for _, entry := range state.Ledger {
		switch entry.Action {
		case engine.LedgerRoute:
			result.Routes++
			routeCounts[entry.AgentID]++
		case engine.LedgerBancorTax, engine.LedgerBancorFee:
			result.ClearingOutflow += math.Abs(entry.DeltaBalance)
		}
	}
	for id, count := range routeCounts {
		share := float64(count) / math.Max(1, float64(result.Routes))
		result.RouteShares[id] = share
		if share > result.Top1Share {
			result.Top1Share = share
		}
		result.HHI += share * share
	}
	result.ActiveRouteNodes = len(routeCounts)
	if result.CommitGross > 1e-9 {
		result.ClearingToCommitRatio = result.ClearingOutflow / result.CommitGross
	}
	for _, a := range state.Agents {
		if a.Status == agent.StatusIsolated {
			result.Isolated++
		}
	}
	for _, issue := range engine.ValidateState(state) {
		result.Issues = append(result.Issues, issue)
	}
	return result
}

type report struct {
	Scenario    string                   `json:"scenario"`
	Trials      int                      `json:"trials"`
	Steps       int                      `json:"steps"`
	Failed      int                      `json:"failedTrials"`
	Averages    map[string]float64       `json:"averages"`
	IssueCounts map[engine.IssueCode]int `json:"issueCounts"`
	RouteShares map[agent.ID]float64     `json:"routeShares"`
	Samples     []engine.TrialResult     `json:"samples"`
}

func aggregate(scenario string, opts cliOptions, results []engine.TrialResult) report {
	rep := report{
		Scenario:    scenario,
		Trials:      len(results),
		Steps:       opts.steps,
		Averages:    map[string]float64{},
		IssueCounts: map[engine.IssueCode]int{},
		RouteShares: map[agent.ID]float64{},
	}

	shareTotals := map[agent.ID]float64{}
	for _, result := range results {
		if len(result.Issues) > 0 {
			rep.Failed++
			if len(rep.Samples) < opts.maxSamples {
				rep.Samples = append(rep.Samples, result)
			}
		}
		for _, issue := range result.Issues {
			rep.IssueCounts[issue.Code]++
		}
		rep.Averages["committed"] += float64(result.Committed)
		rep.Averages["failed"] += float64(result.Failed)
		rep.Averages["routes"] += float64(result.Routes)
		rep.Averages["budgetSkipRatio"] += result.BudgetSkipRatio
		rep.Averages["top1Share"] += result.Top1Share
		rep.Averages["hhi"] += result.HHI
		rep.Averages["activeRouteNodes"] += float64(result.ActiveRouteNodes)
		rep.Averages["clearingToCommitRatio"] += result.ClearingToCommitRatio
		rep.Averages["clientBalance"] += result.ClientBalance
		for id, share := range result.RouteShares {
			shareTotals[id] += share
		}
	}
	n := math.Max(1, float64(len(results)))
	for key := range rep.Averages {
		rep.Averages[key] /= n
	}
	for id, total := range shareTotals {
		rep.RouteShares[id] = total / n
	}
	return rep
}

func renderMarkdown(rep report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# creditdiag report\n\n")
	fmt.Fprintf(&b, "- scenario: %s\n", rep.Scenario)
	fmt.Fprintf(&b, "- trials: %s, steps each: %s\n",
		humanize.Comma(int64(rep.Trials)), humanize.Comma(int64(rep.Steps)))
	fmt.Fprintf(&b, "- trials with findings: %d\n\n", rep.Failed)

	fmt.Fprintf(&b, "## Averages\n\n")
	keys := make([]string, 0, len(rep.Averages))
	for key := range rep.Averages {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", key, humanize.CommafWithDigits(rep.Averages[key], 3))
	}

	if len(rep.IssueCounts) > 0 {
		fmt.Fprintf(&b, "\n## Findings\n\n")
		codes := make([]string, 0, len(rep.IssueCounts))
		for code := range rep.IssueCounts {
			codes = append(codes, string(code))
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "- %s: %d\n", code, rep.IssueCounts[engine.IssueCode(code)])
		}
	}

	if len(rep.RouteShares) > 0 {
		fmt.Fprintf(&b, "\n## Route shares\n\n")
		ids := make([]string, 0, len(rep.RouteShares))
		for id := range rep.RouteShares {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s: %.1f%%\n", id, rep.RouteShares[agent.ID(id)]*100)
		}
	}
	return b.String()
}

func main() {
	opts := cliOptions{}
	flag.IntVar(&opts.trials, "trials", 100, "number of trials")
	flag.IntVar(&opts.steps, "steps", 200, "autonomous ticks per trial")
	flag.StringVar(&opts.scenario, "scenario", "ui", "baseline | ui | wave")
	flag.IntVar(&opts.clearEvery, "clear-every", engine.AutoClearInterval, "clearing cadence in steps")
	flag.Float64Var(&opts.clientBalance, "client-balance", 1_000_000, "initial client budget")
	addNodesRaw := flag.String("add-nodes-at", "20,40,60", "steps at which bootstrapped nodes join")
	flag.StringVar(&opts.jsonOut, "json-out", "", "write full report JSON here")
	flag.StringVar(&opts.mdOut, "md-out", "", "write markdown report here")
	flag.StringVar(&opts.dbPath, "db", "", "archive trial results to this SQLite file")
	flag.IntVar(&opts.maxSamples, "max-samples", 12, "failing trials kept in the report")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	opts.addNodesAt = parseAddNodesAt(*addNodesRaw)
	if opts.trials < 1 {
		opts.trials = 1
	}
	if opts.steps < 1 {
		opts.steps = 1
	}
	policy := scenarioPolicy(opts.scenario, opts.clearEvery)

	var db *persistence.DB
	runID := ""
	if opts.dbPath != "" {
		os.MkdirAll(filepath.Dir(opts.dbPath), 0755)
		var err error
		db, err = persistence.Open(opts.dbPath)
		if err != nil {
			slog.Error("failed to open archive", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		runID, err = db.BeginRun(engine.DefaultSeed, "creditdiag:"+opts.scenario)
		if err != nil {
			slog.Error("failed to register run", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("running trials", "scenario", opts.scenario, "trials", opts.trials, "steps", opts.steps)

	results := make([]engine.TrialResult, 0, opts.trials)
	for trial := 1; trial <= opts.trials; trial++ {
		var result engine.TrialResult
		if opts.scenario == "wave" {
			result = runWaveTrial(trial, opts, policy)
		} else {
			result = engine.RunTrial(trial, engine.TrialConfig{
				Steps:         opts.steps,
				ClientBalance: opts.clientBalance,
				AddNodesAt:    opts.addNodesAt,
				Policy:        policy,
			})
		}
		results = append(results, result)

		if db != nil {
			if err := db.SaveTrial(runID, result); err != nil {
				slog.Error("archive trial failed", "trial", trial, "error", err)
			}
		}
		if len(result.Issues) > 0 {
			slog.Warn("trial finished with findings", "trial", trial, "issues", len(result.Issues))
		}
	}

	rep := aggregate(opts.scenario, opts, results)

	if opts.jsonOut != "" {
		raw, err := json.MarshalIndent(rep, "", "  ")
		if err == nil {
			err = os.WriteFile(opts.jsonOut, raw, 0644)
		}
		if err != nil {
			slog.Error("write json report failed", "error", err)
		}
	}
	markdown := renderMarkdown(rep)
	if opts.mdOut != "" {
		if err := os.WriteFile(opts.mdOut, []byte(markdown), 0644); err != nil {
			slog.Error("write markdown report failed", "error", err)
		}
	}
	fmt.Print(markdown)

	if rep.Failed > 0 {
		os.Exit(1)
	}
}
