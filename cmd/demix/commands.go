package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talgya/hhe-demix/internal/persistence"
	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/synth"
	"github.com/talgya/hhe-demix/internal/table"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	tablePath string
	dbPath    string
	tuning    string
	synthetic bool
	workers   int
	jsonOut   bool
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "demix",
		Short: "Query an H/He demixing phase diagram",
		Long: `demix builds a phase diagram from a tabulated H/He demixing curve set
(helium fraction x, pressure P in Mbar, temperature T in K) and answers
miscibility gap and critical temperature queries.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			_ = level.UnmarshalText([]byte(opts.logLevel))
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.tablePath, "table", "demixHHe.dat", "demixing table file")
	pf.StringVar(&opts.dbPath, "db", "", "SQLite database; used as the table source when --table is not given")
	pf.StringVar(&opts.tuning, "tuning", "", "YAML cleaning constants (default: Lorenzen et al. 2011)")
	pf.BoolVar(&opts.synthetic, "synthetic", false, "use the built-in synthetic table")
	pf.IntVar(&opts.workers, "workers", 0, "goroutines for construction and profiles (0 = unbounded)")
	pf.BoolVar(&opts.jsonOut, "json", false, "print JSON")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(
		newGapCmd(opts),
		newTCritCmd(opts),
		newNodesCmd(opts),
		newProfileCmd(opts),
		newSynthCmd(),
		newImportCmd(opts),
	)
	return root
}

// samples resolves the table source: --synthetic, an explicit --table, or
// the table stored in --db.
func (o *options) samples(cmd *cobra.Command) ([]table.Sample, string, error) {
	switch {
	case o.synthetic:
		return synth.Generate(synth.DefaultConfig()), "synthetic", nil
	case o.dbPath != "" && !cmd.Flags().Changed("table"):
		db, err := persistence.Open(o.dbPath)
		if err != nil {
			return nil, "", err
		}
		defer db.Close()
		s, err := db.LoadSamples()
		if err != nil {
			return nil, "", err
		}
		if len(s) == 0 {
			return nil, "", fmt.Errorf("database %s holds no table; run demix import first", o.dbPath)
		}
		return s, o.dbPath, nil
	default:
		s, err := table.Load(o.tablePath)
		return s, o.tablePath, err
	}
}

func (o *options) config() (phase.Config, error) {
	cfg := phase.DefaultConfig()
	cfg.Workers = o.workers
	if o.tuning != "" {
		tu, err := phase.LoadTuning(o.tuning)
		if err != nil {
			return cfg, err
		}
		cfg.Tuning = tu
	}
	return cfg, nil
}

func (o *options) engine(cmd *cobra.Command) (*phase.Engine, error) {
	samples, _, err := o.samples(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return phase.New(cmd.Context(), samples, cfg)
}

func parseFloatArg(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, v)
	}
	return f, nil
}

type gapOutput struct {
	P      float64      `json:"p"`
	T      float64      `json:"t"`
	Status phase.Status `json:"status"`
	XPoor  float64      `json:"x_poor"`
	XRich  float64      `json:"x_rich"`
	YPoor  float64      `json:"y_poor"`
	YRich  float64      `json:"y_rich"`
}

func newGapOutput(pt phase.PT, g phase.Gap) gapOutput {
	out := gapOutput{P: pt.P, T: pt.T, Status: g.Status}
	if g.Status == phase.TwoPhase {
		out.XPoor, out.XRich = g.XPoor, g.XRich
		out.YPoor, out.YRich = g.MassFractions()
	}
	return out
}

func writeGaps(w io.Writer, rows []gapOutput, asJSON bool) error {
	if asJSON {
		return outputJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "P_Mbar\tT_kK\tSTATUS\tX_POOR\tX_RICH\tY_POOR\tY_RICH")
	for _, r := range rows {
		if r.Status != phase.TwoPhase {
			fmt.Fprintf(tw, "%g\t%g\t%s\t-\t-\t-\t-\n", r.P, r.T, r.Status)
			continue
		}
		fmt.Fprintf(tw, "%g\t%g\t%s\t%.6f\t%.6f\t%.6f\t%.6f\n",
			r.P, r.T, r.Status, r.XPoor, r.XRich, r.YPoor, r.YRich)
	}
	return tw.Flush()
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "gap P T",
		Short: "Helium fractions of the coexisting phases at P (Mbar) and T (kK)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseFloatArg("P", args[0])
			if err != nil {
				return err
			}
			t, err := parseFloatArg("T", args[1])
			if err != nil {
				return err
			}
			e, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			pt := phase.PT{P: p, T: t}
			return writeGaps(cmd.OutOrStdout(), []gapOutput{newGapOutput(pt, e.MiscibilityGap(p, t))}, opts.jsonOut)
		},
	}
}

func newTCritCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tcrit P",
		Short: "Critical temperature (kK) at P (Mbar)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseFloatArg("P", args[0])
			if err != nil {
				return err
			}
			e, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			tc, err := e.CriticalTemperature(p)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return outputJSON(cmd.OutOrStdout(), map[string]float64{"p": p, "tcrit": tc})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", tc)
			return nil
		},
	}
}

func newNodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Summarize the pressure nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			nodes := e.Nodes()
			if opts.jsonOut {
				return outputJSON(cmd.OutOrStdout(), nodes)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "P_Mbar\tRAW\tCLEAN\tTCRIT_kK\tXCRIT\tLOW_T\tHIGH_T")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%g\t%d\t%d\t%.4f\t%.4f\t%.3f-%.3f\t%.3f-%.3f\n",
					n.Pressure, n.RawSamples, n.CleanedSamples, n.TCrit, n.XCrit,
					n.LowTMin, n.LowTMax, n.HighTMin, n.HighTMax)
			}
			return tw.Flush()
		},
	}
}

func newProfileCmd(opts *options) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "profile [FILE]",
		Short: "Evaluate a P-T profile read as \"P T\" lines from FILE or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			points, err := readProfile(in)
			if err != nil {
				return err
			}
			if save && opts.dbPath == "" {
				return errors.New("--save needs --db")
			}

			e, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			gaps, err := e.Profile(cmd.Context(), points, opts.workers)
			if err != nil {
				return err
			}

			if save {
				db, err := persistence.Open(opts.dbPath)
				if err != nil {
					return err
				}
				defer db.Close()
				id, err := db.SaveProfile(points, gaps)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "saved profile", id)
			}

			rows := make([]gapOutput, len(points))
			for i := range points {
				rows[i] = newGapOutput(points[i], gaps[i])
			}
			return writeGaps(cmd.OutOrStdout(), rows, opts.jsonOut)
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the run in --db")
	return cmd
}

// readProfile parses whitespace-separated "P T" lines; # comments and
// blank lines are skipped.
func readProfile(r io.Reader) ([]phase.PT, error) {
	var points []phase.PT
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("profile line %d: want 2 columns, got %d", line, len(fields))
		}
		p, err := parseFloatArg("P", fields[0])
		if err != nil {
			return nil, fmt.Errorf("profile line %d: %w", line, err)
		}
		t, err := parseFloatArg("T", fields[1])
		if err != nil {
			return nil, fmt.Errorf("profile line %d: %w", line, err)
		}
		points = append(points, phase.PT{P: p, T: t})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.New("profile has no points")
	}
	return points, nil
}

func newSynthCmd() *cobra.Command {
	cfg := synth.DefaultConfig()
	var out string
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a synthetic demixing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return table.Write(w, synth.Generate(cfg))
		},
	}
	cmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "noise seed (0 = random)")
	cmd.Flags().Float64Var(&cfg.Jitter, "jitter", cfg.Jitter, "sample position jitter in sample spacings")
	cmd.Flags().BoolVar(&cfg.Plateau, "plateau", cfg.Plateau, "duplicate the hottest sample of the first node")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Validate a demixing table and store it with its node summaries in --db",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dbPath == "" {
				return errors.New("import needs --db")
			}
			samples, err := table.Load(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			e, err := phase.New(cmd.Context(), samples, cfg)
			if err != nil {
				return err
			}
			db, err := persistence.Open(opts.dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SaveDiagram(samples, e, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d samples, %d nodes\n", len(samples), len(e.Pressures()))
			return nil
		},
	}
}
