package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/3leaps/supdate/internal/cli"
	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/filesync"
	"github.com/3leaps/supdate/internal/hostenv"
	"github.com/3leaps/supdate/internal/logging"
	"github.com/3leaps/supdate/internal/manifest"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/pipeline"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/transport"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
	"github.com/3leaps/supdate/pkg/update"
)

var version = "dev"

// maxRounds bounds how often apply runs again when reCheck is set.
const maxRounds = 5

type globalOptions struct {
	configFile string
	argsFile   string
	verbosity  int
	strict     bool
	noColor    bool
	selfDir    string
	gpgBin     string
}

// app carries the per-invocation state shared by the subcommands.
type app struct {
	opts     globalOptions
	fs       afero.Fs
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	logger   zerolog.Logger
	closeLog func() error
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{
		fs:       afero.NewOsFs(),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		logger:   zerolog.Nop(),
		closeLog: func() error { return nil },
	}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	_ = a.closeLog()
	if err != nil {
		a.report(err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

func (a *app) report(err error) {
	fmt.Fprintf(a.stderr, "error: %v\n", err)
	details := errors.DetailsOf(err)
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.stderr, "  %s: %v\n", k, details[k])
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "supdate",
		Short: "Trust-gated software update deployment",
		Long: `supdate reads a release manifest, picks the newest release for the installed
product, verifies its signature and digests, and replaces the installed files
transactionally.

Engine options follow "--" in "-name value" form, for example:

  supdate apply -- -coreDirectory /opt/app/bin -whatIf true`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.setupLogging(a.opts.verbosity, "")
			a.logger.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Wrap(err, errors.ErrUsage, "invalid flags")
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configFile, "config", "", "TOML or YAML settings file")
	flags.StringVar(&a.opts.argsFile, "args-file", "", "argument file (default <updater>.args when present)")
	flags.CountVarP(&a.opts.verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	flags.BoolVar(&a.opts.strict, "strict", false, "treat argument problems and self-check failures as fatal")
	flags.BoolVar(&a.opts.noColor, "no-color", false, "disable colored log output")
	flags.StringVar(&a.opts.selfDir, "self-dir", "", "directory of the updater being maintained (default: the running executable's)")
	flags.StringVar(&a.opts.gpgBin, "gpg-bin", "gpg", "path to gpg executable for .asc/.gpg public keys")

	root.AddCommand(
		a.checkCommand(),
		a.applyCommand(),
		a.planCommand(),
		a.hashCommand(),
		a.manifestLineCommand(),
		a.versionCommand(),
	)
	return root
}

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(validate(cmd, args), errors.ErrUsage, "invalid arguments")
	}
}

func (a *app) setupLogging(verbosity int, logFile string) {
	_ = a.closeLog()
	a.logger, a.closeLog = logging.Setup(logging.Options{
		Verbosity: verbosity,
		LogFile:   logFile,
		NoColor:   a.opts.noColor,
		Console:   a.stderr,
	})
}

func (a *app) selfPath() (string, error) {
	self, err := selfupdate.SelfPath(a.opts.selfDir)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrFilesystem, "locate updater")
	}
	return self, nil
}

// loadConfig layers the settings file, environment, argument file and the
// engine arguments, then applies the verbose, tracing and logging options
// to the logger.
func (a *app) loadConfig(engineArgs []string) (*config.Configuration, string, error) {
	self, err := a.selfPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(config.LoadOptions{
		FS:       a.fs,
		File:     a.opts.configFile,
		ArgsFile: a.opts.argsFile,
		Args:     engineArgs,
		Strict:   a.opts.strict,
		SelfPath: self,
		Logger:   logging.Component(a.logger, "config"),
	})
	if err != nil {
		return nil, "", err
	}

	verbosity := a.opts.verbosity
	if cfg.Verbose && verbosity < 2 {
		verbosity = 2
	}
	if cfg.Tracing {
		verbosity = 3
	}
	var logFile string
	if cfg.Logging {
		logFile = cfg.LogFileName
	}
	if verbosity != a.opts.verbosity || logFile != "" {
		a.setupLogging(verbosity, logFile)
	}
	return cfg, self, nil
}

func (a *app) runner(engineArgs []string) (*pipeline.Runner, error) {
	cfg, self, err := a.loadConfig(engineArgs)
	if err != nil {
		return nil, err
	}
	oracle, err := trust.Select(a.fs, cfg.PublicKey, a.opts.gpgBin)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigInvalid, "publicKey")
	}
	return &pipeline.Runner{
		FS:          a.fs,
		Config:      cfg,
		Oracle:      oracle,
		Source:      transport.New(a.fs, transport.UserAgent(version), logging.Component(a.logger, "transport")),
		Prompter:    &linePrompter{in: bufio.NewReader(a.stdin), out: a.stdout},
		Scheduler:   selfupdate.NewScheduler(logging.Component(a.logger, "selfupdate")),
		Mounts:      hostenv.ReadMounts(a.fs),
		SelfPath:    self,
		Interactive: hostenv.Interactive(),
		Logger:      logging.Component(a.logger, "pipeline"),
	}, nil
}

type checkReport struct {
	Outcome  pipeline.Outcome `json:"outcome"`
	Release  string           `json:"release,omitempty"`
	Version  string           `json:"version,omitempty"`
	Self     bool             `json:"self"`
	Decision update.Decision  `json:"decision"`
	Reason   string           `json:"reason"`
}

func newCheckReport(res *pipeline.Result) checkReport {
	r := checkReport{Outcome: res.Outcome, Decision: res.Decision, Reason: res.Reason}
	if res.Release != nil {
		r.Release = res.Release.String()
		r.Version = res.Release.PatchLevel.String()
		r.Self = res.Release.IsSelf()
	}
	return r
}

func (a *app) checkCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check [-- engine options]",
		Short: "Report whether a newer release is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := a.runner(args)
			if err != nil {
				return err
			}
			res, err := runner.Check(cmd.Context())
			if err != nil {
				return err
			}
			report := newCheckReport(res)
			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(a.stdout, "Release:  %s\n", report.Release)
			fmt.Fprintf(a.stdout, "Status:   %s\n", update.DescribeDecision(report.Decision))
			fmt.Fprintf(a.stdout, "%s\n", report.Reason)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output for CI")
	return cmd
}

func (a *app) applyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [-- engine options]",
		Short: "Download, verify and install the newest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			for round := 1; ; round++ {
				runner, err := a.runner(args)
				if err != nil {
					return err
				}
				res, err := runner.Run(cmd.Context())
				if err != nil {
					return err
				}
				a.printOutcome(res)
				if !res.ReCheck || round >= maxRounds {
					return nil
				}
				a.logger.Info().Int("round", round+1).Msg("Checking for a further release")
			}
		},
	}
}

func (a *app) printOutcome(res *pipeline.Result) {
	switch res.Outcome {
	case pipeline.OutcomeUpToDate:
		fmt.Fprintf(a.stdout, "%s\n", res.Reason)
	case pipeline.OutcomeNotConfirmed:
		fmt.Fprintf(a.stdout, "Update to %s canceled\n", res.Release)
	case pipeline.OutcomeSelfUpdated:
		fmt.Fprintf(a.stdout, "Updater replaced with %s, run it again to update the product\n", res.Release)
	default:
		fmt.Fprintf(a.stdout, "Installed %s\n", res.Release)
		if res.Plan != nil {
			fmt.Fprintf(a.stdout, "  %s\n", res.Plan)
		}
	}
}

func (a *app) planCommand() *cobra.Command {
	var offset, algo string
	cmd := &cobra.Command{
		Use:   "plan <source> <target>",
		Short: "Show which files an update from source would replace in target",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := filesync.New(a.fs, logging.Component(a.logger, "filesync")).Plan(args[0], args[1], offset)
			if err != nil {
				return err
			}
			pending, err := plan.Pending(a.fs, algo)
			if err != nil {
				return err
			}
			changed := make(map[int]bool, len(pending))
			for _, i := range pending {
				changed[i] = true
			}
			added := make(map[string]bool, len(plan.Added))
			for _, p := range plan.Added {
				added[p] = true
			}
			for i := 0; i < plan.Len(); i++ {
				mark := "="
				switch {
				case added[plan.Target[i]]:
					mark = "+"
				case changed[i]:
					mark = "~"
				}
				fmt.Fprintf(a.stdout, "%s %s\n", mark, plan.Relative(i))
			}
			for _, orphan := range plan.Orphans {
				fmt.Fprintf(a.stdout, "  %s (kept)\n", orphan)
			}
			fmt.Fprintf(a.stdout, "%s, %d to copy\n", plan, len(pending))
			return nil
		},
	}
	cmd.Flags().StringVar(&offset, "offset", "", "subdirectory scanned when target is a volume root")
	cmd.Flags().StringVar(&algo, "algo", verify.AlgoSHA512, "digest used to find unchanged files")
	return cmd
}

var manifestAlgos = []string{verify.AlgoMD5, verify.AlgoSHA1, verify.AlgoSHA512}

func (a *app) hashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the digests a manifest line carries for each file",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, file := range args {
				sums, err := verify.HashFiles(a.fs, file, manifestAlgos...)
				if err != nil {
					return errors.Wrapf(err, errors.ErrFilesystem, "hash %s", file)
				}
				for _, algo := range manifestAlgos {
					fmt.Fprintf(a.stdout, "%-6s %s  %s\n", algo, verify.FormatHex(sums[algo]), file)
				}
			}
			return nil
		},
	}
}

type lineOptions struct {
	protocol  string
	name      string
	culture   string
	version   string
	buildType string
	baseURI   string
	token     string
	notes     string
}

func (a *app) manifestLineCommand() *cobra.Command {
	var o lineOptions
	cmd := &cobra.Command{
		Use:   "manifest-line <file> [-- engine options]",
		Short: "Print a manifest line for a release file",
		Long: `Print a manifest line for a release file. Fields not given as flags come from
the configuration: name, culture, public key token and base URI.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.version == "" {
				return errors.New(errors.ErrUsage, "--version is required")
			}
			cfg, _, err := a.loadConfig(args[1:])
			if err != nil {
				return err
			}
			rel, err := o.release(cfg)
			if err != nil {
				return err
			}
			if err := fillDigests(a.fs, rel, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, manifest.FormatLine(rel))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.protocol, "protocol", string(model.ProtocolBuild), "protocol: 1 build, 2 script, 3 self, 4 plugin")
	f.StringVar(&o.name, "name", "", "product name (default from configuration)")
	f.StringVar(&o.culture, "culture", "", "culture (default from configuration)")
	f.StringVar(&o.version, "version", "", "patch level of the release")
	f.StringVar(&o.buildType, "build-type", "", "Debug or Release suffix for build releases")
	f.StringVar(&o.baseURI, "base-uri", "", "base URI of the release (default from configuration)")
	f.StringVar(&o.token, "token", "", "publisher public key token (default from configuration)")
	f.StringVar(&o.notes, "notes", "", "release notes")
	return cmd
}

func (o lineOptions) release(cfg *config.Configuration) (*manifest.Release, error) {
	protocol := model.Protocol(o.protocol)
	if protocol.Bucket() == model.ProtocolBuckets-1 {
		return nil, errors.Newf(errors.ErrUsage, "invalid protocol %q", o.protocol)
	}
	patchLevel, err := update.ParseVersion(o.version)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrUsage, "invalid version %q", o.version)
	}
	rel := &manifest.Release{
		Protocol:       protocol,
		PublicKeyToken: cfg.PublicKeyToken,
		Name:           firstNonEmpty(o.name, cfg.Name),
		PatchLevel:     patchLevel,
		BaseURI:        cfg.BaseURI,
		Notes:          o.notes,
	}
	if rel.Culture, err = model.ParseCulture(firstNonEmpty(o.culture, cfg.Culture)); err != nil {
		return nil, errors.Wrap(err, errors.ErrUsage, "invalid culture")
	}
	if o.buildType != "" {
		if rel.BuildType, err = model.ParseBuildType(o.buildType); err != nil {
			return nil, errors.Wrap(err, errors.ErrUsage, "invalid build type")
		}
	}
	if o.token != "" {
		if rel.PublicKeyToken, err = verify.ParseToken(o.token); err != nil {
			return nil, errors.Wrap(err, errors.ErrUsage, "invalid token")
		}
	}
	if o.baseURI != "" {
		u, err := url.Parse(o.baseURI)
		if err != nil || !u.IsAbs() {
			return nil, errors.Newf(errors.ErrUsage, "base uri %q is not absolute", o.baseURI)
		}
		rel.BaseURI = u
	}
	return rel, nil
}

// fillDigests sets the digests and, from the file's modification time, the
// time stamp.
func fillDigests(fs afero.Fs, rel *manifest.Release, file string) error {
	info, err := fs.Stat(file)
	if err != nil {
		return errors.Wrapf(err, errors.ErrNotFound, "stat %s", file)
	}
	sums, err := verify.HashFiles(fs, file, manifestAlgos...)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "hash %s", file)
	}
	rel.TimeStamp = info.ModTime().UTC()
	rel.MD5 = sums[verify.AlgoMD5]
	rel.SHA1 = sums[verify.AlgoSHA1]
	rel.SHA512 = sums[verify.AlgoSHA512]
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.stdout, "supdate", version)
		},
	}
}

// linePrompter asks yes/no questions on the terminal. An empty answer takes
// the default shown in capitals.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *linePrompter) Confirm(_ context.Context, message string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(p.out, "%s %s ", message, hint)
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.Wrap(err, errors.ErrUsage, "read answer")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return defaultYes, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
