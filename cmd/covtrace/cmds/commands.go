package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/covtrace/pkg/config"
	"github.com/go-delve/covtrace/pkg/logflags"
	"github.com/go-delve/covtrace/pkg/proc"
	"github.com/go-delve/covtrace/pkg/proc/linutil"
	"github.com/go-delve/covtrace/pkg/proc/native"
	"github.com/go-delve/covtrace/pkg/symbols"
	"github.com/go-delve/covtrace/pkg/tracesink"
	"github.com/go-delve/covtrace/pkg/version"
)

var (
	// flagConf receives the command line flags, only the flags that were
	// set override the configuration file.
	flagConf config.Config
	// configPath is the configuration file, $HOME/.covtrace/config.yml by
	// default.
	configPath string
	// attachPid is the process to attach to instead of launching one.
	attachPid int
	// workingDir is the working directory of the launched program.
	workingDir string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

const covtraceCommandLongDesc = `covtrace is a breakpoint coverage tracer for Linux programs.

A one shot breakpoint is set at every code symbol of the traced module, as
listed by a symbol table dump (the output of nm or 'go tool nm'). Every time
a breakpoint is hit a trace line is printed, the program then keeps running.
The trace ends when every thread of the program has exited, or with a crash
report when a thread receives a crash signal (SIGSEGV, SIGILL, SIGFPE,
SIGABRT, SIGUSR1, SIGUSR2 by default).

Pass the program to trace and its arguments after ` + "`--`" + `, for example:

` + "`covtrace -p -s nm.out -- ./server --config conf/config.toml`"

// errUsage marks errors caused by a bad command line.
var errUsage = errors.New("usage error")

// New returns an initialized command tree.
func New() *cobra.Command {
	flagConf = config.Config{}
	configPath = ""
	attachPid = 0
	workingDir = ""

	rootCommand = &cobra.Command{
		Use:   "covtrace [flags] -- <program> [args...]",
		Short: "covtrace records which functions of a program are executed.",
		Long:  covtraceCommandLongDesc,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return traceCmd(cmd, args)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCommand.Flags()
	flags.BoolVarP(&flagConf.PIE, "pie", "p", false, "The target is a position independent executable, symbol addresses are relative to its load base.")
	flags.BoolVarP(&flagConf.Verbose, "verbose", "v", false, "Verbose diagnostics, enables every log component.")
	flags.BoolVarP(&flagConf.HitCount, "hit-count", "c", false, "Re-arm breakpoints after each hit and print a hit count summary.")
	flags.StringVarP(&flagConf.Module, "module", "m", "", "Name of the mapped file to instrument (default the target executable).")
	flags.StringVarP(&flagConf.Symbols, "symbols", "s", config.DefaultSymbols, "Symbol table dump of the module.")
	flags.StringSliceVarP(&flagConf.Filter, "filter", "f", nil, "Only instrument symbols starting with one of these prefixes.")
	flags.Uint64Var(&flagConf.ModuleBase, "module-base", 0, "Load base subtracted from the symbol addresses of a non position independent module.")
	flags.StringVar(&flagConf.Redirect, "redirect", "", "File receiving the standard output and standard error of the target.")
	flags.StringVar(&flagConf.Stdin, "stdin", "", "File used as standard input of the target.")
	flags.StringVar(&flagConf.TraceOutput, "trace-output", "", "Write trace lines to this file instead of standard error.")
	flags.StringSliceVar(&flagConf.CrashSignals, "crash-signals", nil, "Signals that end the trace as a crash (default SIGSEGV,SIGILL,SIGFPE,SIGABRT,SIGUSR1,SIGUSR2).")
	flags.IntVar(&attachPid, "attach", 0, "Attach to a running process instead of launching one.")
	flags.StringVar(&workingDir, "wd", "", "Working directory of the launched program.")

	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $HOME/.covtrace/config.yml).")
	rootCommand.PersistentFlags().BoolVarP(&flagConf.Log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&flagConf.LogOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'covtrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&flagConf.LogDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'covtrace help log').")

	// 'version' subcommand.
	var versionVerbose bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "covtrace\n%s\n", version.CovtraceVersion)
			if versionVerbose {
				fmt.Fprintf(stdout, "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tracer		Log the events handled by the tracer (default)
	symbols		Log skipped records of the symbol source
	breakpoints	Log breakpoint installation and restoration
	native		Log ptrace requests and wait statuses
	maps		Log module lookups in /proc/<pid>/maps
	all		Enable every component

The -v flag is a shorthand for --log --log-output=all.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.SetOut(stdout)
	rootCommand.SetErr(stderr)
	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// Execute runs the command line args and returns the exit status.
func Execute(args []string) int {
	cmd := New()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errTrace) {
		// bad flags, stray arguments or a missing target
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return 1
}

// errTrace marks errors already reported while tracing.
var errTrace = errors.New("tracing failed")

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// loadConfig reads the configuration file and overrides it with the flags
// set on the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "pie":
			conf.PIE = flagConf.PIE
		case "verbose":
			conf.Verbose = flagConf.Verbose
		case "hit-count":
			conf.HitCount = flagConf.HitCount
		case "module":
			conf.Module = flagConf.Module
		case "symbols":
			conf.Symbols = flagConf.Symbols
		case "filter":
			conf.Filter = flagConf.Filter
		case "module-base":
			conf.ModuleBase = flagConf.ModuleBase
		case "redirect":
			conf.Redirect = flagConf.Redirect
		case "stdin":
			conf.Stdin = flagConf.Stdin
		case "trace-output":
			conf.TraceOutput = flagConf.TraceOutput
		case "crash-signals":
			conf.CrashSignals = flagConf.CrashSignals
		case "log":
			conf.Log = flagConf.Log
		case "log-output":
			conf.LogOutput = flagConf.LogOutput
		case "log-dest":
			conf.LogDest = flagConf.LogDest
		}
	})
	return conf, nil
}

func traceCmd(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(cmd.Flags())
	if err != nil {
		return usageError("%v", err)
	}
	extra, targetArgs := splitArgs(cmd, args)
	if len(extra) > 0 {
		return usageError("unexpected arguments %q, the target program must follow --", extra)
	}
	if len(targetArgs) == 0 {
		targetArgs, err = conf.TargetArgs()
		if err != nil {
			return usageError("bad target in configuration: %v", err)
		}
	}
	switch {
	case attachPid == 0 && len(targetArgs) == 0:
		return usageError("you must provide a program to trace")
	case attachPid != 0 && len(targetArgs) > 0:
		return usageError("can not launch a program when attaching to a process")
	case attachPid < 0:
		return usageError("invalid pid %d", attachPid)
	}
	opts, err := conf.Options()
	if err != nil {
		return usageError("%v", err)
	}

	logFlag, logOutput := conf.Log, conf.LogOutput
	if conf.Verbose {
		logFlag, logOutput = true, "all"
	}
	if err := logflags.Setup(logFlag, logOutput, conf.LogDest); err != nil {
		return usageError("%v", err)
	}
	defer logflags.Close()
	logflags.SetRunID(uuid.New().String())
	defer logflags.SetRunID("")

	if err := trace(conf, opts, targetArgs); err != nil {
		fmt.Fprintf(stderr, "covtrace: fatal: %v\n", err)
		return fmt.Errorf("%w: %w", errTrace, err)
	}
	return nil
}

// trace runs one tracing session. A crash of the target is not an error.
func trace(conf *config.Config, opts proc.Options, targetArgs []string) error {
	log := logflags.TracerLogger()

	catalog, err := symbols.Load(symbols.NmReader{PIE: conf.PIE, ModuleBase: conf.ModuleBase}, conf.Symbols)
	switch {
	case errors.Is(err, symbols.ErrSourceUnavailable):
		fmt.Fprintf(stderr, "Warning: %v, no breakpoint will be set\n", err)
	case err != nil:
		return err
	}
	if len(conf.Filter) > 0 {
		catalog = catalog.Filter(conf.Filter...)
	}

	out, closeOut, err := traceOutput(conf.TraceOutput)
	if err != nil {
		return err
	}
	defer closeOut()
	console := tracesink.NewConsole(out, conf.HitCount)
	sink := tracesink.Multi{console}
	var counter *tracesink.Counter
	if conf.HitCount {
		counter = tracesink.NewCounter()
		sink = append(sink, counter)
	}

	var p *native.Process
	if attachPid != 0 {
		p, err = native.Attach(attachPid)
	} else {
		p, err = native.Launch(targetArgs, native.LaunchConfig{Stdin: conf.Stdin, Redirect: conf.Redirect, Dir: workingDir})
	}
	if err != nil {
		return err
	}
	defer func() {
		var cerr error
		if attachPid != 0 {
			cerr = p.Detach()
		} else {
			cerr = p.Kill()
		}
		if cerr != nil {
			log.Warnf("could not release process %d: %v", p.Pid(), cerr)
		}
	}()

	module := conf.Module
	if module == "" {
		module = p.Executable()
	}

	tracer := proc.NewTracer(p, catalog, linutil.NewLocator(), sink, &opts)
	n, err := tracer.Install(module)
	if err != nil {
		return err
	}
	log.Debugf("%d breakpoints installed in %s %s", n, module, tracer.ModuleRange())

	outcome, err := tracer.Run()
	if rerr := tracer.Release(); rerr != nil {
		log.Warnf("%v", rerr)
	}
	if counter != nil {
		if serr := counter.Summary(out, tracer.Breakpoints().Len()); serr != nil {
			log.Warnf("could not write summary: %v", serr)
		}
	}
	if err != nil {
		return err
	}
	log.Debugf("trace of %d finished: %s", p.Pid(), outcome.Kind)
	return nil
}

// traceOutput opens the destination of trace lines, standard error when
// path is empty.
func traceOutput(path string) (*os.File, func(), error) {
	if path == "" {
		if f, ok := stderr.(*os.File); ok {
			return f, func() {}, nil
		}
		return os.Stderr, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create trace output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
