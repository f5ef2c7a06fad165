// Package config reads the covtrace configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path"

	"github.com/cosiner/argv"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/covtrace/pkg/proc"
)

const (
	configDir  string = ".covtrace"
	configFile string = "config.yml"

	// DefaultSymbols is the symbol source used when none is configured.
	DefaultSymbols = "nm.out"
)

// Config defines all configuration options available to be set through
// the config file. Every key has a command line flag of the same name,
// flags take precedence.
type Config struct {
	// PIE is set when the target is position independent.
	PIE bool `yaml:"pie"`
	// Verbose enables every log layer.
	Verbose bool `yaml:"verbose"`
	// HitCount re-arms breakpoints after each hit and prints a summary.
	HitCount bool `yaml:"hit-count"`

	// Module is the path of the mapped file to instrument. Defaults to the
	// target executable.
	Module string `yaml:"module,omitempty"`
	// Symbols is the path of the symbol source.
	Symbols string `yaml:"symbols,omitempty"`
	// Filter restricts instrumentation to symbols with these prefixes.
	Filter []string `yaml:"filter,omitempty"`
	// ModuleBase is subtracted from the addresses of a non-PIE symbol
	// source.
	ModuleBase uint64 `yaml:"module-base,omitempty"`

	// Redirect receives the standard output and error of the target.
	Redirect string `yaml:"redirect,omitempty"`
	// Stdin is used as standard input of the target.
	Stdin string `yaml:"stdin,omitempty"`
	// TraceOutput receives the trace lines instead of stderr.
	TraceOutput string `yaml:"trace-output,omitempty"`

	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output,omitempty"`
	LogDest   string `yaml:"log-dest,omitempty"`

	// CrashSignals replaces the default set of signals that end the trace
	// as a crash, for example ["SIGSEGV", "ABRT", "11"].
	CrashSignals []string `yaml:"crash-signals,omitempty"`

	// Target is the command line of the program to trace, used when none
	// is given on the command line. It is split like a shell would, without
	// backtick or variable expansion.
	Target string `yaml:"target,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{Symbols: DefaultSymbols}
}

// LoadConfig reads the configuration at fname. If fname is empty
// $HOME/.covtrace/config.yml is used. A missing file is not an error.
func LoadConfig(fname string) (*Config, error) {
	if fname == "" {
		var err error
		fname, err = GetConfigFilePath(configFile)
		if err != nil {
			return Default(), nil
		}
	}
	data, err := os.ReadFile(fname)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", fname, err)
	}
	if c.Symbols == "" {
		c.Symbols = DefaultSymbols
	}
	return c, nil
}

// TargetArgs splits Target into the program path and its arguments.
func (c *Config) TargetArgs() ([]string, error) {
	return SplitCommandLine(c.Target)
}

// SplitCommandLine splits a single command line into words. Pipes and
// backticks are rejected.
func SplitCommandLine(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", s)
	}
	return v[0], nil
}

// Signals parses CrashSignals. It returns nil when no signal is
// configured, meaning the default set.
func (c *Config) Signals() ([]unix.Signal, error) {
	if len(c.CrashSignals) == 0 {
		return nil, nil
	}
	r := make([]unix.Signal, 0, len(c.CrashSignals))
	for _, name := range c.CrashSignals {
		sig, ok := proc.ParseSignal(name)
		if !ok {
			return nil, fmt.Errorf("unknown signal %q", name)
		}
		r = append(r, sig)
	}
	return r, nil
}

// Options builds the tracer options described by c.
func (c *Config) Options() (proc.Options, error) {
	sigs, err := c.Signals()
	if err != nil {
		return proc.Options{}, err
	}
	return proc.Options{
		PIE:          c.PIE,
		ModuleBase:   c.ModuleBase,
		Rearm:        c.HitCount,
		Verbose:      c.Verbose,
		CrashSignals: sigs,
	}, nil
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
