// Command gazepipe runs the offline eye tracking pipeline over a recording:
// pupil detection, gaze mapping and calibration accuracy evaluation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/journal"
	"github.com/aneshas/gazepipe/journal/run"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options are the flags shared by every command
type Options struct {
	Config        string `long:"config" env:"GAZEPIPE_CONFIG" description:"YAML configuration file"`
	LogLevel      string `long:"log-level" default:"info" description:"log level"`
	LogFormat     string `long:"log-format" default:"text" choice:"text" choice:"json" description:"log format"`
	SharedModules string `long:"shared-modules" env:"CORE_SHARED_MODULES_LOCATION" description:"search path of the detector worker modules"`
	Journal       string `long:"journal" env:"GAZEPIPE_JOURNAL" description:"sqlite journal recording notifications and runs"`
	JournalDSN    string `long:"journal-dsn" env:"GAZEPIPE_JOURNAL_DSN" description:"postgres journal dsn, takes precedence over --journal"`
}

type app struct {
	opts   Options
	ctx    context.Context
	logger *logrus.Logger
	config gazepipe.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{ctx: ctx}

	parser := flags.NewParser(&a.opts, flags.Default)

	addCommands(parser, a)

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		if err := a.setup(); err != nil {
			return err
		}

		return cmd.Execute(args)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		if a.logger != nil {
			a.logger.WithError(err).Error("gazepipe failed")
		}

		os.Exit(1)
	}
}

func addCommands(parser *flags.Parser, a *app) {
	commands := []struct {
		name, short string
		data        flags.Commander
	}{
		{"detect", "Detect pupils in the eye videos of a recording", &detectCommand{app: a}},
		{"map", "Calibrate and map pupil data to gaze", &mapCommand{app: a}},
		{"accuracy", "Evaluate the accuracy and precision of recorded calibrations", &accuracyCommand{app: a}},
		{"run", "Run detection, mapping and evaluation in one go", &runCommand{app: a}},
		{"journal", "Inspect or export the notification journal", &journalCommand{app: a}},
	}

	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			panic(err)
		}
	}
}

func (a *app) setup() error {
	logger, err := gazepipe.NewLogger(a.opts.LogLevel, a.opts.LogFormat)
	if err != nil {
		return err
	}

	a.logger = logger

	if a.opts.Config != "" {
		a.config, err = gazepipe.LoadConfig(a.opts.Config)
	} else {
		a.config, err = gazepipe.NewConfig()
	}

	if err != nil {
		return err
	}

	if a.opts.SharedModules != "" {
		// the detector worker inherits the environment
		if err := os.Setenv("CORE_SHARED_MODULES_LOCATION", a.opts.SharedModules); err != nil {
			return err
		}
	}

	return nil
}

// openJournal returns nil when no journal is configured
func (a *app) openJournal() (*journal.Journal, error) {
	var opt journal.Option

	switch {
	case a.opts.JournalDSN != "":
		opt = journal.WithPostgresDB(a.opts.JournalDSN)
	case a.opts.Journal != "":
		opt = journal.WithSQLiteDB(a.opts.Journal)
	default:
		return nil, nil
	}

	return journal.Open(run.Encoder(), opt, journal.WithLogger(a.logger))
}

// recordingOptions locate the recording a command works on
type recordingOptions struct {
	Recording string `long:"recording" short:"r" env:"RECORDING_LOCATION" description:"recording directory"`
}

func (o recordingOptions) recording() (string, error) {
	if o.Recording == "" {
		return "", errors.New("recording location must be provided (--recording or RECORDING_LOCATION)")
	}

	info, err := os.Stat(o.Recording)
	if err != nil {
		return "", errors.Wrap(err, "recording")
	}

	if !info.IsDir() {
		return "", errors.Errorf("recording %s is not a directory", o.Recording)
	}

	return o.Recording, nil
}
