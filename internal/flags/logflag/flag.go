// Package logflag registers the three-flag logging trio (--log-format,
// --log-level, --log-output) on a cobra command and builds a log/slog
// logger from whatever the user set them to.
//
// Grounded on the teacher's cli/log package: only its tests survived
// retrieval, so this is written fresh to the behavior they pin down, kept
// in the teacher's three-flag shape and log/slog choice.
package logflag

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	FormatFlagName = "log-format"
	LevelFlagName  = "log-level"
	OutputFlagName = "log-output"

	FormatJSON = "json"
	FormatText = "text"

	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// RegisterLoggingFlags adds the logging trio to fs, defaulting to text
// format, info level, and stderr output.
func RegisterLoggingFlags(fs *pflag.FlagSet) {
	fs.String(FormatFlagName, FormatText, fmt.Sprintf("log output format (%s, %s)", FormatJSON, FormatText))
	fs.String(LevelFlagName, LevelInfo, fmt.Sprintf("log level (%s, %s, %s, %s)", LevelDebug, LevelInfo, LevelWarn, LevelError))
	fs.String(OutputFlagName, OutputStderr, fmt.Sprintf("log output stream (%s, %s)", OutputStdout, OutputStderr))
}

func loggerLevelFromCommand(cmd *cobra.Command) (slog.Level, error) {
	level, err := cmd.Flags().GetString(LevelFlagName)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", LevelFlagName, err)
	}
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo:
		return slog.LevelInfo, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

func loggerOutputFromCommand(cmd *cobra.Command) (*os.File, error) {
	output, err := cmd.Flags().GetString(OutputFlagName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", OutputFlagName, err)
	}
	switch strings.ToLower(output) {
	case OutputStdout:
		return os.Stdout, nil
	case OutputStderr:
		return os.Stderr, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", output)
	}
}

// GetBaseLogger builds a slog.Logger from whatever the logging trio is
// currently set to on cmd.
func GetBaseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	format, err := cmd.Flags().GetString(FormatFlagName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FormatFlagName, err)
	}
	level, err := loggerLevelFromCommand(cmd)
	if err != nil {
		return nil, err
	}
	out, err := loggerOutputFromCommand(cmd)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(handler), nil
}
