package main

import (
	"log/slog"
	"os"
	"path"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

func consoleHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:        level,
		AddSource:    false,
		CustomPrefix: "olsr",
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			// simulation time is carried in the "t" attribute
			if attr.Key == "time" {
				return slog.Attr{}
			}
			return attr
		},
	})
}

// buildLogger fans the log out to the console and, if asked for, to a file.
// The returned function closes the file.
func buildLogger(cmd *cobra.Command) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if ok, _ := cmd.Flags().GetBool("verbose"); ok {
		level = slog.LevelDebug
	}

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers, consoleHandler(level))
	closer := func() {}

	logPath, _ := cmd.Flags().GetString("log-file")
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = func() { f.Close() }
	}

	logger := slog.New(
		slogmulti.Fanout(handlers...))
	return logger, closer, nil
}
