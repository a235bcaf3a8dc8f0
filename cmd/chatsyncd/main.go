package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/campusnet/chatsync/internal/config"
	"github.com/campusnet/chatsync/internal/daemon"
	"github.com/campusnet/chatsync/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatsync/config.toml)")
	flag.Parse()

	sessionName, from := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v (set by %s)\n", err, from)
		os.Exit(1)
	}

	p := daemon.Params{SessionName: sessionName}
	if *configFlag != "" {
		cfg, err := config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		p.Config = cfg
	}

	app := fx.New(
		daemon.Module(p),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}
