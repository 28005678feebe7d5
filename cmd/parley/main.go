package main

import (
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/parleychat/parley/api"
	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/moderation"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/preview"
	"github.com/parleychat/parley/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		globals.AppLogger.Error("no persistence configured, set persistence.type and persistence.dsn")
		os.Exit(1)
	}
	defer persister.Close()

	filter, err := moderation.NewFilter(globalConfig.ModerationConfig.Words, globalConfig.ModerationConfig.FlagExpression)
	if err != nil {
		panic(err)
	}
	previewer, err := preview.NewFetcher(globalConfig)
	if err != nil {
		panic(err)
	}

	manager, err := ws.NewSessionManager(globalConfig, persister, filter, previewer)
	if err != nil {
		panic(err)
	}
	manager.Run()
	defer manager.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Info("interrupted, shutting down")
		manager.Close()
		persister.Close()
		os.Exit(0)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/chat/{room:[a-z0-9-_.]+}", manager.WebsocketHandler).Methods(http.MethodGet)
	(&api.API{Persister: persister}).Routes(router)

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, router)
	} else {
		err = http.ListenAndServe(*addr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}
