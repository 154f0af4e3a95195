// The privd command runs the privileged token service: it loads the
// configuration, binds the service socket, and drives the event loop until a
// terminating signal arrives.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"github.com/privd/privd"
	"github.com/privd/privd/internal/core"
	"github.com/privd/privd/internal/core/data"
	"github.com/privd/privd/internal/events"
	"github.com/privd/privd/internal/service"
	"github.com/privd/privd/internal/token"
)

var configFlag = flag.String("config", "./", "Path to the directory containing the server config file")

func main() {
	flag.Parse()

	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	config, err := core.LoadConfig(*configFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if err := privd.InitLogger(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// A second instance fighting over the socket would silently steal
	// clients; the lock file makes that a startup error instead.
	lock := flock.New(config.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		privd.Log.Errorf("acquiring lock %s: %v", config.LockPath(), err)
		os.Exit(1)
	}
	if !locked {
		privd.Log.Errorf("another privd instance holds %s", config.LockPath())
		os.Exit(1)
	}
	defer func() { _ = lock.Unlock() }()

	db, err := data.Initialize(config.Database.Engine, config.DatabaseURL(), false)
	if err != nil {
		privd.Log.Error(err)
		os.Exit(1)
	}
	defer func() {
		if err := data.Shutdown(db); err != nil {
			privd.Log.Warn(err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(config.SocketPath), 0755); err != nil {
		privd.Log.Errorf("creating socket directory: %v", err)
		os.Exit(1)
	}

	quit := events.NewFunc(nil)
	go watchSignals(quit)

	serverConfig := &service.Config{
		SocketPath: config.SocketPath,
		Quit:       quit,
	}
	tokens := token.NewRegistry(time.Duration(config.Session.TokenTTLMinutes) * time.Minute)

	privd.Log.Info("starting server, send SIGINT or SIGTERM to exit")
	service.Serve(serverConfig, db, tokens)
	privd.Log.Infof("event loop returned %s", serverConfig.Status)

	if serverConfig.Status != service.StatusOk {
		os.Exit(1)
	}
}

// watchSignals forwards the first terminating signal to the quit handler.
// It touches nothing but the quit signal; the event loop does the rest.
func watchSignals(quit *events.Func) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	privd.Log.Infof("received %s, quitting", sig)
	quit.Notify()
}
