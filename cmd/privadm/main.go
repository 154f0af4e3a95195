// The privadm command is a small convenience tool for managing user
// accounts in the configured service database.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/privd/privd/internal/core"
	"github.com/privd/privd/internal/core/auth"
	"github.com/privd/privd/internal/core/data"
)

var (
	configFlag = flag.String("config", "./", "Path to the directory containing the server config file")
	adminFlag  = flag.Bool("admin", false, "Grant the new account administrative rights")
)

func main() {
	flag.Parse()
	if flag.NArg() < 2 {
		fmt.Println("Usage: privadm [flags] <username> <password>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	config, err := core.LoadConfig(*configFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	db, err := data.Initialize(config.Database.Engine, config.DatabaseURL(), false)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer func() { _ = data.Shutdown(db) }()

	account, err := auth.CreateAccount(db, flag.Arg(0), flag.Arg(1), *adminFlag)
	if err != nil {
		fmt.Println("failed to create account:", err)
		os.Exit(1)
	}
	fmt.Println("created account with ID", account.ID)
}
