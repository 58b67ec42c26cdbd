package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/client/cli"
	"github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/common/log/hooks"
)

// A corral command-line client
func main() {
	log.AddHook(hooks.NewContextHook())
	client, err := cli.NewCorralCLIClient()
	if err != nil {
		log.Fatal("Cannot initialize corral CLI: ", err)
	}
	if err := client.Exec(); err != nil {
		log.Error("error running corral: ", err)
		os.Exit(int(errors.ExitCodeOf(err)))
	}
}
