package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/app"
	"github.com/code-payments/escrow-server/pkg/node"
)

func main() {
	if err := app.Run(node.New()); err != nil {
		logrus.WithError(err).Error("error running escrow node")
		os.Exit(1)
	}
}
