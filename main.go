package main

import (
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/govmx/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Fatal(err)
	}
}
