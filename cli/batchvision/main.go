// Package main is the batchvision command itself.
package main

import (
	"log"
	"os"

	"go.viam.com/batchvision/cli"
	// registers the onnx detector type.
	_ "go.viam.com/batchvision/vision/onnx"
)

func main() {
	if err := cli.NewApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
