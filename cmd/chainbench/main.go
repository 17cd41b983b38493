package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/cli"
)

func main() {
	defer klog.Flush()
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
