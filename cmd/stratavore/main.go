package main

import "os"

func main() {
	root := newRootCmd(defaultCommandWiring(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
