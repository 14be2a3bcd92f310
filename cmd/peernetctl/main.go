package main

import (
	"log"

	"github.com/spf13/cobra"

	peernetcli "github.com/amirimatin/go-peernet/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "peernetctl",
		Short:         "go-peernet node and inspection CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	peernetcli.AddAll(root)
	return root
}
