package main

import (
    "log"

    "github.com/spf13/cobra"

    trpccli "github.com/psycho-baller/trpc-crdt/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "trpcctl",
        Short:         "replicated-document RPC management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Serves the built-in kv/echo procedures; embedding services use
    // cli.AddAll with their own router instead.
    trpccli.AddAll(root, nil)
    return root
}
