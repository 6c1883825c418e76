// Comando soft combina os modos servidor e cliente do protocolo SOFT em um
// único binário (spec §6 "CLI").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verbosity int

func main() {
	root := &cobra.Command{
		Use:   "soft",
		Short: "SOFT — Simple One-file Transfer, servidor e cliente UDP confiável",
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "aumenta a verbosidade do log (-v, -vv)")

	root.AddCommand(newServerCmd())
	root.AddCommand(newClientCmd())
	root.AddCommand(newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
