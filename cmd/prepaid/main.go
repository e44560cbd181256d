package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "prepaid",
	Short: "prepaid: wallet billing for metered services",
	Long:  "prepaid keeps a prepaid wallet per tenant, charges it for metered OTP, KYC and email calls, and settles top-ups and delivery reports from payment and messaging providers.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus PREPAID_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
