// Tandem CLI — инструмент командной строки для отправки команд
// и просмотра провайдеров и schedules через HTTP API.
//
// Использование:
//
//	tandem [--api-url URL] [--user ID] [-o table|json|yaml] <command> <subcommand> [flags]
//
// Команды:
//
//	command   Отправка и отслеживание команд
//	provider  Провайдеры
//	schedule  Schedules задач компонентов
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Tandem/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var user string
	var outputFormat string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Tandem CLI — command orchestration for projects and providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("TANDEM_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&user, "user", os.Getenv("TANDEM_USER"), "User ID sent with commands")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Shorthand for --output json")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			outputFormat = string(cli.FormatJSON)
		}
		_, err := cli.ParseFormat(outputFormat)
		return err
	}

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, user) }
	outputFn := func() *cli.Output {
		format, _ := cli.ParseFormat(outputFormat)
		return cli.NewOutput(format)
	}

	rootCmd.AddCommand(
		cli.NewCommandCmd(clientFn, outputFn),
		cli.NewProviderCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
