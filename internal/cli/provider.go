package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewProviderCmd создаёт группу команд для провайдеров.
func NewProviderCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage providers",
	}

	cmd.AddCommand(
		newProviderListCmd(clientFn, outputFn),
		newProviderShowCmd(clientFn, outputFn),
		newProviderRegisterCmd(clientFn, outputFn),
	)

	return cmd
}

func newProviderListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			providers, err := client.ListProviders()
			if err != nil {
				return err
			}

			headers := []string{"ID", "URL", "DEPENDS_ON", "REGISTERED"}
			rows := make([][]string, len(providers))
			for i, p := range providers {
				rows[i] = []string{p.ID, p.URL, strings.Join(p.DependsOn, ","), p.Registered}
			}

			out.Print(headers, rows, providers)
			return nil
		},
	}
}

func newProviderShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show provider details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetProvider(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "URL", "VERSION", "DEPENDS_ON", "TIMEOUT", "REGISTERED"},
				[][]string{{
					p.ID, p.URL, p.Version, strings.Join(p.DependsOn, ","),
					strconv.Itoa(p.TimeoutSec), p.Registered,
				}},
				p,
			)
			return nil
		},
	}
}

func newProviderRegisterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "register ID",
		Short: "Send ProviderRegisterCommand to a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			// Провайдер должен существовать: регистрация дополняет сохранённую запись
			provider, err := client.GetProvider(args[0])
			if err != nil {
				return err
			}

			payload, err := json.Marshal(provider)
			if err != nil {
				return err
			}

			res, err := client.SubmitCommand(SubmitCommandRequest{
				Type:       "ProviderRegisterCommand",
				ProviderID: provider.ID,
				Payload:    payload,
			})
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Registration started: %s", res.CommandID))

			if wait && !res.Settled() {
				return watchCommand(cmd.Context(), client, out, res.CommandID)
			}
			printResult(out, res)
			return resultError(res)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Watch the registration until it finishes")
	return cmd
}
