package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// commandFile — файл команды. JSON тоже читается: это подмножество YAML.
//
//	type: ProjectCreateCommand
//	payload:
//	  id: web
//	  organization: acme
type commandFile struct {
	CommandID  string         `yaml:"command_id"`
	Type       string         `yaml:"type"`
	ProviderID string         `yaml:"provider_id"`
	Payload    map[string]any `yaml:"payload"`
}

// LoadCommandFile читает команду из файла; "-" — stdin.
func LoadCommandFile(path string) (SubmitCommandRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return SubmitCommandRequest{}, fmt.Errorf("failed to read command file: %w", err)
	}
	return ParseCommand(data)
}

// ParseCommand разбирает YAML или JSON описание команды.
func ParseCommand(data []byte) (SubmitCommandRequest, error) {
	var f commandFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SubmitCommandRequest{}, fmt.Errorf("invalid command file: %w", err)
	}
	if f.Type == "" {
		return SubmitCommandRequest{}, fmt.Errorf("command type is required")
	}
	if len(f.Payload) == 0 {
		return SubmitCommandRequest{}, fmt.Errorf("command payload is required")
	}

	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return SubmitCommandRequest{}, fmt.Errorf("payload is not representable as JSON: %w", err)
	}

	return SubmitCommandRequest{
		CommandID:  f.CommandID,
		Type:       f.Type,
		ProviderID: f.ProviderID,
		Payload:    payload,
	}, nil
}

// NewCommandCmd создаёт группу команд для отправки и отслеживания команд.
func NewCommandCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Submit and track commands",
	}

	cmd.AddCommand(
		newCommandSubmitCmd(clientFn, outputFn),
		newCommandGetCmd(clientFn, outputFn),
		newCommandWatchCmd(clientFn, outputFn),
		newCommandTerminateCmd(clientFn, outputFn),
	)

	return cmd
}

func newCommandSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit -f FILE",
		Short: "Submit a command from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req, err := LoadCommandFile(file)
			if err != nil {
				return err
			}

			res, err := client.SubmitCommand(req)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Command accepted: %s (%s)", res.CommandID, res.RuntimeStatus))

			if wait && !res.Settled() {
				return watchCommand(cmd.Context(), client, out, res.CommandID)
			}

			printResult(out, res)
			return resultError(res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Command file (YAML or JSON, '-' for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Watch the command until it finishes")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newCommandGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show command status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.GetCommand(args[0])
			if err != nil {
				return err
			}

			printResult(out, res)
			return nil
		},
	}
}

func newCommandWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch ID",
		Short: "Stream command status until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchCommand(cmd.Context(), clientFn(), outputFn(), args[0])
		},
	}
}

func newCommandTerminateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate ID",
		Short: "Terminate a running command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.TerminateCommand(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Command terminated: %s", args[0]))
			printResult(out, res)
			return nil
		},
	}
}

func watchCommand(ctx context.Context, client *Client, out *Output, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	last, err := client.WatchCommand(ctx, id, func(res *CommandResult) {
		if res.Settled() {
			return
		}
		status := res.RuntimeStatus
		if res.CustomStatus != "" {
			status += " (" + res.CustomStatus + ")"
		}
		out.Success(fmt.Sprintf("%s: %s", res.CommandID, status))
	})
	if err != nil {
		return err
	}

	printResult(out, last)
	return resultError(last)
}

func printResult(out *Output, res *CommandResult) {
	headers := []string{"COMMAND_ID", "TYPE", "STATUS", "CUSTOM_STATUS", "ERRORS"}
	rows := [][]string{{
		res.CommandID,
		res.CommandType,
		res.RuntimeStatus,
		res.CustomStatus,
		fmt.Sprintf("%d", len(res.Errors)),
	}}
	out.Print(headers, rows, res)

	if out.Structured() {
		return
	}
	for _, e := range res.Errors {
		msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
		if len(e.Details) > 0 {
			msg += " [" + strings.Join(e.Details, "; ") + "]"
		}
		out.Error(msg)
	}
}

func resultError(res *CommandResult) error {
	if len(res.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("command %s finished with %d error(s)", res.CommandID, len(res.Errors))
}
