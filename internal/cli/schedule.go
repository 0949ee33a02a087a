package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления schedules.
//
// Чтение идёт через /schedules, изменения — командами Schedule*Command.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage component task schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleEnableCmd(clientFn, outputFn, true),
		newScheduleEnableCmd(clientFn, outputFn, false),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListSchedulesOpts
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if enabledOnly {
				opts.Enabled = &enabledOnly
			}

			schedules, err := client.ListSchedules(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "PROJECT_ID", "COMPONENT_ID", "CRON", "TIMEZONE", "ENABLED", "NEXT_DUE"}
			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = []string{
					s.ID, s.ProjectID, s.ComponentID, s.CronExpr, s.Timezone,
					strconv.FormatBool(s.Enabled), s.NextDueAt,
				}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "Filter by project ID")
	cmd.Flags().StringVar(&opts.ComponentID, "component-id", "", "Filter by component ID")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled schedules")

	return cmd
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var s ScheduleResponse
	var disabled bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule for a component task",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			s.Enabled = !disabled

			res, err := submitSchedule(client, "ScheduleCreateCommand", &s)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule created: %s", s.ID))
			printResult(out, res)
			return resultError(res)
		},
	}

	cmd.Flags().StringVar(&s.ID, "id", "", "Schedule ID (generated when empty)")
	cmd.Flags().StringVar(&s.Organization, "organization", "", "Organization")
	cmd.Flags().StringVar(&s.ProjectID, "project-id", "", "Project ID (required)")
	cmd.Flags().StringVar(&s.ComponentID, "component-id", "", "Component ID (required)")
	cmd.Flags().StringVar(&s.CronExpr, "cron", "", "Cron expression, e.g. '0 9 * * *' (required)")
	cmd.Flags().StringVar(&s.Timezone, "timezone", "", "Timezone, e.g. 'Europe/Moscow'")
	cmd.Flags().StringVar(&s.TaskTypeName, "task", "", "Custom task name")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	cmd.MarkFlagRequired("project-id")
	cmd.MarkFlagRequired("component-id")
	cmd.MarkFlagRequired("cron")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			s, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "COMPONENT_ID", "TASK", "CRON", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_RUN", "LAST_COMMAND"},
				[][]string{{
					s.ID, s.ComponentID, s.TaskTypeName, s.CronExpr, s.Timezone,
					strconv.FormatBool(s.Enabled), s.NextDueAt, s.LastRunAt, s.LastCommandID,
				}},
				s,
			)
			return nil
		},
	}
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			s, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			res, err := submitSchedule(client, "ScheduleDeleteCommand", s)
			if err != nil {
				return err
			}
			if err := resultError(res); err != nil {
				printResult(out, res)
				return err
			}

			out.Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleEnableCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	use, short, done := "enable ID", "Enable a schedule", "enabled"
	if !enabled {
		use, short, done = "disable ID", "Disable a schedule", "disabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			s, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}
			s.Enabled = enabled

			res, err := submitSchedule(client, "ScheduleUpdateCommand", s)
			if err != nil {
				return err
			}
			if err := resultError(res); err != nil {
				printResult(out, res)
				return err
			}

			out.Success(fmt.Sprintf("Schedule %s: %s", done, args[0]))
			return nil
		},
	}
}

func submitSchedule(client *Client, commandType string, s *ScheduleResponse) (*CommandResult, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return client.SubmitCommand(SubmitCommandRequest{Type: commandType, Payload: payload})
}
