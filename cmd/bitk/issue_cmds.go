package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
	"github.com/WuChenDi/bitk/internal/services"
)

// IssueCmd groups CLI-driven smoke-testing entry points into the same
// IssueEngine the server uses.
type IssueCmd struct {
	Exec     IssueExecCmd     `cmd:"" help:"Start a fresh execution for an issue"`
	FollowUp IssueFollowUpCmd `cmd:"follow-up" help:"Send a follow-up message to an issue's conversation"`
	Cancel   IssueCancelCmd   `cmd:"" help:"Cancel an issue's active execution"`
	Restart  IssueRestartCmd  `cmd:"" help:"Restart an issue, dropping any queued pending input"`
	Logs     IssueLogsCmd     `cmd:"" help:"Print an issue's log page as JSON"`
}

type IssueExecCmd struct {
	IssueID    string `arg:"" help:"Issue id"`
	EngineType string `help:"Engine adapter to use" default:"echo"`
	Prompt     string `arg:"" help:"Prompt text"`
	Model      string `help:"Model override"`
}

func (c *IssueExecCmd) Run(cli *CLI) error {
	err := cli.Container.Engine.ExecuteIssue(context.Background(), c.IssueID, services.ExecuteParams{
		EngineType:     c.EngineType,
		Prompt:         c.Prompt,
		Model:          c.Model,
		PermissionMode: domain.PermissionSupervised,
	})
	return printIssueResult(c.IssueID, err)
}

type IssueFollowUpCmd struct {
	IssueID    string `arg:"" help:"Issue id"`
	Prompt     string `arg:"" help:"Prompt text"`
	BusyAction string `help:"queue or cancel" default:"queue" enum:"queue,cancel"`
}

func (c *IssueFollowUpCmd) Run(cli *CLI) error {
	err := cli.Container.Engine.FollowUpIssue(context.Background(), c.IssueID, services.FollowUpParams{
		Prompt:     c.Prompt,
		BusyAction: services.BusyAction(c.BusyAction),
	})
	return printIssueResult(c.IssueID, err)
}

type IssueCancelCmd struct {
	IssueID string `arg:"" help:"Issue id"`
}

func (c *IssueCancelCmd) Run(cli *CLI) error {
	err := cli.Container.Engine.CancelIssue(context.Background(), c.IssueID)
	return printIssueResult(c.IssueID, err)
}

type IssueRestartCmd struct {
	IssueID    string `arg:"" help:"Issue id"`
	EngineType string `help:"Engine adapter to use" default:"echo"`
	Prompt     string `arg:"" help:"Prompt text"`
}

func (c *IssueRestartCmd) Run(cli *CLI) error {
	err := cli.Container.Engine.RestartIssue(context.Background(), c.IssueID, services.ExecuteParams{
		EngineType:     c.EngineType,
		Prompt:         c.Prompt,
		PermissionMode: domain.PermissionSupervised,
	})
	return printIssueResult(c.IssueID, err)
}

type IssueLogsCmd struct {
	IssueID string `arg:"" help:"Issue id"`
	DevMode bool   `help:"Include meta-turn entries"`
	Limit   int    `help:"Page size" default:"50"`
}

func (c *IssueLogsCmd) Run(cli *CLI) error {
	page, err := cli.Container.Engine.GetLogs(context.Background(), c.IssueID, c.DevMode, ports.LogQuery{Limit: c.Limit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(page)
}

func printIssueResult(issueID string, err error) error {
	if err != nil {
		return fmt.Errorf("issue %s: %w", issueID, err)
	}
	fmt.Printf("issue %s: ok\n", issueID)
	return nil
}
