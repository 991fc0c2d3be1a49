// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/services/support/machine"
)

var resumeValue string

var resumeCmd = &cobra.Command{
	Use:   "resume [session] [interrupt-key]",
	Short: "Resolve a pending interrupt",
	Long: `resume provides the external decision a suspended turn is waiting on,
e.g. human approval of an escalation. The key must match the interrupt
recorded in the session's latest checkpoint.`,
	Args: cobra.ExactArgs(2),
	Run:  runResumeCommand,
}

var continueCmd = &cobra.Command{
	Use:   "continue [session]",
	Short: "Continue a turn interrupted by a crash",
	Args:  cobra.ExactArgs(1),
	Run:   runContinueCommand,
}

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show a session's checkpoint trail",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryCommand,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeValue, "value", "approved", "decision value (approved or denied)")
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(historyCmd)
}

func runResumeCommand(cmd *cobra.Command, args []string) {
	svc, cleanup, err := buildService()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	result, err := svc.Resume(cmd.Context(), args[0], args[1], resumeValue, printStream)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	printOutcome(result.Citations, result.Escalated, result.Suspended, result.InterruptKey)
}

func runContinueCommand(cmd *cobra.Command, args []string) {
	svc, cleanup, err := buildService()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	result, err := svc.ResumeIncomplete(cmd.Context(), args[0], printStream)
	if err != nil {
		if errors.Is(err, machine.ErrNoIncompleteTurn) {
			fmt.Println("Nothing to continue; the last turn completed.")
			return
		}
		log.Fatalf("Error: %v", err)
	}
	printOutcome(result.Citations, result.Escalated, result.Suspended, result.InterruptKey)
}

func runHistoryCommand(cmd *cobra.Command, args []string) {
	svc, cleanup, err := buildService()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	history, err := svc.History(cmd.Context(), args[0])
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if len(history) == 0 {
		fmt.Println("No checkpoints for this session.")
		return
	}
	for _, cp := range history {
		suspended := ""
		if cp.Suspended() {
			suspended = fmt.Sprintf(" [suspended: %s]", cp.Interrupt.Key)
		}
		fmt.Printf("seq %d  turn %d  next=%s  %s%s\n",
			cp.Sequence, cp.State.TurnCount, cp.NextNode,
			cp.CreatedAt.Format("2006-01-02 15:04:05"), suspended)
	}
}
