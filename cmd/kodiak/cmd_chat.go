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
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var sessionID string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question",
	Args:  cobra.MinimumNArgs(1),
	Run:   runAskCommand,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation",
	Run:   runChatCommand,
}

func init() {
	askCmd.Flags().StringVar(&sessionID, "session", "", "session to continue (default: new)")
	chatCmd.Flags().StringVar(&sessionID, "session", "", "session to continue (default: new)")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
}

// printStream writes tokens to stdout as they arrive.
func printStream(event llm.StreamEvent) error {
	switch event.Type {
	case llm.StreamEventToken:
		fmt.Print(event.Content)
	case llm.StreamEventDone:
		fmt.Println()
	case llm.StreamEventError:
		fmt.Printf("\n[stream error: %v]\n", event.Err)
	}
	return nil
}

func ensureSession() string {
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}
	return sessionID
}

func runAskCommand(cmd *cobra.Command, args []string) {
	svc, cleanup, err := buildService()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	question := strings.Join(args, " ")
	session := ensureSession()
	fmt.Printf("Session: %s\n---\n", session)

	result, err := svc.HandleTurn(cmd.Context(), session, question, printStream)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	printOutcome(result.Citations, result.Escalated, result.Suspended, result.InterruptKey)
}

func runChatCommand(cmd *cobra.Command, _ []string) {
	svc, cleanup, err := buildService()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	session := ensureSession()
	fmt.Printf("Session: %s (empty line or Ctrl-D to exit)\n", session)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			break
		}

		fmt.Print("kodiak> ")
		result, err := svc.HandleTurn(cmd.Context(), session, text, printStream)
		if err != nil {
			switch {
			case errors.Is(err, datatypes.ErrSessionSuspended):
				fmt.Println("\nSession is waiting on an interrupt; use 'kodiak resume'.")
				continue
			case errors.Is(err, datatypes.ErrSessionBusy):
				fmt.Println("\nA turn is still in flight; try again.")
				continue
			default:
				log.Fatalf("Error: %v", err)
			}
		}
		printOutcome(result.Citations, result.Escalated, result.Suspended, result.InterruptKey)
	}
}

func printOutcome(citations []string, escalated, suspended bool, interruptKey string) {
	if len(citations) > 0 {
		fmt.Printf("\nSources: %s\n", strings.Join(citations, ", "))
	}
	if escalated {
		fmt.Println("\n[conversation escalated to a human agent]")
	}
	if suspended {
		fmt.Printf("\n[turn suspended awaiting %q; resolve with 'kodiak resume']\n", interruptKey)
	}
}
