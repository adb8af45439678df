// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/lumen-client/internal/chat"
	"github.com/jeranaias/lumen-client/internal/model"
	"github.com/jeranaias/lumen-client/internal/util"
)

const historyFile = "chat_history"

// =============================================================================
// REPL
// =============================================================================

// repl is the interactive chat loop. It is also the orchestrator's event
// target: notices print to stderr, a context prompt walks the user through
// school selection inline.
type repl struct {
	app  *app
	line *liner.State
}

func (r *repl) events() chat.Events {
	return chat.Events{
		Notice: func(text string) {
			fmt.Fprintln(os.Stderr, text)
		},
		ContextPrompt: func() {
			fmt.Println("Pick a school context before sending.")
		},
		UpgradeRequired: func() {
			fmt.Fprintln(os.Stderr, "You've reached the free-tier message limit. Upgrade to keep chatting.")
		},
	}
}

func (r *repl) run(ctx context.Context) error {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)
	defer r.line.Close()

	historyPath := filepath.Join(r.app.cfg.Storage.DataDir, historyFile)
	if f, err := os.Open(historyPath); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}()

	identity := r.app.auth.State().Identity()
	if identity.IsAuthenticated() {
		fmt.Printf("Chatting as %s. Type /help for commands.\n", identity.DisplayName)
	} else {
		fmt.Println("Chatting as a guest; history will not be saved. Type /help for commands.")
	}

	for {
		input, err := r.line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.command(ctx, input); quit {
				return nil
			}
			continue
		}

		r.send(ctx, input)
	}
}

// send runs one message through the orchestrator and renders the outcome.
func (r *repl) send(ctx context.Context, text string) {
	err := r.app.orch.Send(ctx, text)
	switch {
	case err == nil:
		r.renderLast()
	case errors.Is(err, chat.ErrContextRequired):
		if r.collectContext(ctx) {
			// SupplyContext resumed the held message.
			r.renderLast()
		}
	case errors.Is(err, chat.ErrQuotaExceeded):
		// The upgrade notice already printed.
	default:
		// The in-transcript error message already printed via the notice.
	}
}

// collectContext walks the user through school-context selection and resumes
// the held send. Returns true when the send went through.
func (r *repl) collectContext(ctx context.Context) bool {
	school, err := r.line.Prompt("School: ")
	if err != nil || strings.TrimSpace(school) == "" {
		fmt.Fprintln(os.Stderr, "Send cancelled; no school selected.")
		return false
	}
	grade, _ := r.line.Prompt("Grade (optional): ")
	subject, _ := r.line.Prompt("Subject (optional): ")

	err = r.app.orch.SupplyContext(ctx, model.SchoolContext{
		SchoolName: strings.TrimSpace(school),
		Grade:      strings.TrimSpace(grade),
		Subject:    strings.TrimSpace(subject),
	})
	if err != nil {
		return false
	}
	return true
}

// renderLast prints the newest assistant message of the displayed transcript,
// honoring the markdown preference.
func (r *repl) renderLast() {
	_, transcript := r.app.orch.Displayed()
	for i := len(transcript) - 1; i >= 0; i-- {
		msg := transcript[i]
		if msg.Role != model.RoleAssistant {
			continue
		}
		switch {
		case msg.IsError:
			fmt.Fprintln(os.Stderr, msg.Content)
		case r.app.settings.Get().Markdown:
			fmt.Println(msg.DisplayContent())
		default:
			fmt.Println(msg.Content)
		}
		return
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (r *repl) command(ctx context.Context, input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/q", "/exit":
		return true

	case "/help", "/h":
		fmt.Println(`/new               Start a fresh conversation
/list              List conversations
/switch <id>       Switch to a conversation
/context           Re-select school context
/edit <text>       Re-send your last message with revised text
/regen             Regenerate the last answer
/stop              Stop rendering the pending answer
/quit              Exit`)

	case "/new":
		r.app.orch.NewChat()
		fmt.Println("Started a new conversation.")

	case "/list":
		if !r.app.auth.State().Identity().IsAuthenticated() {
			fmt.Fprintln(os.Stderr, "Guests have a single ephemeral transcript.")
			break
		}
		if err := r.app.convs.FetchAll(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "Could not load conversations:", err)
			break
		}
		for _, c := range r.app.convs.List() {
			marker := " "
			if c.ID == r.app.orch.ActiveKey() {
				marker = ">"
			}
			fmt.Printf("%s %-36s  %s\n", marker, c.ID, util.TruncateString(c.Title, 48))
		}

	case "/switch":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: /switch <id>")
			break
		}
		id := fields[1]
		r.app.orch.Switch(id)
		if r.app.convs.Get(id) == nil {
			// Not cached yet: the switch is optimistic, the fetch fills it in.
			if _, err := r.app.convs.FetchOne(ctx, id); err != nil {
				fmt.Fprintln(os.Stderr, "Could not load conversation:", err)
				break
			}
			r.app.orch.Switch(id)
		}
		fmt.Println("Switched.")

	case "/context":
		r.collectContext(ctx)

	case "/edit":
		_, transcript := r.app.orch.Displayed()
		var target *model.Message
		for i := len(transcript) - 1; i >= 0; i-- {
			if transcript[i].Role == model.RoleUser {
				target = transcript[i]
				break
			}
		}
		if target == nil {
			fmt.Fprintln(os.Stderr, "Nothing to edit yet.")
			break
		}
		text := strings.TrimSpace(strings.TrimPrefix(input, "/edit"))
		if err := r.app.orch.Edit(ctx, target.ID, text); err != nil {
			fmt.Fprintln(os.Stderr, "Could not edit:", err)
			break
		}
		r.renderLast()

	case "/regen":
		_, transcript := r.app.orch.Displayed()
		var target *model.Message
		for i := len(transcript) - 1; i >= 0; i-- {
			if transcript[i].Role == model.RoleAssistant && !transcript[i].IsError {
				target = transcript[i]
				break
			}
		}
		if target == nil {
			fmt.Fprintln(os.Stderr, "Nothing to regenerate yet.")
			break
		}
		if err := r.app.orch.Regenerate(ctx, target.ID); err != nil {
			fmt.Fprintln(os.Stderr, "Could not regenerate:", err)
			break
		}
		r.renderLast()

	case "/stop":
		r.app.orch.Stop()
		fmt.Println("Pending answer will not be shown.")

	default:
		fmt.Fprintln(os.Stderr, "Unknown command. Type /help.")
	}
	return false
}
