package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	prompt "github.com/c-bata/go-prompt"
)

// deviceCache holds device ids for completion.
type deviceCache struct {
	mu      sync.Mutex
	ids     []string
	fetched time.Time
}

const deviceCacheTTL = 30 * time.Second

func (c *deviceCache) get(a *app) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < deviceCacheTTL {
		return c.ids
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ids, err := a.client.Devices(ctx); err == nil {
		c.ids = ids
	}
	c.fetched = time.Now()
	return c.ids
}

type shell struct {
	app     *app
	devices deviceCache
}

func runShell(a *app) {
	sh := &shell{app: a}
	fmt.Printf("sentinelctl %s connected to %s. Type \"help\" or \"exit\".\n", Version, a.client.ServerURL())

	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("sentinel> "),
		prompt.OptionTitle("sentinelctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

func (sh *shell) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 || args[0] == "exit" || args[0] == "quit" {
		return
	}

	// Ctrl-C interrupts the running command, not the shell.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	if err := sh.app.exec(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	words := strings.Fields(before)
	word := d.GetWordBeforeCursor()

	// Completing the command itself.
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(before, " ")) {
		s := make([]prompt.Suggest, 0, len(commands)+1)
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		s = append(s, prompt.Suggest{Text: "exit", Description: "leave the shell"})
		return prompt.FilterHasPrefix(s, word, true)
	}

	if strings.HasPrefix(word, "-") {
		return prompt.FilterHasPrefix(flagSuggestions(words[0]), word, true)
	}

	// Only the first positional argument is completed.
	argIndex := len(words) - 1
	if strings.HasSuffix(before, " ") {
		argIndex = len(words)
	}
	if argIndex != 1 {
		return nil
	}

	switch words[0] {
	case "status", "history", "summary":
		return prompt.FilterHasPrefix(sh.deviceSuggestions(false), word, true)
	case "watch":
		return prompt.FilterHasPrefix(sh.deviceSuggestions(true), word, true)
	case "archive":
		return prompt.FilterHasPrefix([]prompt.Suggest{
			{Text: "ls", Description: "list archive files"},
			{Text: "cat", Description: "print rows of one file"},
		}, word, true)
	}
	return nil
}

func (sh *shell) deviceSuggestions(withAll bool) []prompt.Suggest {
	ids := sh.devices.get(sh.app)
	s := make([]prompt.Suggest, 0, len(ids)+1)
	if withAll {
		s = append(s, prompt.Suggest{Text: "*", Description: "every device"})
	}
	for _, id := range ids {
		s = append(s, prompt.Suggest{Text: id})
	}
	return s
}

func flagSuggestions(cmd string) []prompt.Suggest {
	switch cmd {
	case "history":
		return []prompt.Suggest{
			{Text: "--since", Description: "oldest arrival time"},
			{Text: "--until", Description: "newest arrival time"},
			{Text: "--limit", Description: "maximum rows"},
		}
	case "summary":
		return []prompt.Suggest{{Text: "--since", Description: "window start"}}
	case "archive":
		return []prompt.Suggest{
			{Text: "--limit", Description: "maximum rows"},
			{Text: "--device", Description: "only this device"},
		}
	}
	return nil
}
