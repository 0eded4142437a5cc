// Command mtxchat is a minimal terminal client for an end-to-end
// encrypted Matrix account.
//
// Usage:
//
//	mtxchat -s matrix.example.org -u alice -p secret
//
// Events are printed as they arrive. Type "yes" when the verification
// emoji match, "history <room-id>" to page older messages, "quit" to
// exit.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	matrix "github.com/peregrine-im/matrix-go"
)

type options struct {
	Homeserver string `short:"s" long:"homeserver" description:"Homeserver address (host or host:port)" required:"true"`
	User       string `short:"u" long:"user" description:"Username (localpart)" required:"true"`
	Password   string `short:"p" long:"password" description:"Account password" required:"true"`
	DataDir    string `long:"data-dir" description:"Account data directory"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	var copts []matrix.Option
	copts = append(copts, matrix.WithHomeserver(opts.Homeserver))
	if opts.DataDir != "" {
		copts = append(copts, matrix.WithDataDir(opts.DataDir))
	}
	if opts.Verbose {
		copts = append(copts, matrix.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}

	c := matrix.NewClient(opts.User, opts.Password, copts...)
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	go readCommands(c)

	for ev := range c.Events() {
		printEvent(ev)
	}
	if err := c.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func readCommands(c *matrix.Client) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "yes":
			c.ConfirmSAS()
		case strings.HasPrefix(line, "history "):
			roomID := strings.TrimSpace(strings.TrimPrefix(line, "history "))
			c.RequestMessages(roomID, "", "b")
		case line == "quit":
			c.Close()
			return
		}
	}
	c.Close()
}

func printEvent(ev matrix.Event) {
	switch e := ev.(type) {
	case matrix.VerificationStatus:
		fmt.Printf("* device verified: %v\n", e.Verified)
	case matrix.RoomTitle:
		fmt.Printf("* room %s is now %q\n", e.RoomID, e.Title)
	case matrix.RoomMessages:
		for _, m := range e.Messages {
			fmt.Printf("[%s] <%s> %s\n", e.RoomID, m.Sender, m.Text)
		}
		if e.Token != "" {
			fmt.Printf("* more history from token %s\n", e.Token)
		}
	case matrix.MessageDecrypted:
		fmt.Printf("[%s] (decrypted %s) %s\n", e.RoomID, e.EventID, e.Text)
	case matrix.SASEmoji:
		fmt.Printf("* verify emoji: %v (type \"yes\" if they match)\n", e.Indices)
	case matrix.SASComplete:
		fmt.Println("* verification complete")
	}
}
