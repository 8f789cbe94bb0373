// Darasa CLI - Command line client for darasa
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/darasahq/darasa/clients/go/darasa"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("DARASA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := darasa.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: darasa register <org_id> <name> <role>")
			os.Exit(1)
		}
		resp, err := client.Register(os.Args[2], os.Args[3], os.Args[4])
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", resp.ID)

	case "threads":
		resp, err := client.ListThreads()
		exitOnError(err)
		for _, t := range resp.Threads {
			marker := " "
			if t.Unread > 0 {
				marker = "*"
			}
			fmt.Printf("%s %s  [%s] %s (%d msgs, %d unread)\n",
				marker, t.ID, t.Kind, t.Subject, t.MessageCount, t.Unread)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: darasa read <thread_id>")
			os.Exit(1)
		}
		resp, err := client.GetMessages(os.Args[2], 20, 0)
		exitOnError(err)
		ids := make([]string, 0, len(resp.Messages))
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			msg := resp.Messages[i]
			ts := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
			from := msg.From
			if len(from) > 8 {
				from = from[:8]
			}
			fmt.Printf("[%s] %s: %s\n", ts, from, msg.Body)
			ids = append(ids, msg.ID)
		}
		if len(ids) > 0 {
			client.MarkRead(os.Args[2], ids)
		}

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: darasa send <thread_id> <message>")
			os.Exit(1)
		}
		entry, err := client.Send(context.Background(), os.Args[2], strings.Join(os.Args[3:], " "), "")
		exitOnError(err)
		if entry.State == darasa.OutboxSent {
			fmt.Printf("Sent: %s\n", entry.ServerMsgID)
		} else {
			fmt.Printf("Queued (%s): flushes on next reconnect\n", entry.ClientMsgID)
		}

	case "outbox":
		outbox, err := client.Outbox()
		exitOnError(err)
		entries, err := outbox.List(50)
		exitOnError(err)
		for _, e := range entries {
			fmt.Printf("%4d  %-8s  attempts=%d  %s  %s\n", e.ID, e.State, e.Attempts, e.ThreadID, e.Body)
		}

	case "flush":
		n, err := client.FlushOutbox(context.Background())
		exitOnError(err)
		fmt.Printf("Delivered %d queued messages\n", n)

	case "announce":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: darasa announce <subject> <body>")
			os.Exit(1)
		}
		resp, err := client.CreateAnnouncement(os.Args[2], strings.Join(os.Args[3:], " "))
		exitOnError(err)
		fmt.Printf("Announced to %d members (thread %s)\n", resp.Delivered, resp.ThreadID)

	case "stats":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: darasa stats <thread_id>")
			os.Exit(1)
		}
		resp, err := client.AnnouncementStats(os.Args[2])
		exitOnError(err)
		fmt.Printf("Read %d/%d (%.0f%%)\n", resp.Read, resp.Delivered, resp.ReadRate*100)
		for _, d := range resp.Details {
			if d.ReadAt != nil {
				fmt.Printf("  %-24s read %s\n", d.MemberName,
					time.UnixMilli(*d.ReadAt).Format("2006-01-02 15:04:05"))
			} else {
				fmt.Printf("  %-24s unread\n", d.MemberName)
			}
		}

	case "who":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: darasa who <member_id>")
			os.Exit(1)
		}
		resp, err := client.GetMember(os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "watch":
		watch(client, os.Args[2:])

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// watch follows one or more threads live, printing events as they arrive
// and draining the outbox on every reconnect.
func watch(client *darasa.Client, threadIDs []string) {
	if len(threadIDs) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: darasa watch <thread_id> [thread_id...]")
		os.Exit(1)
	}

	rt := client.Realtime()
	rt.OnState = func(state darasa.ConnState) {
		fmt.Printf("-- %s\n", state)
	}
	rt.OnMessage = func(ev darasa.MessageEvent) {
		ts := time.UnixMilli(ev.Message.Timestamp).Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", ts, ev.Message.From, ev.Message.Body)
		rt.MarkRead(ev.ThreadID, []string{ev.Message.ID})
	}
	rt.OnTyping = func(ev darasa.TypingEvent) {
		if ev.Started {
			fmt.Printf("-- %s is typing...\n", ev.MemberName)
		}
	}
	rt.OnPresence = func(ev darasa.PresenceEvent) {
		status := "offline"
		if ev.Online {
			status = "online"
		}
		fmt.Printf("-- %s is %s\n", ev.MemberID, status)
	}
	rt.OnFlush = func(delivered int, err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, "flush error:", err)
			return
		}
		if delivered > 0 {
			fmt.Printf("-- delivered %d queued messages\n", delivered)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.Start(ctx)
	for _, threadID := range threadIDs {
		rt.Subscribe(threadID)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	rt.Close()
}

func usage() {
	fmt.Println(`Darasa CLI - school messaging client

Usage: darasa <command> [options]

Commands:
  register <org> <name> <role>  Register a new member
  threads                       List threads with unread counts
  read <thread_id>              Read and mark recent messages
  send <thread_id> <message>    Send a message (queued when offline)
  outbox                        Show the local outbox
  flush                         Replay queued messages now
  announce <subject> <body>     Post an org-wide announcement
  stats <thread_id>             Announcement read analytics
  who <member_id>               Get a member profile
  watch <thread_id>...          Follow threads live
  health                        Check server health

Environment:
  DARASA_URL      Server URL (default: http://localhost:8080)
  DARASA_CONFIG   Config directory (default: ~/.darasa)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
