package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gbarbosa/vox/internal/api"
	"github.com/gbarbosa/vox/internal/ctl"
	"github.com/gbarbosa/vox/internal/session"
)

func main() {
	app := &cli.App{
		Name:  "voxctl",
		Usage: "Control a running voxd session daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
		},
		Commands: []*cli.Command{
			statusCommand,
			chatsCommand,
			messagesCommand,
			sendCommand,
			retryCommand,
			cancelCommand,
			resumeCommand,
			syncCommand,
			logoutCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func client(ctx *cli.Context) (*ctl.Client, error) {
	name := session.Resolve(ctx.String("session"))
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	return ctl.NewClient(session.SocketPath(name)), nil
}

func messageIDArg(ctx *cli.Context) (int64, error) {
	if ctx.NArg() < 1 {
		return 0, fmt.Errorf("message id required")
	}
	id, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q", ctx.Args().First())
	}
	return id, nil
}

func output(ctx *cli.Context, v any, plain func()) {
	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	plain()
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show daemon and sync status",
	Action: func(ctx *cli.Context) error {
		c, err := client(ctx)
		if err != nil {
			return err
		}
		st, err := c.Status(ctx.Context)
		if err != nil {
			return err
		}
		output(ctx, st, func() {
			fmt.Printf("Session: %s\n", st.Session)
			fmt.Printf("State:   %s\n", st.State)
			fmt.Printf("Account: %s\n", st.Account)
			fmt.Printf("Uptime:  %ds\n", st.UptimeSeconds)
			fmt.Printf("Sync:    %s", st.Sync.State)
			if st.Sync.LastError != "" {
				fmt.Printf(" (%s)", st.Sync.LastError)
			}
			fmt.Println()
		})
		return nil
	},
}

var chatsCommand = &cli.Command{
	Name:  "chats",
	Usage: "List conversations",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
		&cli.IntFlag{Name: "offset", Value: 0},
	},
	Action: func(ctx *cli.Context) error {
		c, err := client(ctx)
		if err != nil {
			return err
		}
		chats, err := c.Chats(ctx.Context, ctx.Int("limit"), ctx.Int("offset"))
		if err != nil {
			return err
		}
		output(ctx, chats, func() {
			for _, ch := range chats {
				last := ""
				if ch.LastMessageAt > 0 {
					last = time.UnixMilli(ch.LastMessageAt).Format(time.DateTime)
				}
				fmt.Printf("%d\t%s\t%s\t%s\n", ch.ID, ch.PeerEmail, last, ch.LastMessagePreview)
			}
		})
		return nil
	},
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "List a chat's messages, newest first",
	ArgsUsage: "<chat-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
		&cli.Int64Flag{Name: "before", Usage: "only messages registered before this unix-millis timestamp"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return fmt.Errorf("chat id required")
		}
		chatID, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", ctx.Args().First())
		}
		c, err := client(ctx)
		if err != nil {
			return err
		}
		msgs, err := c.Messages(ctx.Context, chatID, ctx.Int64("before"), ctx.Int("limit"))
		if err != nil {
			return err
		}
		output(ctx, msgs, func() {
			for _, m := range msgs {
				dir := "sent"
				if m.Received {
					dir = "recv"
				}
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n", m.ID,
					time.UnixMilli(m.RegisteredAt).Format(time.DateTime),
					dir, m.AuthorEmail, m.Subject)
			}
		})
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:  "send",
	Usage: "Create a voice message and queue its delivery",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "to", Usage: "recipient email (repeatable)", Required: true},
		&cli.StringFlag{Name: "subject"},
		&cli.StringFlag{Name: "body"},
		&cli.StringFlag{Name: "recording", Usage: "path to the recorded audio file"},
		&cli.Int64Flag{Name: "duration-ms", Usage: "recording duration in milliseconds"},
		&cli.StringFlag{Name: "channel", Value: "mail", Usage: "delivery channel: mail, intent or sms"},
	},
	Action: func(ctx *cli.Context) error {
		c, err := client(ctx)
		if err != nil {
			return err
		}
		resp, err := c.Send(ctx.Context, api.CreateMessageRequest{
			Recipients:    ctx.StringSlice("to"),
			Subject:       ctx.String("subject"),
			Body:          ctx.String("body"),
			RecordingPath: ctx.String("recording"),
			DurationMS:    ctx.Int64("duration-ms"),
			Channel:       ctx.String("channel"),
		})
		if err != nil {
			return err
		}
		output(ctx, resp, func() {
			fmt.Printf("message %d queued (task %s)\n", resp.MessageID, resp.TaskUID)
		})
		return nil
	},
}

var retryCommand = &cli.Command{
	Name:      "retry",
	Usage:     "Make a failed or waiting message deliverable again",
	ArgsUsage: "<message-id>",
	Action: func(ctx *cli.Context) error {
		id, err := messageIDArg(ctx)
		if err != nil {
			return err
		}
		c, err := client(ctx)
		if err != nil {
			return err
		}
		uid, err := c.Retry(ctx.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("message %d requeued (task %s)\n", id, uid)
		return nil
	},
}

var cancelCommand = &cli.Command{
	Name:      "cancel",
	Usage:     "Stop a message's active delivery",
	ArgsUsage: "<message-id>",
	Action: func(ctx *cli.Context) error {
		id, err := messageIDArg(ctx)
		if err != nil {
			return err
		}
		c, err := client(ctx)
		if err != nil {
			return err
		}
		if err := c.Cancel(ctx.Context, id); err != nil {
			return err
		}
		fmt.Printf("message %d cancelled\n", id)
		return nil
	},
}

var resumeCommand = &cli.Command{
	Name:      "resume",
	Usage:     "Unblock a suspended delivery; omit the outcome to abandon it",
	ArgsUsage: "<message-id> [outcome]",
	Action: func(ctx *cli.Context) error {
		id, err := messageIDArg(ctx)
		if err != nil {
			return err
		}
		c, err := client(ctx)
		if err != nil {
			return err
		}
		if err := c.Resume(ctx.Context, id, ctx.Args().Get(1)); err != nil {
			return err
		}
		fmt.Printf("message %d resumed\n", id)
		return nil
	},
}

var syncCommand = &cli.Command{
	Name:  "sync",
	Usage: "Trigger a sync cycle or show sync status",
	Subcommands: []*cli.Command{
		{
			Name:  "now",
			Usage: "Trigger an immediate sync cycle",
			Action: func(ctx *cli.Context) error {
				c, err := client(ctx)
				if err != nil {
					return err
				}
				if err := c.SyncNow(ctx.Context); err != nil {
					return err
				}
				fmt.Println("sync triggered")
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "Show the sync engine snapshot",
			Action: func(ctx *cli.Context) error {
				c, err := client(ctx)
				if err != nil {
					return err
				}
				st, err := c.SyncStatus(ctx.Context)
				if err != nil {
					return err
				}
				output(ctx, st, func() {
					fmt.Printf("State:     %s\n", st.State)
					if st.LastError != "" {
						fmt.Printf("Error:     %s\n", st.LastError)
					}
					if !st.LastCycle.IsZero() {
						fmt.Printf("Last run:  %s\n", st.LastCycle.Format(time.DateTime))
					}
					fmt.Printf("Watermark: %s\n", st.Watermark)
					fmt.Printf("Items:     %d ingested, %d failed\n", st.LastCount, st.LastFailed)
				})
				return nil
			},
		},
	},
}

var logoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "Destroy local credentials and notify the backend",
	Action: func(ctx *cli.Context) error {
		c, err := client(ctx)
		if err != nil {
			return err
		}
		drained, err := c.Logout(ctx.Context)
		if err != nil {
			return err
		}
		if drained {
			fmt.Println("logged out, backend notified")
		} else {
			fmt.Println("logged out, backend notification queued")
		}
		return nil
	},
}
