package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"graphchan/core"
	"graphchan/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "graphchan"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(topicCmd())
	rootCmd.AddCommand(dmCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfigOrExit(cmd *cobra.Command) *config.Config {
	env, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	start := &cobra.Command{
		Use:   "start",
		Short: "start a Graphchan node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n.Run(ctx)
			fmt.Printf("graphchan node started: peer-id=%s friendcode=%s\n", n.Transport.ID(), n.Identity.Friendcode())
			<-ctx.Done()
			return nil
		},
	}
	cmd.AddCommand(start)
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	show := &cobra.Command{
		Use:   "show",
		Short: "print this node's fingerprint and friendcode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			fmt.Printf("fingerprint: %s\nfriendcode:  %s\n", n.Identity.Fingerprint(), n.Identity.Friendcode())
			return nil
		},
	}
	cmd.AddCommand(show)

	setAlias := &cobra.Command{
		Use:   "set-alias [alias]",
		Short: "publish a new display alias to followers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run(cmd.Context())
			bio, _ := cmd.Flags().GetString("bio")
			return n.UpdateProfile(cmd.Context(), args[0], bio)
		},
	}
	setAlias.Flags().String("bio", "", "optional profile bio")
	cmd.AddCommand(setAlias)
	return cmd
}

func threadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "thread"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	list := &cobra.Command{
		Use:   "list",
		Short: "list known threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			threads, err := n.Store.ListThreads(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, t := range threads {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.SyncStatus, t.Title)
			}
			return nil
		},
	}
	cmd.AddCommand(list)

	create := &cobra.Command{
		Use:   "create [title] [body]",
		Short: "start a new thread and announce it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run(cmd.Context())

			topicsFlag, _ := cmd.Flags().GetString("topics")
			var topics []string
			if topicsFlag != "" {
				topics = strings.Split(topicsFlag, ",")
			}
			membersFlag, _ := cmd.Flags().GetString("private-members")
			visibility := core.VisibilitySocial
			var members []string
			if membersFlag != "" {
				visibility = core.VisibilityPrivate
				members = strings.Split(membersFlag, ",")
			}
			t, err := n.CreateThread(cmd.Context(), args[0], args[1], nil, topics, visibility, members)
			if err != nil {
				return err
			}
			fmt.Printf("created thread %s (hash %s)\n", t.ID, t.ThreadHash)
			return nil
		},
	}
	create.Flags().String("topics", "", "comma-separated topic names to announce to; empty announces friends-only")
	create.Flags().String("private-members", "", "comma-separated peer ids to invite; makes the thread end-to-end encrypted and private instead of social")
	cmd.AddCommand(create)

	recent := &cobra.Command{
		Use:   "recent",
		Short: "list the newest posts across all threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			posts, err := n.Store.ListRecentPosts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, p := range posts {
				fmt.Printf("%s\t%s\t%s\n", p.ID, p.ThreadID, p.Body)
			}
			return nil
		},
	}
	recent.Flags().Int("limit", 50, "maximum posts to list")
	cmd.AddCommand(recent)

	pin := &cobra.Command{
		Use:   "pin [thread-id]",
		Short: "pin a thread in local listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			t, err := n.Store.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return n.Store.SetThreadFlags(cmd.Context(), t.ID, true, t.Deleted, t.Ignored)
		},
	}
	cmd.AddCommand(pin)

	announce := &cobra.Command{
		Use:   "announce [thread-id] [topic]",
		Short: "announce an existing thread to an additional topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run(cmd.Context())
			return n.AnnounceThreadToTopic(cmd.Context(), args[0], args[1])
		},
	}
	cmd.AddCommand(announce)

	download := &cobra.Command{
		Use:   "download [thread-id]",
		Short: "force a full pull of an announced thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			t, err := n.DownloadThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("thread %s sync_status=%s\n", t.ID, t.SyncStatus)
			return nil
		},
	}
	cmd.AddCommand(download)
	return cmd
}

func postCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "post"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	react := &cobra.Command{
		Use:   "react [post-id] [emoji]",
		Short: "add a signed reaction to a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run(cmd.Context())
			r, err := n.React(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("reacted %s to post %s\n", r.Emoji, r.PostID)
			return nil
		},
	}
	cmd.AddCommand(react)

	unreact := &cobra.Command{
		Use:   "unreact [post-id] [emoji]",
		Short: "withdraw your own reaction from a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			n.Run(cmd.Context())
			return n.Unreact(cmd.Context(), args[0], args[1])
		},
	}
	cmd.AddCommand(unreact)

	reactions := &cobra.Command{
		Use:   "reactions [post-id]",
		Short: "list reactions on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			list, err := n.ListReactionsForPost(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, r := range list {
				fmt.Printf("%s\t%s\n", r.Emoji, r.ReactorID)
			}
			return nil
		},
	}
	cmd.AddCommand(reactions)
	return cmd
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peer"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	add := &cobra.Command{
		Use:   "add [friendcode]",
		Short: "add a friend by friendcode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			p, err := n.AddFriend(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("added peer %s\n", p.ID)
			return nil
		},
	}
	cmd.AddCommand(add)

	block := &cobra.Command{
		Use:   "block [peer-id] [reason]",
		Short: "locally block a peer and redact their existing posts",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			}
			if err := n.BlockPeer(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("blocked peer %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(block)
	return cmd
}

func dmCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dm"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	send := &cobra.Command{
		Use:   "send [peer-id] [body]",
		Short: "send an encrypted direct message to a known peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			msg, err := n.SendDM(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("sent message %s to %s\n", msg.ID, args[0])
			return nil
		},
	}
	cmd.AddCommand(send)
	return cmd
}

func topicCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "topic"}
	cmd.PersistentFlags().String("env", "", "config environment to merge over defaults")

	subscribe := &cobra.Command{
		Use:   "subscribe [name]",
		Short: "subscribe to a named topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.JoinTopic(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("subscribed to %s (topic id %s)\n", args[0], core.TopicIDForName(args[0]))
			return nil
		},
	}
	cmd.AddCommand(subscribe)

	threads := &cobra.Command{
		Use:   "threads [name]",
		Short: "list threads announced to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit(cmd)
			n, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			list, err := n.Store.ListThreadsForTopic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, t := range list {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.SyncStatus, t.Title)
			}
			return nil
		},
	}
	cmd.AddCommand(threads)
	return cmd
}
