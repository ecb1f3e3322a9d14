package main

import (
	"fmt"
	"strings"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/bootstrap"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *options) *cobra.Command {
	var showMeta bool
	cmd := &cobra.Command{
		Use:   "chat <user-id> <text>",
		Short: "Run one conversation turn locally",
		Long: `Runs one message through the orchestrator exactly as a channel would:
onboarding for users who have not finished it, keyword routing otherwise.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd.Context(), func(core *bootstrap.Core) error {
				reply := core.Service.Handle(cmd.Context(), agent.InboundEvent{
					UserID:  args[0],
					Text:    strings.Join(args[1:], " "),
					Channel: domain.ChannelCLI,
				})
				out := cmd.OutOrStdout()
				if showMeta {
					fmt.Fprintf(out, "[%s", reply.Kind)
					if reply.Mode != "" {
						fmt.Fprintf(out, " %s", reply.Mode)
					}
					if len(reply.Selected) > 0 {
						tags := make([]string, len(reply.Selected))
						for i, t := range reply.Selected {
							tags[i] = string(t)
						}
						fmt.Fprintf(out, " %s", strings.Join(tags, ","))
					}
					fmt.Fprintln(out, "]")
				}
				fmt.Fprintln(out, reply.Text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showMeta, "meta", false, "print reply kind, mode and selected specialists")
	return cmd
}
