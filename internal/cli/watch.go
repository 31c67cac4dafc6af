package cli

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/victornm/echallenge/internal/api"
	"github.com/victornm/echallenge/internal/poller"
)

func newWatchCmd() *cobra.Command {
	var (
		serverURL     string
		user          string
		competitionID string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a competition the way a client does and print every state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			done := make(chan poller.State, 1)

			var (
				mu   sync.Mutex
				once sync.Once
			)
			p := poller.New(poller.Config{
				Fetcher:       api.NewClient(api.ClientConfig{BaseURL: serverURL, UserID: user}),
				CompetitionID: competitionID,
				OnUpdate: func(st poller.State) {
					mu.Lock()
					fmt.Fprintln(out, formatState(st))
					mu.Unlock()

					if finished(st) {
						once.Do(func() { done <- st })
					}
				},
			})

			p.Enable(cmd.Context())
			defer p.Disable()

			select {
			case st := <-done:
				if st.Status == poller.StatusLost {
					return fmt.Errorf("watch: connection lost after %d attempts: %w", st.Attempts, st.Err)
				}
				return nil
			case <-cmd.Context().Done():
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the HTTP API")
	cmd.Flags().StringVar(&user, "user", "", "caller identity sent as "+api.HeaderUserID)
	cmd.Flags().StringVar(&competitionID, "competition", "", "competition to follow")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

func finished(st poller.State) bool {
	if st.Status == poller.StatusLost {
		return true
	}
	return st.Status == poller.StatusConnected && st.Competition != nil && st.Competition.Status.Terminal()
}

func formatState(st poller.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s poll=%s", st.UpdateTime.Format(time.TimeOnly), st.Status)

	if st.Err != nil {
		fmt.Fprintf(&b, " attempts=%d error=%q", st.Attempts, st.Err.Error())
	}

	if c := st.Competition; c != nil {
		fmt.Fprintf(&b, " competition=%s status=%s", c.CompetitionID, c.Status)
		for _, p := range c.Participants {
			fmt.Fprintf(&b, " %s=%d", p.UserID, p.Score)
			if p.Position != nil {
				fmt.Fprintf(&b, "#%d", *p.Position)
			}
		}
	}

	return b.String()
}
