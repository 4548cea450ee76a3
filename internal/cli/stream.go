package cli

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// streamCmd replaces the teacher's bidirectional repl.go shell: this
// engine has no user-interactive terminal primitive (REPL here means
// the interactive *language*, served by the host<->Interpreter-Server
// framed protocol, not an interactive *shell*). What it does offer is a
// read-only follow of a one-shot execution's live output.
var streamCmd = &cobra.Command{
	Use:   "stream [exec-id]",
	Short: "Follow the live output of an in-flight execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		execID := args[0]

		u, err := url.Parse(apiURL)
		if err != nil {
			fmt.Printf("invalid api url: %v\n", err)
			os.Exit(1)
		}
		u.Scheme = "ws"
		if strings.HasPrefix(apiURL, "https://") {
			u.Scheme = "wss"
		}
		u.Path = fmt.Sprintf("/v1/exec/%s/stream", execID)

		header := map[string][]string{}
		if apiKey != "" {
			header["X-Sandboxd-API-Key"] = []string{apiKey}
		}

		c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
		if err != nil {
			fmt.Printf("dial failed: %v\n", err)
			os.Exit(1)
		}
		defer c.Close()

		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				return
			}
			os.Stdout.Write(message)
		}
	},
}

func init() {
	RootCmd.AddCommand(streamCmd)
}
