package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	runLanguage  string
	runSessionID string
	runCapture   bool
)

var runCmd = &cobra.Command{
	Use:   "run [code]",
	Short: "Run code through the execution engine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := args[0]

		payload := map[string]any{
			"language":   runLanguage,
			"code":       code,
			"session_id": runSessionID,
		}
		// Omit capture_state unless explicitly set, so the server's
		// default-on-for-sessions rule applies.
		if cmd.Flags().Changed("capture-state") {
			payload["capture_state"] = runCapture
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest(http.MethodPost, apiURL+"/v1/exec", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		setAuth(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("failed to connect: %v\nis the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			fmt.Printf("exec failed: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}

		var execResp struct {
			SessionID string   `json:"session_id"`
			Stdout    string   `json:"stdout"`
			Stderr    string   `json:"stderr"`
			ExitCode  int      `json:"exit_code"`
			Files     []string `json:"files"`
			Warnings  []string `json:"warnings"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
			fmt.Printf("bad response: %v\n", err)
			os.Exit(1)
		}

		fmt.Print(execResp.Stdout)
		if execResp.Stderr != "" {
			fmt.Fprint(os.Stderr, execResp.Stderr)
		}
		for _, w := range execResp.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		if len(execResp.Files) > 0 {
			fmt.Println("\noutput files:")
			for _, f := range execResp.Files {
				fmt.Printf("  - %s\n", f)
			}
		}
		if execResp.SessionID != "" {
			fmt.Printf("\nsession: %s\n", execResp.SessionID)
		}
		os.Exit(execResp.ExitCode)
	},
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-Sandboxd-API-Key", apiKey)
	}
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "py", "Language tag (py, js, ts, go, java, c, cpp, php, rs, r, f90, d)")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Interactive session id to continue (python only)")
	runCmd.Flags().BoolVar(&runCapture, "capture-state", false, "Request a state snapshot for the session")
	RootCmd.AddCommand(runCmd)
}
