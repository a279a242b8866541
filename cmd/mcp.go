package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var mcpConfigCmd = &cobra.Command{
	Use:   "mcp-config",
	Short: "Print an MCP client configuration snippet for this binary",
	Run: func(cmd *cobra.Command, args []string) {
		snippet := map[string]any{
			"mcpServers": map[string]any{
				"implindex": map[string]any{
					"command": binaryName(),
					"args":    []string{},
				},
			},
		}
		out, _ := json.MarshalIndent(snippet, "", "  ")
		fmt.Println(string(out))
	},
}

// binaryName returns "implindex" if it's in PATH and points to the current
// binary, otherwise returns the full path to the binary.
func binaryName() string {
	exe, err := os.Executable()
	if err != nil {
		return "implindex"
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "implindex"
	}

	onPath, err := exec.LookPath("implindex")
	if err == nil {
		resolved, err := filepath.EvalSymlinks(onPath)
		if err == nil && resolved == exe {
			return "implindex"
		}
	}

	return exe
}
