package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// connectionInfo mirrors internal/adminapi's JSON connection resource.
type connectionInfo struct {
	Name       string `json:"name"`
	ParserKind string `json:"parser_kind"`
	MACKind    string `json:"mac_kind"`
	Role       string `json:"role"`
}

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Inspect and rekey repelgod's protected connections",
	}
	cmd.AddCommand(connectionListCmd())
	cmd.AddCommand(connectionShowCmd())
	cmd.AddCommand(connectionSetKeysCmd())
	return cmd
}

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all protected connections",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var infos []connectionInfo
			if err := getJSON("/v1/connections", &infos); err != nil {
				return err
			}
			return printConnections(infos)
		},
	}
}

func connectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show details of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var info connectionInfo
			if err := getJSON("/v1/connections/"+args[0], &info); err != nil {
				return err
			}
			return printConnections([]connectionInfo{info})
		},
	}
}

func connectionSetKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-keys <name> <hex-keys>",
		Short: "Install new key material on a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			name, keysHex := args[0], args[1]
			body, err := json.Marshal(map[string]string{"keys_hex": keysHex})
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}

			resp, err := client.Post(baseURL()+"/v1/connections/"+name+"/keys", "application/json", strings.NewReader(string(body)))
			if err != nil {
				return fmt.Errorf("set-keys request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				return apiError(resp)
			}

			fmt.Printf("connection %q rekeyed\n", name)
			return nil
		},
	}
}

func getJSON(path string, out any) error {
	resp, err := client.Get(baseURL() + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("repelgod admin API: %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

func printConnections(infos []connectionInfo) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(rootCmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	fmt.Printf("%-20s %-12s %-14s %-8s\n", "NAME", "PARSER", "MAC", "ROLE")
	for _, info := range infos {
		fmt.Printf("%-20s %-12s %-14s %-8s\n", info.Name, info.ParserKind, info.MACKind, info.Role)
	}
	return nil
}
