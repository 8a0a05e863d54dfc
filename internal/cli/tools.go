package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var toolsGroup string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools a running gateway exposes",
	Long:  `List the tools a running gateway exposes to the model, as YAML.`,
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&toolsGroup, "group", "", "only list tools of this group (database, splunk, bitbucket, outlook)")
	rootCmd.AddCommand(toolsCmd)
}

type toolListing struct {
	Name        string                 `yaml:"name"`
	Group       string                 `yaml:"group"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters,omitempty"`
}

func runTools(cmd *cobra.Command, args []string) error {
	if toolsGroup != "" && !toolexecutor.IsValidGroup(toolsGroup) {
		return fmt.Errorf("unknown tool group: %s", toolsGroup)
	}

	url, err := baseURL(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := newAPIClient(url, 10*time.Second).tools(ctx)
	if err != nil {
		return err
	}

	listing := make([]toolListing, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		if toolsGroup != "" && string(tool.Group) != toolsGroup {
			continue
		}
		listing = append(listing, toolListing{
			Name:        tool.Name,
			Group:       string(tool.Group),
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]interface{}{"tools": listing})
}
