package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/pkg/types"
)

// Thin catalog commands. The full admin surface lives elsewhere; these
// exist so a cluster can be configured from a shell.

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage routing rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a routing rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		pattern, _ := cmd.Flags().GetString("pattern")
		tag, _ := cmd.Flags().GetString("tag")
		priority, _ := cmd.Flags().GetInt("priority")
		if pattern == "" || tag == "" {
			return &exitError{code: exitConfig, err: fmt.Errorf("--pattern and --tag are required")}
		}

		id, err := store.PutRoutingRule(context.Background(), types.RoutingRule{
			Pattern:  pattern,
			Tag:      tag,
			Priority: priority,
		})
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		fmt.Printf("Rule %d: %s -> %s (priority %d)\n", id, pattern, tag, priority)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routing rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rules, err := store.ListRoutingRules(context.Background())
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		for _, r := range rules {
			fmt.Printf("%4d  %-30s -> %-16s priority %d\n", r.ID, r.Pattern, r.Tag, r.Priority)
		}
		return nil
	},
}

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topic sink bindings",
}

var topicAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Bind a plugin topic to a destination sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		plugin, _ := cmd.Flags().GetString("plugin")
		topic, _ := cmd.Flags().GetString("topic")
		uri, _ := cmd.Flags().GetString("uri")
		mode, _ := cmd.Flags().GetString("mode")
		if plugin == "" || topic == "" || uri == "" {
			return &exitError{code: exitConfig, err: fmt.Errorf("--plugin, --topic and --uri are required")}
		}
		if mode != string(types.WriteModeAppend) && mode != string(types.WriteModeOverwrite) {
			return &exitError{code: exitConfig, err: fmt.Errorf("--mode must be append or overwrite")}
		}

		id, err := store.PutTopicConfig(context.Background(), types.TopicConfig{
			PluginName: plugin,
			Topic:      topic,
			SinkURI:    uri,
			Mode:       types.WriteMode(mode),
		})
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		fmt.Printf("Topic binding %d: %s/%s -> %s (%s)\n", id, plugin, topic, uri, mode)
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe a plugin to routing tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		plugin, _ := cmd.Flags().GetString("plugin")
		tags, _ := cmd.Flags().GetString("tags")
		if plugin == "" || tags == "" {
			return &exitError{code: exitConfig, err: fmt.Errorf("--plugin and --tags are required")}
		}

		_, err = store.PutPluginConfig(context.Background(), types.PluginConfig{
			PluginName:    plugin,
			Subscriptions: strings.Split(tags, ","),
		})
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		fmt.Printf("Plugin %s subscribed to %s\n", plugin, tags)
		return nil
	},
}

func init() {
	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleAddCmd.Flags().String("pattern", "", "Glob pattern (doublestar)")
	ruleAddCmd.Flags().String("tag", "", "Tag contributed on match")
	ruleAddCmd.Flags().Int("priority", 0, "Evaluation priority (higher first)")

	topicCmd.AddCommand(topicAddCmd)
	topicAddCmd.Flags().String("plugin", "", "Plugin name")
	topicAddCmd.Flags().String("topic", "", "Topic name")
	topicAddCmd.Flags().String("uri", "", "Sink URI (parquet://path or table://name)")
	topicAddCmd.Flags().String("mode", "append", "Write mode (append or overwrite)")

	subscribeCmd.Flags().String("plugin", "", "Plugin name")
	subscribeCmd.Flags().String("tags", "", "Comma-separated tag list")
}
