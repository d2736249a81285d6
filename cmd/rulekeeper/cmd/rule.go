package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/gateway"
	"github.com/solatis/rulekeeper/internal/protocol"
	"github.com/solatis/rulekeeper/internal/session"
	"github.com/solatis/rulekeeper/internal/types"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Read and edit rules on a running rule store",
}

var ruleGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a rule document (the project root when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuleGet,
}

var ruleMoveCmd = &cobra.Command{
	Use:   "move <id>",
	Short: "Move a rule among its siblings",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleMove,
}

var ruleEditCmd = &cobra.Command{
	Use:   "edit [id]",
	Short: "Edit a rule, or create one under --parent when no id is given",
	Long: `Opens the rule in an edit session, applies every --set field=value in order
and saves with --save. Without --save the resulting change set is printed and
discarded.

Fields: type, targetProperty, sourceProperty, comment, pattern, propertyType,
entityConnection (bool), targetEntityType (comma separated).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuleEdit,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleGetCmd, ruleMoveCmd, ruleEditCmd)
	ruleCmd.PersistentFlags().String("target", "", "rule store address (default from client.target)")

	ruleMoveCmd.Flags().String("parent", "", "parent rule id")
	ruleMoveCmd.Flags().Int("pos", 0, "current position among siblings")
	ruleMoveCmd.Flags().Int("count", 0, "number of siblings")
	ruleMoveCmd.Flags().String("to", "", "direction: top, up, down or bottom")
	_ = ruleMoveCmd.MarkFlagRequired("parent")
	_ = ruleMoveCmd.MarkFlagRequired("count")
	_ = ruleMoveCmd.MarkFlagRequired("to")

	ruleEditCmd.Flags().String("parent", "", "parent rule id")
	ruleEditCmd.Flags().String("kind", string(types.RuleTypeValue), "rule kind for new rules: object or value")
	ruleEditCmd.Flags().StringArray("set", nil, "field=value, repeatable")
	ruleEditCmd.Flags().Bool("save", false, "save the change set")
}

func dialStore(cmd *cobra.Command) (*gateway.Client, error) {
	target, _ := cmd.Flags().GetString("target")
	if target == "" {
		target = cfg.Client.Target
	}
	return gateway.Dial(target, auth.APIKeyCredentials(config.APIKey()),
		gateway.WithTimeout(cfg.Client.Timeout),
		gateway.WithLogger(logger),
	)
}

func runRuleGet(cmd *cobra.Command, args []string) error {
	var id types.RuleID
	if len(args) == 1 {
		id = types.RuleID(args[0])
	}

	client, err := dialStore(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	rule, err := client.GetRule(context.Background(), id)
	if err != nil {
		return err
	}
	doc, err := protocol.EncodeRule(rule)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newEditor(gw gateway.Gateway) (*session.Editor, error) {
	policy, err := session.ParsePolicy(cfg.Client.Policy)
	if err != nil {
		return nil, err
	}
	return session.NewEditor(gw, session.WithPolicy(policy), session.WithLogger(logger)), nil
}

func runRuleMove(cmd *cobra.Command, args []string) error {
	parent, _ := cmd.Flags().GetString("parent")
	pos, _ := cmd.Flags().GetInt("pos")
	count, _ := cmd.Flags().GetInt("count")
	to, _ := cmd.Flags().GetString("to")

	dir, err := session.ParseDirection(to)
	if err != nil {
		return err
	}

	client, err := dialStore(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	editor, err := newEditor(client)
	if err != nil {
		return err
	}
	defer editor.Close()

	row, err := editor.NewRow(session.RowSpec{
		ID:       types.RuleID(args[0]),
		ParentID: types.RuleID(parent),
		Position: pos,
	})
	if err != nil {
		return err
	}
	if !row.Move(dir, count) {
		return fmt.Errorf("rule %s cannot be moved now", args[0])
	}
	editor.Settle()

	v := row.View()
	if v.ReorderErr != nil {
		return v.ReorderErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "moved %s to position %d (revision %d)\n", args[0], v.Position, v.Revision)
	return nil
}

func runRuleEdit(cmd *cobra.Command, args []string) error {
	parent, _ := cmd.Flags().GetString("parent")
	kind, _ := cmd.Flags().GetString("kind")
	sets, _ := cmd.Flags().GetStringArray("set")
	save, _ := cmd.Flags().GetBool("save")

	spec := session.RowSpec{ParentID: types.RuleID(parent)}
	if len(args) == 1 {
		spec.ID = types.RuleID(args[0])
	} else if parent == "" {
		return fmt.Errorf("--parent required when creating a rule")
	}
	ruleType, err := types.ParseRuleType(kind)
	if err != nil {
		return err
	}
	spec.Type = ruleType

	edits, err := parseEdits(sets)
	if err != nil {
		return err
	}

	client, err := dialStore(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	editor, err := newEditor(client)
	if err != nil {
		return err
	}
	defer editor.Close()

	row, err := editor.NewRow(spec)
	if err != nil {
		return err
	}
	if spec.ID != "" {
		if _, err := row.Expand(); err != nil {
			return err
		}
		editor.Settle()
		if v := row.View(); v.LoadErr != nil {
			return fmt.Errorf("failed to load %s: %w", spec.ID, v.LoadErr)
		}
	}

	for _, e := range edits {
		if err := row.SetField(e.field, e.value); err != nil {
			return fmt.Errorf("%s: %w", e.field, err)
		}
	}

	v := row.View()
	out := cmd.OutOrStdout()
	if !save {
		printSnapshot(out, v)
		return nil
	}
	if !row.Save() {
		if !v.CanSave && v.State != session.Clean {
			return errors.New("rule cannot be saved: targetProperty is required")
		}
		fmt.Fprintln(out, "no changes")
		return nil
	}
	editor.Settle()

	v = row.View()
	if v.Err != nil {
		return v.Err
	}
	fmt.Fprintf(out, "saved %s (revision %d)\n", row.ID(), v.Revision)
	return nil
}

type edit struct {
	field types.Field
	value any
}

func parseEdits(sets []string) ([]edit, error) {
	var edits []edit
	for _, s := range sets {
		name, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: expected field=value", s)
		}
		field, err := types.ParseField(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}

		var value any = raw
		switch field {
		case types.FieldBackward:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("--set %s: %w", name, err)
			}
			value = b
		case types.FieldTargetEntityTypes:
			var list []string
			for _, item := range strings.Split(raw, ",") {
				if item = strings.TrimSpace(item); item != "" {
					list = append(list, item)
				}
			}
			value = list
		}
		edits = append(edits, edit{field: field, value: value})
	}
	return edits, nil
}

func printSnapshot(w io.Writer, v session.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	s := v.Current
	fmt.Fprintf(tw, "state\t%s\n", v.State)
	fmt.Fprintf(tw, "dirty\t%t\n", v.Session.IsDirty)
	fmt.Fprintf(tw, "saveable\t%t\n", v.CanSave)
	fmt.Fprintf(tw, "type\t%s\n", s.Type)
	fmt.Fprintf(tw, "targetProperty\t%s\n", types.Str(s.TargetProperty))
	fmt.Fprintf(tw, "sourceProperty\t%s\n", types.Str(s.SourceProperty))
	fmt.Fprintf(tw, "comment\t%s\n", types.Str(s.Comment))
	if s.Type == types.RuleTypeValue {
		fmt.Fprintf(tw, "propertyType\t%s\n", types.Str(s.PropertyType))
	} else {
		fmt.Fprintf(tw, "pattern\t%s\n", types.Str(s.Pattern))
		fmt.Fprintf(tw, "entityConnection\t%t\n", types.Bool(s.Backward))
		fmt.Fprintf(tw, "targetEntityType\t%s\n", strings.Join(s.TargetEntityTypes, ","))
	}
	_ = tw.Flush()
}
