package api

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/protocol"
	"github.com/solatis/rulekeeper/internal/types"
)

func newTestService(t *testing.T) (*RuleStoreService, context.Context) {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.MigrateUp(conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	svc, err := NewRuleStoreService(db.NewRuleRepository(q), 0, nil)
	require.NoError(t, err)
	return svc, auth.WithProjectID(context.Background(), "proj-1")
}

func mustDoc(t *testing.T) func(*structpb.Struct, error) *structpb.Struct {
	return func(doc *structpb.Struct, err error) *structpb.Struct {
		t.Helper()
		require.NoError(t, err)
		return doc
	}
}

func getRoot(t *testing.T, svc *RuleStoreService, ctx context.Context) types.Rule {
	t.Helper()
	out, err := svc.GetRule(ctx, mustDoc(t)(protocol.EncodeGetRequest(bus.GetRuleRequest{})))
	require.NoError(t, err)
	root, err := protocol.DecodeRule(out)
	require.NoError(t, err)
	return root
}

func saveValue(t *testing.T, svc *RuleStoreService, ctx context.Context, req bus.ValueRuleRequest) (types.Ack, error) {
	t.Helper()
	out, err := svc.SaveValueRule(ctx, mustDoc(t)(protocol.EncodeValueRequest(req)))
	if err != nil {
		return types.Ack{}, err
	}
	return protocol.DecodeAck(out)
}

func TestRequiresProject(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetRule(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestGetRootAndChild(t *testing.T) {
	svc, ctx := newTestService(t)
	root := getRoot(t, svc, ctx)
	assert.Equal(t, types.RuleTypeRoot, root.Type)
	assert.Equal(t, root.ID, getRoot(t, svc, ctx).ID)

	ack, err := saveValue(t, svc, ctx, bus.ValueRuleRequest{
		ParentID:       root.ID,
		Type:           types.RuleTypeValue,
		TargetProperty: "http://xmlns.com/foaf/0.1/name",
		SourceProperty: "/person/name",
	})
	require.NoError(t, err)

	out, err := svc.GetRule(ctx, mustDoc(t)(protocol.EncodeGetRequest(bus.GetRuleRequest{ID: ack.ID})))
	require.NoError(t, err)
	rule, err := protocol.DecodeRule(out)
	require.NoError(t, err)
	assert.Equal(t, "person/name", rule.SourcePath)
	assert.Equal(t, types.DefaultPropertyType, rule.MappingTarget.ValueType)

	_, err = svc.GetRule(ctx, mustDoc(t)(protocol.EncodeGetRequest(bus.GetRuleRequest{ID: types.NewRuleID()})))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = svc.GetRule(ctx, mustDoc(t)(protocol.EncodeGetRequest(bus.GetRuleRequest{ID: "nope"})))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSaveValidation(t *testing.T) {
	svc, ctx := newTestService(t)
	root := getRoot(t, svc, ctx)

	cases := map[string]bus.ValueRuleRequest{
		"missing target": {ParentID: root.ID, Type: types.RuleTypeValue},
		"target not iri": {ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: "just words"},
		"bad id":         {ID: "x", ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: "ex:p"},
		"bad parent":     {ParentID: "x", Type: types.RuleTypeValue, TargetProperty: "ex:p"},
		"wrong type":     {ParentID: root.ID, Type: types.RuleTypeObject, TargetProperty: "ex:p"},
		"unknown type":   {ParentID: root.ID, Type: "thing", TargetProperty: "ex:p"},
		"empty step":     {ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: "ex:p", SourceProperty: "a//b"},
		"too deep":       {ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: "ex:p", SourceProperty: strings.Repeat("a/", types.MaxPathDepth) + "a"},
		"long comment":   {ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: "ex:p", Comment: strings.Repeat("c", types.MaxCommentLength+1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := saveValue(t, svc, ctx, req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", err)
		})
	}
}

func TestSaveObjectRule(t *testing.T) {
	svc, ctx := newTestService(t)
	root := getRoot(t, svc, ctx)

	req := bus.ObjectRuleRequest{
		ParentID:         root.ID,
		Type:             types.RuleTypeObject,
		TargetProperty:   "http://example.org/employer",
		TargetEntityType: []string{"http://example.org/Company"},
		Pattern:          "http://example.org/company/{id}",
		EntityConnection: true,
	}
	out, err := svc.SaveObjectRule(ctx, mustDoc(t)(protocol.EncodeObjectRequest(req)))
	require.NoError(t, err)
	ack, err := protocol.DecodeAck(out)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ack.Revision)

	req.TargetEntityType = []string{"not an iri"}
	_, err = svc.SaveObjectRule(ctx, mustDoc(t)(protocol.EncodeObjectRequest(req)))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// root updates need no target property
	rootReq := bus.ObjectRuleRequest{ID: root.ID, Type: types.RuleTypeRoot, Comment: "top", Revision: root.Revision}
	_, err = svc.SaveObjectRule(ctx, mustDoc(t)(protocol.EncodeObjectRequest(rootReq)))
	require.NoError(t, err)

	_, err = svc.SaveObjectRule(ctx, mustDoc(t)(protocol.EncodeObjectRequest(rootReq)))
	assert.Equal(t, codes.Aborted, status.Code(err))
}

func TestReorderRule(t *testing.T) {
	svc, ctx := newTestService(t)
	root := getRoot(t, svc, ctx)

	var ids []types.RuleID
	for _, p := range []string{"ex:a", "ex:b"} {
		ack, err := saveValue(t, svc, ctx, bus.ValueRuleRequest{ParentID: root.ID, Type: types.RuleTypeValue, TargetProperty: p})
		require.NoError(t, err)
		ids = append(ids, ack.ID)
	}

	order := func(req types.ReorderRequest) error {
		_, err := svc.ReorderRule(ctx, mustDoc(t)(protocol.EncodeOrderRequest(req)))
		return err
	}
	require.NoError(t, order(types.ReorderRequest{ID: ids[1], ParentID: root.ID, TargetPosition: 0}))
	assert.Equal(t, []types.RuleID{ids[1], ids[0]}, getRoot(t, svc, ctx).Children)

	assert.Equal(t, codes.InvalidArgument, status.Code(order(types.ReorderRequest{ID: ids[1]})))
	assert.Equal(t, codes.InvalidArgument, status.Code(order(types.ReorderRequest{ID: ids[1], ParentID: root.ID, TargetPosition: 5})))
	assert.Equal(t, codes.Aborted, status.Code(order(types.ReorderRequest{ID: ids[1], ParentID: ids[0], TargetPosition: 0})))
}

func TestNewRuleStoreServiceRequiresRepo(t *testing.T) {
	_, err := NewRuleStoreService(nil, 0, nil)
	assert.Error(t, err)
}
