package server

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/core/api"
	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/gateway"
	"github.com/solatis/rulekeeper/internal/metric"
	"github.com/solatis/rulekeeper/internal/session"
	"github.com/solatis/rulekeeper/internal/types"
)

const testSecretID = "0123456789abcdef0123456789abcdef"

type harness struct {
	repo *db.RuleRepository
	auth *auth.Authenticator
	lis  *bufconn.Listener
}

func startServer(t *testing.T, requireAuth bool) *harness {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.MigrateUp(conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	h := &harness{
		repo: db.NewRuleRepository(q),
		auth: auth.NewAuthenticator(map[string][]byte{testSecretID: []byte(strings.Repeat("k", 32))}, q),
		lis:  bufconn.Listen(1 << 20),
	}
	require.NoError(t, h.repo.EnsureProject(context.Background(), "default", "default"))

	svc, err := api.NewRuleStoreService(h.repo, 5*time.Second, nil)
	require.NoError(t, err)
	cfg := config.Default().RuleStore
	cfg.RequireAuth = requireAuth
	srv, err := NewGRPCServer(&cfg, svc, h.auth, metric.New(), nil)
	require.NoError(t, err)

	go func() { _ = srv.Serve(h.lis) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return h
}

func (h *harness) dial(t *testing.T, key string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(auth.APIKeyCredentials(key)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNewGRPCServerRequiresAuthenticator(t *testing.T) {
	cfg := config.Default().RuleStore
	svc, err := api.NewRuleStoreService(&db.RuleRepository{}, 0, nil)
	require.NoError(t, err)

	_, err = NewGRPCServer(&cfg, svc, nil, nil, nil)
	assert.Error(t, err)

	cfg.RequireAuth = false
	_, err = NewGRPCServer(&cfg, svc, nil, nil, nil)
	assert.NoError(t, err)
}

func TestHealthNeedsNoKey(t *testing.T) {
	h := startServer(t, true)
	resp, err := grpc_health_v1.NewHealthClient(h.dial(t, "")).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestAuthenticatedProjects(t *testing.T) {
	h := startServer(t, true)
	ctx := context.Background()

	_, err := gateway.New(h.dial(t, "")).GetRule(ctx, "")
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Contains(t, err.Error(), codes.Unauthenticated.String())

	require.NoError(t, h.repo.EnsureProject(ctx, "proj-a", "A"))
	require.NoError(t, h.repo.EnsureProject(ctx, "proj-b", "B"))
	keyA, err := h.auth.IssueKey(ctx, testSecretID, "proj-a", "a")
	require.NoError(t, err)
	keyB, err := h.auth.IssueKey(ctx, testSecretID, "proj-b", "b")
	require.NoError(t, err)

	rootA, err := gateway.New(h.dial(t, keyA)).GetRule(ctx, "")
	require.NoError(t, err)
	rootB, err := gateway.New(h.dial(t, keyB)).GetRule(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, rootA.ID, rootB.ID)

	_, err = gateway.New(h.dial(t, keyB)).GetRule(ctx, rootA.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// A stored rule is edited through the full client stack and read back.
func TestEditSaveReload(t *testing.T) {
	h := startServer(t, false)
	ctx := context.Background()

	root, err := h.repo.EnsureRoot(ctx, "default")
	require.NoError(t, err)
	ack, err := h.repo.SaveValue(ctx, "default", types.Rule{
		ParentID:   root.ID,
		Type:       types.RuleTypeValue,
		SourcePath: "name",
	})
	require.NoError(t, err)
	r1 := ack.ID

	gw := gateway.New(h.dial(t, ""))
	editor := session.NewEditor(gw)
	defer editor.Close()

	var rec *bus.Recorder
	editor.Loop().Do(func() { rec = bus.Record(editor.Bus(), bus.TopicReload) })

	row, err := editor.NewRow(session.RowSpec{ID: r1, ParentID: root.ID, Type: types.RuleTypeValue})
	require.NoError(t, err)
	conf, err := row.Expand()
	require.NoError(t, err)
	require.Nil(t, conf)
	editor.Settle()

	v := row.View()
	require.Equal(t, session.Clean, v.State)
	require.NoError(t, v.LoadErr)
	assert.Equal(t, "name", types.Str(v.Current.SourceProperty))
	assert.False(t, v.CanSave)

	require.NoError(t, row.SetField(types.FieldTargetProperty, "http://ex/org/title"))
	v = row.View()
	assert.Equal(t, session.Dirty, v.State)
	assert.True(t, v.Session.IsDirty)
	assert.True(t, v.CanSave)

	require.True(t, row.Save())
	editor.Settle()

	v = row.View()
	require.NoError(t, v.Err)
	assert.Equal(t, session.Collapsed, v.State)
	assert.Empty(t, editor.Coordinator().DirtyIDs())

	var reloads int
	editor.Loop().Do(func() { reloads = rec.CountTopic(bus.TopicReload) })
	assert.Equal(t, 1, reloads)

	got, err := gw.GetRule(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, "http://ex/org/title", got.MappingTarget.URI)
	assert.EqualValues(t, 2, got.Revision)
}

// Two editors on the same rule: the second save loses on revision.
func TestConcurrentEditConflict(t *testing.T) {
	h := startServer(t, false)
	ctx := context.Background()

	root, err := h.repo.EnsureRoot(ctx, "default")
	require.NoError(t, err)
	ack, err := h.repo.SaveValue(ctx, "default", types.Rule{
		ParentID:      root.ID,
		Type:          types.RuleTypeValue,
		MappingTarget: types.MappingTarget{URI: "ex:p"},
	})
	require.NoError(t, err)

	open := func() (*session.Editor, *session.Row) {
		e := session.NewEditor(gateway.New(h.dial(t, "")))
		t.Cleanup(e.Close)
		row, err := e.NewRow(session.RowSpec{ID: ack.ID, ParentID: root.ID, Type: types.RuleTypeValue})
		require.NoError(t, err)
		_, err = row.Expand()
		require.NoError(t, err)
		e.Settle()
		return e, row
	}
	e1, row1 := open()
	e2, row2 := open()

	require.NoError(t, row1.SetField(types.FieldComment, "first"))
	require.NoError(t, row2.SetField(types.FieldComment, "second"))

	require.True(t, row1.Save())
	e1.Settle()
	require.NoError(t, row1.View().Err)

	require.True(t, row2.Save())
	e2.Settle()
	v := row2.View()
	assert.Equal(t, session.Failed, v.State)
	assert.ErrorIs(t, v.Err, types.ErrConflict)
	assert.Equal(t, "second", types.Str(v.Current.Comment))
}

func TestCreateAndMove(t *testing.T) {
	h := startServer(t, false)
	ctx := context.Background()
	root, err := h.repo.EnsureRoot(ctx, "default")
	require.NoError(t, err)

	editor := session.NewEditor(gateway.New(h.dial(t, "")))
	defer editor.Close()

	var created []types.RuleID
	for _, target := range []string{"ex:a", "ex:b", "ex:c"} {
		row, err := editor.NewRow(session.RowSpec{ParentID: root.ID, Type: types.RuleTypeValue})
		require.NoError(t, err)
		require.NoError(t, row.SetField(types.FieldTargetProperty, target))
		require.True(t, row.Save())
		editor.Settle()
		require.NoError(t, row.View().Err)
		created = append(created, row.ID())
		row.Detach()
	}

	last, err := editor.NewRow(session.RowSpec{ID: created[2], ParentID: root.ID, Type: types.RuleTypeValue, Position: 2})
	require.NoError(t, err)
	require.True(t, last.Move(session.MoveTop, len(created)))
	editor.Settle()
	require.NoError(t, last.View().ReorderErr)
	assert.Equal(t, 0, last.View().Position)

	got, err := h.repo.Get(ctx, "default", root.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.RuleID{created[2], created[0], created[1]}, got.Children)
}
