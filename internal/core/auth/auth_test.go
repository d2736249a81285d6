package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/rulekeeper/internal/core/db"
)

const testSecretID = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) (*Authenticator, *db.Queries) {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.MigrateUp(conn))

	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	require.NoError(t, db.NewRuleRepository(q).EnsureProject(context.Background(), "proj-1", "Project One"))

	secrets := map[string][]byte{testSecretID: []byte(strings.Repeat("s", 32))}
	return NewAuthenticator(secrets, q), q
}

func TestParseAPIKey(t *testing.T) {
	random := strings.Repeat("ab", 32)
	valid := FormatAPIKey(testSecretID, random)

	secretID, data, err := ParseAPIKey(valid)
	require.NoError(t, err)
	assert.Equal(t, testSecretID, secretID)
	assert.Equal(t, random, data)
	assert.Len(t, valid, 102)

	for name, key := range map[string]string{
		"empty":        "",
		"wrong prefix": "xx-v1-" + testSecretID + "-" + random,
		"bad version":  "rk-v2-" + testSecretID + "-" + random,
		"short secret": "rk-v1-0123-" + random,
		"short random": "rk-v1-" + testSecretID + "-abcd",
		"uppercase":    "rk-v1-" + strings.ToUpper(testSecretID) + "-" + random,
		"extra part":   valid + "-00",
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseAPIKey(key)
			assert.ErrorIs(t, err, ErrInvalidKeyFormat)
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	b, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, _, err = ParseAPIKey(a)
	assert.NoError(t, err)

	_, err = GenerateAPIKey("nothex")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("secret")
	assert.True(t, VerifyHMAC(ComputeHMAC(secret, "k"), ComputeHMAC(secret, "k")))
	assert.False(t, VerifyHMAC(ComputeHMAC(secret, "k"), ComputeHMAC(secret, "other")))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	a, q := newTestAuthenticator(t)

	key, err := a.IssueKey(ctx, testSecretID, "proj-1", "editor")
	require.NoError(t, err)

	project, err := a.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", project)

	other, err := GenerateAPIKey(testSecretID)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, other)
	assert.ErrorIs(t, err, ErrInvalidKey)

	unknown, err := GenerateAPIKey(strings.Repeat("f", 32))
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = q.ExecContext(ctx, "revoke-api-key", a.now(), keyID(t, a, q, key))
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, key)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func keyID(t *testing.T, a *Authenticator, q *db.Queries, key string) string {
	t.Helper()
	var row struct {
		APIKeyID   string `db:"api_key_id"`
		ProjectID  string `db:"project_id"`
		RevokedAt  any    `db:"revoked_at"`
		LastUsedAt any    `db:"last_used_at"`
	}
	require.NoError(t, q.GetContext(context.Background(), "get-api-key-by-hash", &row,
		ComputeHMAC(a.secrets[testSecretID], key)))
	return row.APIKeyID
}

func TestIssueKeyUnknownSecret(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	_, err := a.IssueKey(context.Background(), strings.Repeat("e", 32), "proj-1", "x")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestUnaryInterceptor(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthenticator(t)
	key, err := a.IssueKey(ctx, testSecretID, "proj-1", "editor")
	require.NoError(t, err)

	intercept := a.UnaryInterceptor("/grpc.health.v1.Health/")
	handler := func(ctx context.Context, _ any) (any, error) {
		return ProjectIDFromContext(ctx), nil
	}
	call := func(ctx context.Context, method string) (any, error) {
		return intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	}
	const method = "/rulekeeper.store.v1.RuleStore/GetRule"

	got, err := call(metadata.NewIncomingContext(ctx, metadata.Pairs(MetadataKey, key)), method)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got)

	_, err = call(ctx, method)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(metadata.NewIncomingContext(ctx, metadata.MD{}), method)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(metadata.NewIncomingContext(ctx, metadata.Pairs(MetadataKey, "garbage")), method)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	got, err = call(ctx, "/grpc.health.v1.Health/Check")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestStaticProject(t *testing.T) {
	intercept := StaticProject("default")
	got, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{},
		func(ctx context.Context, _ any) (any, error) { return ProjectIDFromContext(ctx), nil })
	require.NoError(t, err)
	assert.Equal(t, "default", got)
}

func TestAPIKeyCredentials(t *testing.T) {
	md, err := APIKeyCredentials("k").GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{MetadataKey: "k"}, md)

	md, err = APIKeyCredentials("").GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Empty(t, md)
	assert.False(t, APIKeyCredentials("k").RequireTransportSecurity())
}
