package auth

import (
	"context"

	"google.golang.org/grpc/credentials"
)

type apiKeyCredentials struct {
	key string
}

// APIKeyCredentials attaches key as x-api-key metadata to every call.
// An empty key attaches nothing.
func APIKeyCredentials(key string) credentials.PerRPCCredentials {
	return apiKeyCredentials{key: key}
}

func (c apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	if c.key == "" {
		return nil, nil
	}
	return map[string]string{MetadataKey: c.key}, nil
}

// RequireTransportSecurity is false so keys work over plaintext on localhost.
// TODO: require TLS once the server accepts a certificate in rule_store config.
func (c apiKeyCredentials) RequireTransportSecurity() bool {
	return false
}
