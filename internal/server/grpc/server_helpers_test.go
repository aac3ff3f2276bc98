package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/vaultbridge/internal/service"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	token := jwt.NewWithClaims(method, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func newAuthServer(t *testing.T, key []byte) *Server {
	t.Helper()
	return New(nil, service.NewTokenService(key, time.Hour), nil)
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_subjectFromCtx_Valid(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	s := newAuthServer(t, key)
	j := makeJWT(t, "vaultctl", key, jwt.SigningMethodHS256, time.Now().UTC().Add(-time.Minute), 10*time.Minute)

	sub, err := s.subjectFromCtx(ctxWithAuth(j))
	if err != nil {
		t.Fatalf("subjectFromCtx: %v", err)
	}
	if sub != "vaultctl" {
		t.Fatalf("subject mismatch: %s", sub)
	}
}

func Test_subjectFromCtx_Rejects(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	s := newAuthServer(t, key)
	now := time.Now().UTC()

	cases := map[string]context.Context{
		"no metadata": context.Background(),
		"expired":     ctxWithAuth(makeJWT(t, "vaultctl", key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour)),
		"wrong alg":   ctxWithAuth(makeJWT(t, "vaultctl", key, jwt.SigningMethodHS384, now, time.Hour)),
		"wrong key":   ctxWithAuth(makeJWT(t, "vaultctl", []byte("other"), jwt.SigningMethodHS256, now, time.Hour)),
		"not a jwt":   ctxWithAuth("this-is-not-a-jwt"),
		"empty sub":   ctxWithAuth(makeJWT(t, "", key, jwt.SigningMethodHS256, now, time.Hour)),
	}
	for name, ctx := range cases {
		if _, err := s.subjectFromCtx(ctx); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}
