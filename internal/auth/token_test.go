package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
)

func TestSources(t *testing.T) {
	ctx := context.Background()

	tok, err := StaticToken(" abc ").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(ctx)
	assert.ErrorIs(t, err, apierr.ErrNoCredential)

	t.Setenv("TEST_PORTFOLIO_TOKEN", "env-token")
	tok, err = EnvToken("TEST_PORTFOLIO_TOKEN").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "env-token", tok)

	_, err = EnvToken("TEST_PORTFOLIO_TOKEN_UNSET").Token(ctx)
	assert.ErrorIs(t, err, apierr.ErrNoCredential)
}

func TestFileTokenIsReread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	src := FileToken(path)

	_, err := src.Token(context.Background())
	require.ErrorIs(t, err, apierr.ErrNoCredential)
	assert.Equal(t, apierr.KindUnauthorized, apierr.Classify(err).Kind)

	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, _ = src.Token(context.Background())
	assert.Equal(t, "second", tok)
}

func TestFromConfigAndBearer(t *testing.T) {
	src := FromConfig(Config{Token: "t1", TokenEnv: "IGNORED"})
	h, err := Bearer(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "Bearer t1", h)

	assert.IsType(t, FileToken(""), FromConfig(Config{TokenFile: "/x"}))
	assert.IsType(t, EnvToken(""), FromConfig(Config{}))
}
