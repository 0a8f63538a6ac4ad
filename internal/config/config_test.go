package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-cache/caches"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "http://localhost:3000")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Equal(t, "http://localhost:3000", c.Origin)
	assert.Equal(t, 15*time.Second, c.ShutdownTimeout)
	assert.Equal(t, BackendLocal, c.Backend)
	assert.Equal(t, "impact-forge-v1", c.PrecacheName())
	assert.Equal(t, "impact-forge-runtime-v1", c.RuntimeName())
	assert.Equal(t, []string{
		"/",
		"/index.html",
		"/assets/generated/favicon-blue-flame-transparent.dim_32x32.png",
		"/assets/generated/impact-forge-icon-transparent.dim_200x200.png",
	}, c.Manifest)
	assert.Equal(t, "/api/", c.APISegment)
	assert.Equal(t, "canisterId", c.RoutingParam)
	assert.Empty(t, c.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "https://app.example")
	t.Setenv("OFFLINE_CACHE_VERSION", "v2")
	t.Setenv("OFFLINE_MANIFEST", "/,/app.js")
	t.Setenv("OFFLINE_BACKEND", "postgres")
	t.Setenv("OFFLINE_POSTGRES_DSN", "postgres://localhost/cache")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "impact-forge-v2", c.PrecacheName())
	assert.Equal(t, "impact-forge-runtime-v2", c.RuntimeName())
	assert.Equal(t, []string{"/", "/app.js"}, c.Manifest)
	assert.Equal(t, BackendPostgres, c.Backend)
}

func TestLoadRequiresOrigin(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "local",
			config: Config{Backend: BackendLocal, CachePrefix: "p", CacheVersion: "v1"},
		},
		{
			name:    "postgres without dsn",
			config:  Config{Backend: BackendPostgres, CachePrefix: "p", CacheVersion: "v1"},
			wantErr: true,
		},
		{
			name:    "s3 without bucket",
			config:  Config{Backend: BackendS3, S3Endpoint: "localhost:9000", CachePrefix: "p", CacheVersion: "v1"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			config:  Config{Backend: "redis", CachePrefix: "p", CacheVersion: "v1"},
			wantErr: true,
		},
		{
			name:    "empty version",
			config:  Config{Backend: BackendLocal, CachePrefix: "p"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, caches.ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}
