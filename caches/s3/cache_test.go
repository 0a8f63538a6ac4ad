//go:build !integration

package s3

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-cache/caches"
)

func TestNewS3Cache(t *testing.T) {
	client, err := NewClient(ClientConfig{Endpoint: "localhost:9000", AccessKey: "minio", SecretKey: "minio123"})
	require.NoError(t, err)

	tests := []struct {
		name           string
		config         *Config
		expectedPrefix string
		expectedErr    error
	}{
		{
			name:        "nil config returns error",
			config:      nil,
			expectedErr: caches.ErrValidation,
		},
		{
			name:        "missing bucket returns error",
			config:      &Config{Prefix: "offline"},
			expectedErr: caches.ErrValidation,
		},
		{
			name:           "prefix gets a trailing slash",
			config:         &Config{Bucket: "assets", Prefix: "offline"},
			expectedPrefix: "offline/",
		},
		{
			name:           "empty prefix",
			config:         &Config{Bucket: "assets"},
			expectedPrefix: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(client, tt.config)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, s)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedPrefix, s.prefix)
			assert.Equal(t, caches.DefaultMaxEntrySize, s.maxEntrySize)
		})
	}
}

func TestNewNilClient(t *testing.T) {
	s, err := New(nil, &Config{Bucket: "assets"})

	assert.Nil(t, s)
	assert.ErrorIs(t, err, caches.ErrValidation)
}

func TestObjectName(t *testing.T) {
	client, err := NewClient(ClientConfig{Endpoint: "localhost:9000"})
	require.NoError(t, err)

	s, err := New(client, &Config{Bucket: "assets", Prefix: "offline/"})
	require.NoError(t, err)

	a := s.objectName("impact-forge-runtime-v1", "GET#http://app.example/assets/logo.png")
	b := s.objectName("impact-forge-runtime-v1", "GET#http://app.example/assets/icon.png")

	assert.True(t, strings.HasPrefix(a, "offline/impact-forge-runtime-v1/"))
	assert.Len(t, strings.TrimPrefix(a, "offline/impact-forge-runtime-v1/"), 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, s.objectName("impact-forge-runtime-v1", "GET#http://app.example/assets/logo.png"))
}
