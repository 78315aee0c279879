package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc , empty=, =skip, broken ,x-team=margin")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"empty":         "",
		"x-team":        "margin",
	}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestNormalizeEndpoint(t *testing.T) {
	endpoint, insecure := normalizeEndpoint("http://collector:4318/", false)
	require.Equal(t, "collector:4318", endpoint)
	require.True(t, insecure)

	endpoint, insecure = normalizeEndpoint("https://otel.example.com", true)
	require.Equal(t, "otel.example.com", endpoint)
	require.False(t, insecure)

	endpoint, _ = normalizeEndpoint("", false)
	require.Equal(t, "localhost:4318", endpoint)
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "margind"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
