package resources_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/adapters/resources"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	s := resources.New("")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "greeting", []byte("hello")))
	v, err := s.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	s := resources.New("")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v1")))
	require.NoError(t, s.Put(ctx, "k", []byte("v2")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestGetUnknownKeyReturnsErrNotFound(t *testing.T) {
	s := resources.New("")
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, resources.ErrNotFound))
}

func TestDeleteUnknownKeyReturnsErrNotFound(t *testing.T) {
	s := resources.New("")
	err := s.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, resources.ErrNotFound))
}

func TestDeleteRemovesKey(t *testing.T) {
	s := resources.New("")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, errors.Is(err, resources.ErrNotFound))
}

func TestListReturnsSortedKeys(t *testing.T) {
	s := resources.New("")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "banana", []byte("b")))
	require.NoError(t, s.Put(ctx, "apple", []byte("a")))
	require.NoError(t, s.Put(ctx, "cherry", []byte("c")))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana", "cherry"}, keys)
}

func TestPresignedLinkIncludesExpiryAndBaseURL(t *testing.T) {
	s := resources.New("https://runtime.example.com")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	link, err := s.PresignedLink(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, link, "https://runtime.example.com/resources/k?expires=")
}

func TestPresignedLinkUnknownKeyReturnsErrNotFound(t *testing.T) {
	s := resources.New("")
	_, err := s.PresignedLink(context.Background(), "missing", time.Hour)
	assert.True(t, errors.Is(err, resources.ErrNotFound))
}

func TestGetReturnedSliceIsNotAliasedToStoredValue(t *testing.T) {
	s := resources.New("")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("original")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}
