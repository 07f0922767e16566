package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsVersion7AndUnique(t *testing.T) {
	t.Parallel()

	id1, err := NewID()
	require.NoError(t, err)
	id2, err := NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.Equal(t, goUUID.Version(7), id1.Version())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	generated, err := Resolve("")
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), generated.Version())

	supplied := goUUID.NewString()
	got, err := Resolve(supplied)
	require.NoError(t, err)
	require.Equal(t, supplied, got.String())

	for _, bad := range []string{"batch-1", goUUID.Nil.String()} {
		_, err := Resolve(bad)
		require.ErrorIs(t, err, ErrInvalid, bad)
	}
}
