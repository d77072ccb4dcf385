package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerToken(t *testing.T) {
	require := require.New(t)

	token, err := NewIssuer("s3cret", 0).WorkerToken("default")
	require.NoError(err)

	id, err := NewAuthenticator("s3cret").Authenticate(token)
	require.NoError(err)
	require.NotEmpty(id.UID)
	require.True(id.IsWorker)
	require.False(id.IsUser)
	require.True(id.WorkerFor("default"))
	require.False(id.WorkerFor("other"))
}

func TestUserToken(t *testing.T) {
	require := require.New(t)

	issuer := NewIssuer("s3cret", time.Hour)
	token, err := issuer.UserToken("bob")
	require.NoError(err)

	id, err := NewAuthenticator("s3cret").Authenticate(token)
	require.NoError(err)
	require.Equal("bob", id.UID)
	require.True(id.IsUser)
	require.False(id.WorkerFor("default"))

	token, err = issuer.UserToken("")
	require.NoError(err)
	id, err = NewAuthenticator("s3cret").Authenticate(token)
	require.NoError(err)
	require.NotEmpty(id.UID)
}

func TestAuthenticate_Rejects(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Minute)
	token, err := issuer.WorkerToken("default")
	require.NoError(t, err)

	_, err = NewAuthenticator("other").Authenticate(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthenticator("s3cret").Authenticate("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, err := issuer.WorkerToken("default")
	require.NoError(t, err)
	_, err = NewAuthenticator("s3cret").Authenticate(expired)
	require.ErrorIs(t, err, ErrInvalidToken)
}
