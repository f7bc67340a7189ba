package mailer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func TestIsPermanent(t *testing.T) {
	base := errors.New("550 no such user")

	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", Permanent(base))))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestTLSPolicy(t *testing.T) {
	p, err := tlsPolicy("none")
	require.NoError(t, err)
	assert.Equal(t, mail.NoTLS, p)

	p, err = tlsPolicy("mandatory")
	require.NoError(t, err)
	assert.Equal(t, mail.TLSMandatory, p)

	_, err = tlsPolicy("maybe")
	assert.Error(t, err)
}

func TestSMTPSender_RejectsBadRecipient(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "no-reply@example.com"})
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{To: "not an address", Subject: "s", HTMLBody: "b"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
