package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal_String(t *testing.T) {
	assert.Equal(t, "42", (&Principal{ID: 42}).String())

	var anon *Principal
	assert.Equal(t, "anonymous", anon.String())
}

func TestPrincipalFromContext(t *testing.T) {
	assert.Nil(t, PrincipalFromContext(context.Background()))

	p := &Principal{ID: 7, Username: "registrar", IsActive: true}
	ctx := WithPrincipal(context.Background(), p)
	assert.Same(t, p, PrincipalFromContext(ctx))
}
