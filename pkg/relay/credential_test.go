package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialDeterministic(t *testing.T) {
	a := Credential("secret-0123456789abcdef", "id-1", "a1", `Music\album\01.mp3`)
	b := Credential("secret-0123456789abcdef", "id-1", "a1", `Music\album\01.mp3`)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestCredentialBindsAllInputs(t *testing.T) {
	base := Credential("secret-0123456789abcdef", "id-1", "a1", "f")
	assert.NotEqual(t, base, Credential("other-0123456789abcdef", "id-1", "a1", "f"))
	assert.NotEqual(t, base, Credential("secret-0123456789abcdef", "id-2", "a1", "f"))
	assert.NotEqual(t, base, Credential("secret-0123456789abcdef", "id-1", "a2", "f"))
	assert.NotEqual(t, base, Credential("secret-0123456789abcdef", "id-1", "a1", "g"))
}

func TestVerifyCredential(t *testing.T) {
	cred := Credential("secret-0123456789abcdef", "id-1", "a1", "f")
	assert.True(t, VerifyCredential("secret-0123456789abcdef", "id-1", "a1", "f", cred))
	assert.False(t, VerifyCredential("secret-0123456789abcdef", "id-2", "a1", "f", cred))
	assert.False(t, VerifyCredential("secret-0123456789abcdef", "id-1", "a1", "f", "bogus"))
}
