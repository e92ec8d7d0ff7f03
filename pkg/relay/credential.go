// Package relay federates sould daemons: a controller serves files it
// does not hold locally by requesting their bodies from agents over a
// persistent channel, and agents push bodies and share indexes back
// over HTTP. Requests and responses are bound together by HMAC
// credentials derived from a per-agent shared secret.
package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Credential computes the response credential for a relay request:
// HMAC-SHA256(secret, id || agent || filename), hex encoded. Share
// uploads use an empty filename.
func Credential(secret, id, agent, filename string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte(agent))
	mac.Write([]byte(filename))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCredential checks a presented credential in constant time.
func VerifyCredential(secret, id, agent, filename, presented string) bool {
	want := Credential(secret, id, agent, filename)
	return hmac.Equal([]byte(want), []byte(presented))
}
