package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// FuzzVerify feeds arbitrary strings to Verify. Invalid input must be
// rejected with an error, never a panic.
func FuzzVerify(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	mgr, err := NewManager(Config{
		TTL:           5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "fuzz-test",
		Leeway:        30 * time.Second,
		MaxFutureIAT:  10 * time.Minute,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub},
	}, nil)
	if err != nil {
		f.Fatal(err)
	}

	validToken, err := mgr.Sign(Payload{Subject: "uid1", SessionID: "sid1"}, 0)
	if err != nil {
		f.Fatal(err)
	}

	f.Add(validToken)
	f.Add("")
	f.Add("not.a.jwt")
	f.Add("eyJhbGciOiJFZERTQSJ9.eyJ1aWQiOiJ0ZXN0In0.invalid")
	f.Add("eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ0ZXN0In0.")

	f.Fuzz(func(t *testing.T, input string) {
		p, err := mgr.Verify(input)
		if err != nil {
			return
		}
		if p.Subject == "" || p.SessionID == "" {
			t.Fatal("Verify accepted a token without subject or session id")
		}
	})
}
