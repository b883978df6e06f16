package gateway

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// deviceSignatureWindow bounds how stale a signed hello may be. Allows the
// same slack in both directions for clock skew.
const deviceSignatureWindow = 5 * time.Minute

var errUnauthorized = errors.New("unauthorized")

// authenticate resolves hello credentials to a role and scope set. Token
// comparisons are constant time; device auth verifies an ed25519 signature
// over "{id}.{signed_at}" against the registered public key.
func (s *Server) authenticate(auth protocol.HelloAuth, now time.Time) (string, []string, error) {
	gw := s.deps.Config.Current().Gateway

	if auth.Token != "" {
		if gw.Token != "" && subtle.ConstantTimeCompare([]byte(auth.Token), []byte(gw.Token)) == 1 {
			return "admin", []string{protocol.ScopeAdmin}, nil
		}
		for _, t := range gw.Tokens {
			if t.Token == "" {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(t.Token)) == 1 {
				return "token:" + t.Name, t.Scopes, nil
			}
		}
		return "", nil, errUnauthorized
	}

	if auth.Device != nil {
		dev, ok := s.lookupDevice(gw, auth.Device.ID)
		if !ok {
			return "", nil, errUnauthorized
		}
		if err := verifyDeviceSignature(dev.PublicKey, auth.Device, now); err != nil {
			return "", nil, err
		}
		return "device:" + dev.ID, dev.Scopes, nil
	}

	return "", nil, errUnauthorized
}

// lookupDevice checks configured devices first, then devices paired at
// runtime through nodes.pair.approve.
func (s *Server) lookupDevice(gw config.GatewayConfig, id string) (config.DeviceKey, bool) {
	for _, d := range gw.Devices {
		if d.ID == id {
			return d, true
		}
	}
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	d, ok := s.paired[id]
	return d, ok
}

func verifyDeviceSignature(registeredKey string, auth *protocol.DeviceAuth, now time.Time) error {
	pub, err := base64.StdEncoding.DecodeString(registeredKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("registered device key invalid")
	}
	presented, err := base64.StdEncoding.DecodeString(auth.PublicKey)
	if err != nil || subtle.ConstantTimeCompare(pub, presented) != 1 {
		return errUnauthorized
	}
	sig, err := base64.StdEncoding.DecodeString(auth.Signature)
	if err != nil {
		return errUnauthorized
	}
	msg := fmt.Sprintf("%s.%d", auth.ID, auth.SignedAt)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		return errUnauthorized
	}
	age := now.Sub(time.Unix(auth.SignedAt, 0))
	if age > deviceSignatureWindow || age < -deviceSignatureWindow {
		return fmt.Errorf("device signature outside freshness window")
	}
	return nil
}
