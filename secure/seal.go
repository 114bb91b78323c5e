package secure

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
)

// sealKeyFunc yields the process-wide seal key. It is installed exactly once
// at init and closes over the key bytes; nothing else in the package, and
// nothing outside it, can read the key back.
var sealKeyFunc func() []byte

func init() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("secure: seal key entropy unavailable: " + err.Error())
	}
	sealKeyFunc = func() []byte { return key }
}

// SealedFrame binds a frame to its security level and registry identity with
// an HMAC. The seal does not cover the row data (the registry digest does
// that); it exists to catch anyone swapping the level or identity on a live
// entry, which would re-route data past custody checks.
type SealedFrame struct {
	frame    *Frame
	level    int
	identity string
	seal     []byte
}

func sealFrame(frame *Frame, level int, identity string) *SealedFrame {
	return &SealedFrame{
		frame:    frame,
		level:    level,
		identity: identity,
		seal:     computeSeal(level, identity),
	}
}

func computeSeal(level int, identity string) []byte {
	mac := hmac.New(sha256.New, sealKeyFunc())
	var lvl [8]byte
	binary.BigEndian.PutUint64(lvl[:], uint64(level))
	mac.Write(lvl[:])
	mac.Write([]byte(identity))
	return mac.Sum(nil)
}

// Access verifies the seal and returns the frame. Every read path goes
// through here; a frame with a broken seal is unreachable.
func (s *SealedFrame) Access() (*Frame, error) {
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return s.frame, nil
}

// Verify recomputes the seal and compares in constant time. The error names
// the identity but never the expected or observed seal bytes.
func (s *SealedFrame) Verify() error {
	if !hmac.Equal(s.seal, computeSeal(s.level, s.identity)) {
		return &SecurityError{Message: "seal verification failed for frame " + s.identity}
	}
	return nil
}

// SecurityLevel returns the sealed level without exposing the frame.
func (s *SealedFrame) SecurityLevel() int { return s.level }

// Identity returns the registry id the seal is bound to.
func (s *SealedFrame) Identity() string { return s.identity }
