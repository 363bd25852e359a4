package upstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single upstream frame, matching the order of
// magnitude of a puzzle response (a 32-byte epoch hash plus two
// uint64s, gob-encoded) with generous headroom.
const maxFrameBytes = 64 * 1024

// messageType tags the gob payload carried by a frame.
type messageType uint8

const (
	msgChallengeRequest messageType = iota
	msgChallengeResponse
	msgPeerAuth
	msgPing
	msgPong
	msgPuzzleRequest
	msgPuzzleResponse
	msgUnconfirmedSolution
)

type challengeRequest struct {
	Nonce []byte
}

// challengeResponse carries the pool's signature over the node's
// nonce, plus its own nonce and address for the node to sign back in
// a peerAuth message, so the handshake authenticates both directions.
type challengeResponse struct {
	GenesisHeader []byte
	SignedNonce   []byte
	PoolNonce     []byte
	PoolAddress   []byte
}

// peerAuth carries the node's signature over (PoolNonce || PoolAddress)
// from the preceding challengeResponse, verified against the expected
// peer public key loaded from the genesis config.
type peerAuth struct {
	Signature []byte
}

type ping struct{}
type pong struct{}
type puzzleRequest struct{}

type puzzleResponse struct {
	EpochHash   [32]byte
	EpochNumber uint64
	ProofTarget uint64
}

type unconfirmedSolution struct {
	EpochHash [32]byte
	Address   string
	Counter   uint64
	Nonce     uint64
}

// frame is one length-prefixed, gob-encoded message on the wire.
type frame struct {
	Type    messageType
	Payload []byte
}

func encodeFrame(t messageType, payload interface{}) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(frame{Type: t, Payload: body.Bytes()}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	lengthPrefixed := make([]byte, 4+out.Len())
	binary.BigEndian.PutUint32(lengthPrefixed, uint32(out.Len()))
	copy(lengthPrefixed[4:], out.Bytes())
	return lengthPrefixed, nil
}

// readFrame reads one length-prefixed frame from r, rejecting frames
// over maxFrameBytes so a corrupt length header cannot force an
// unbounded allocation.
func readFrame(r *bufio.Reader) (frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 || length > maxFrameBytes {
		return frame{}, fmt.Errorf("frame length %d out of bounds", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}

	var f frame
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func decodePayload(f frame, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(f.Payload)).Decode(v)
}
