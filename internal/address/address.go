// Package address parses the worker_name field Stratum clients send on
// mining.authorize as a payout address, optionally carrying a
// ".worker" suffix used to distinguish multiple rigs mining to the
// same address.
package address

import "strings"

const (
	prefix       = "aleo1"
	addressLen   = 63
	bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

type parseError string

func (e parseError) Error() string { return string(e) }

const (
	// ErrEmpty is returned for an empty worker_name.
	ErrEmpty parseError = "worker_name is empty"
	// ErrBadPrefix is returned when the address part does not start
	// with the expected "aleo1" human-readable prefix.
	ErrBadPrefix parseError = "address does not start with aleo1"
	// ErrBadLength is returned when the address part is not exactly
	// addressLen characters.
	ErrBadLength parseError = "address has the wrong length"
	// ErrBadCharset is returned when the address part contains a
	// character outside the bech32 charset.
	ErrBadCharset parseError = "address contains an invalid character"
)

// Parsed holds the result of splitting a worker_name into its payout
// address and optional worker label.
type Parsed struct {
	Address string
	Worker  string
}

// Parse splits workerName on the first '.' into an address and an
// optional worker label, and validates the address portion looks like
// a bech32-encoded Aleo-style address. It does not verify the address
// cryptographically; that is the province of the external proving
// library's verification oracle.
func Parse(workerName string) (Parsed, error) {
	if workerName == "" {
		return Parsed{}, ErrEmpty
	}

	addr := workerName
	worker := ""
	if idx := strings.IndexByte(workerName, '.'); idx >= 0 {
		addr = workerName[:idx]
		worker = workerName[idx+1:]
	}

	if err := validate(addr); err != nil {
		return Parsed{}, err
	}

	return Parsed{Address: addr, Worker: worker}, nil
}

func validate(addr string) error {
	if !strings.HasPrefix(addr, prefix) {
		return ErrBadPrefix
	}
	if len(addr) != addressLen {
		return ErrBadLength
	}
	for i := len(prefix); i < len(addr); i++ {
		if strings.IndexByte(bech32Charset, addr[i]) < 0 {
			return ErrBadCharset
		}
	}
	return nil
}
