// Package xa defines the distributed-transaction vocabulary shared by the
// session client and the broker: transaction identifiers, resource manager
// flags, votes and error codes.
package xa

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxGTRIDSize is the maximum length of a global transaction id.
	MaxGTRIDSize = 64
	// MaxBQUALSize is the maximum length of a branch qualifier.
	MaxBQUALSize = 64
)

// Xid identifies one branch of a distributed transaction.
type Xid struct {
	FormatID            int32  `cbor:"1,keyasint"`
	GlobalTransactionID []byte `cbor:"2,keyasint"`
	BranchQualifier     []byte `cbor:"3,keyasint"`
}

// Random returns a xid with random global id and branch qualifier.
func Random() Xid {
	g := uuid.New()
	b := uuid.New()
	return Xid{
		FormatID:            1,
		GlobalTransactionID: g[:],
		BranchQualifier:     b[:],
	}
}

// Validate reports CodeInvalid for a malformed xid.
func (x Xid) Validate() error {
	if x.FormatID == -1 {
		return NewError(CodeInvalid, "validate", "null xid")
	}
	if n := len(x.GlobalTransactionID); n == 0 || n > MaxGTRIDSize {
		return NewError(CodeInvalid, "validate", fmt.Sprintf("gtrid length %d out of range", n))
	}
	if n := len(x.BranchQualifier); n > MaxBQUALSize {
		return NewError(CodeInvalid, "validate", fmt.Sprintf("bqual length %d out of range", n))
	}
	return nil
}

// Equal reports whether two xids name the same branch.
func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalTransactionID, o.GlobalTransactionID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

// Key returns a stable string form usable as a map or storage key.
func (x Xid) Key() string {
	return strconv.FormatInt(int64(x.FormatID), 10) + ":" +
		hex.EncodeToString(x.GlobalTransactionID) + ":" +
		hex.EncodeToString(x.BranchQualifier)
}

func (x Xid) String() string {
	return x.Key()
}

// ParseKey parses the output of Key.
func ParseKey(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("parse xid %q: want format:gtrid:bqual", s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("parse xid %q: format id: %w", s, err)
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("parse xid %q: gtrid: %w", s, err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("parse xid %q: bqual: %w", s, err)
	}
	x := Xid{FormatID: int32(format), GlobalTransactionID: gtrid, BranchQualifier: bqual}
	if err := x.Validate(); err != nil {
		return Xid{}, err
	}
	return x, nil
}
