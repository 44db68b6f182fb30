package worklist

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// NewAccessionNumber returns a 16 character identifier, the longest value a
// DICOM accession number may hold.
func NewAccessionNumber() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(hex[:16])
}

// NewUID returns a DICOM UID under the 2.25 root derived from a random UUID.
func NewUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}
