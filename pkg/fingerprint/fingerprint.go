package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/synaptica-ai/worklist/pkg/common/models"
	"golang.org/x/text/unicode/norm"
)

// Domain is mixed into every hash so a format change can be rolled out by
// bumping the version suffix.
const Domain = "worklist/request-fingerprint/v1"

// DefaultFields are the canonical fields whose change warrants a write.
var DefaultFields = []string{
	models.FieldSubjectID,
	models.FieldStatus,
	models.FieldScheduledDate,
	models.FieldScheduledTime,
	models.FieldModality,
	models.FieldStudyDescription,
}

// Compute hashes the significant subset of fields. Absent and empty fields
// hash the same; field order never matters.
func Compute(fields map[string]string, significant []string) string {
	if len(significant) == 0 {
		significant = DefaultFields
	}

	subset := make(map[string]string, len(significant))
	for _, name := range significant {
		subset[name] = norm.NFC.String(strings.TrimSpace(fields[name]))
	}

	// encoding/json writes map keys in sorted order.
	canonical, _ := json.Marshal(subset)

	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
