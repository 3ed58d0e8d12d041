package canon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

// Fingerprint is the 256-bit deterministic digest of (request, model,
// provider) described in spec §4.1, plus its two derived lookup keys.
type Fingerprint struct {
	Digest [32]byte
	// Short is the first 8 bytes of Digest read little-endian, for index
	// seeks (spec: "first 8 bytes interpreted little-endian as u64").
	Short uint64
	// Long is the full digest, hex-encoded, for exact match.
	Long string
}

// Compute derives the fingerprint for (req, modelName, providerName). The
// hash input order is fixed: model_name, provider_name, then the canonical
// JSON serialization of req — reordering object keys anywhere in req must
// not change the digest, which is why req is round-tripped through
// CanonicalJSON rather than hashed via a single json.Marshal call (plain
// Marshal does not normalize json.RawMessage sub-fields).
func Compute(req *llmtypes.ModelInferenceRequest, modelName, providerName string) (Fingerprint, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Fingerprint{}, err
	}

	canonicalReq, err := CanonicalJSON(raw)
	if err != nil {
		return Fingerprint{}, err
	}

	h := sha256.New()
	h.Write([]byte(modelName))
	h.Write([]byte{0}) // separator: avoids ("ab","c") colliding with ("a","bc").
	h.Write([]byte(providerName))
	h.Write([]byte{0})
	h.Write(canonicalReq)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	return Fingerprint{
		Digest: digest,
		Short:  binary.LittleEndian.Uint64(digest[:8]),
		Long:   hex.EncodeToString(digest[:]),
	}, nil
}
