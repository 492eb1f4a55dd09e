package voicecache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CacheKey binds a logical voice and its exact sample set to one remote slot
type CacheKey string

// VoiceRequest identifies the voice a generation should be spoken in
type VoiceRequest struct {
	LogicalName string   // Voice model id in the owning system; also the remote label
	SampleRefs  []string // Blob keys of the seed samples; treated as a set
}

// normalizedRefs returns the refs sorted with duplicates removed
func normalizedRefs(refs []string) []string {
	out := make([]string, len(refs))
	copy(out, refs)
	sort.Strings(out)

	uniq := out[:0]
	for _, r := range out {
		if len(uniq) > 0 && uniq[len(uniq)-1] == r {
			continue
		}
		uniq = append(uniq, r)
	}
	return uniq
}

// DeriveKey hashes the logical name together with the sorted sample refs so
// the key does not depend on the order the caller listed samples in.
func DeriveKey(req VoiceRequest) CacheKey {
	payload, _ := json.Marshal(struct {
		Name       string   `json:"name"`
		BucketKeys []string `json:"bucketKeys"`
	}{
		Name:       req.LogicalName,
		BucketKeys: normalizedRefs(req.SampleRefs),
	})

	sum := md5.Sum(payload)
	return CacheKey(hex.EncodeToString(sum[:]))
}
