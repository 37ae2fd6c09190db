package metadata

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
)

// json is the package-wide codec: json-iterator configured to match
// encoding/json semantics, used for every document in spec.md §6
// (segment descriptors, handshake documents) exactly as the teacher
// uses jsoniter as a drop-in encoding/json replacement.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.NewMalformedJSON("marshal %T: %v", v, err)
	}
	return b, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errs.NewMalformedJSON("unmarshal %T: %v", v, err)
	}
	return nil
}
